package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/lti-identity-bridge/internal/backend"
	"github.com/al-bashkir/lti-identity-bridge/internal/config"
	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/lti"
	"github.com/al-bashkir/lti-identity-bridge/internal/oidc"
	"github.com/al-bashkir/lti-identity-bridge/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

// LaunchService runs the LTI login and launch steps.
type LaunchService interface {
	Login(ctx context.Context, req lti.LoginRequest) (string, error)
	Launch(ctx context.Context, idToken, state string) (identity.UserContext, identity.CourseContext, error)
}

// StaffService runs the staff OIDC sign-in.
type StaffService interface {
	AuthorizationURL(ctx context.Context) (string, error)
	Exchange(ctx context.Context, code, state string) (identity.UserContext, map[string]any, error)
	LogoutURL(ctx context.Context, postLogoutRedirect string) (string, error)
}

// SessionStore issues and resolves session tokens.
type SessionStore interface {
	Create(ctx context.Context, user identity.UserContext, course identity.CourseContext) (string, error)
	Get(ctx context.Context, token string) (*session.Session, error)
	Delete(ctx context.Context, token string) (bool, error)
	Refresh(ctx context.Context, token string) (bool, error)
}

// StudentSyncer records a launch with the course backend.
type StudentSyncer interface {
	SyncStudent(ctx context.Context, user identity.UserContext) (bool, error)
}

// Services are the collaborators behind the HTTP routes. Students may be nil.
type Services struct {
	LTI      LaunchService
	Staff    StaffService
	Sessions SessionStore
	Students StudentSyncer
}

var (
	_ LaunchService = (*lti.Service)(nil)
	_ StaffService  = (*oidc.Staff)(nil)
	_ SessionStore  = (*session.Manager)(nil)
	_ StudentSyncer = (*backend.Client)(nil)
)

// Server is the HTTP front of the bridge
type Server struct {
	cfg        *config.Config
	version    string
	httpServer *http.Server
	router     chi.Router
	templates  *template.Template
	limiter    *IPRateLimiter
	svc        Services
	logger     *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, svc Services, version string) (*Server, error) {
	// Parse templates
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		version:   version,
		router:    chi.NewRouter(),
		templates: templates,
		limiter:   newIPRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst),
		svc:       svc,
		logger:    slog.Default(),
	}

	// Middleware, outermost first
	s.router.Use(middleware.RequestID)
	if cfg.Listen.TrustProxy {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.rateLimitMiddleware)
	s.router.Use(securityHeadersMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Frontend.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Register routes
	s.router.Get("/health", s.handleHealth)
	s.router.Route("/lti", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Post("/login", s.handleLogin)
		r.Post("/launch", s.handleLaunch)
		r.Get("/session/validate", s.handleValidate)
		r.Get("/session/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)

		r.Route("/staff", func(r chi.Router) {
			r.Get("/login", s.handleStaffLogin)
			r.Post("/exchange", s.handleStaffExchange)
			r.Get("/logout", s.handleStaffLogout)
		})
	})
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// launch waits on JWKS, backend sync and the store
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen.HTTP)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server",
		"addr", ln.Addr().String(),
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// frontendURL returns the frontend base URL without a trailing slash.
func (s *Server) frontendURL() string {
	return strings.TrimRight(s.cfg.Frontend.URL, "/")
}
