// Package daemon wires the bridge's components together and runs them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/al-bashkir/lti-identity-bridge/internal/backend"
	"github.com/al-bashkir/lti-identity-bridge/internal/config"
	"github.com/al-bashkir/lti-identity-bridge/internal/httpserver"
	"github.com/al-bashkir/lti-identity-bridge/internal/jwks"
	"github.com/al-bashkir/lti-identity-bridge/internal/kv"
	"github.com/al-bashkir/lti-identity-bridge/internal/lti"
	"github.com/al-bashkir/lti-identity-bridge/internal/oidc"
	"github.com/al-bashkir/lti-identity-bridge/internal/session"
	"github.com/al-bashkir/lti-identity-bridge/internal/state"
	"github.com/al-bashkir/lti-identity-bridge/internal/token"
)

// Daemon represents the main process that coordinates all components.
type Daemon struct {
	cfg        *config.Config
	store      kv.Store
	keys       *jwks.Resolver
	httpServer *httpserver.Server
	logger     *slog.Logger
}

// New creates a new daemon with all components initialized.
// It connects to the configured store and fails if it is unreachable.
func New(ctx context.Context, cfg *config.Config, version string) (*Daemon, error) {
	logger := slog.Default()

	// Initialize key-value store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("store initialized",
		"backend", cfg.Store.Backend,
	)

	// Initialize LTI launch
	keys := jwks.NewResolver(cfg.LTI.KeySetURL)
	verifier := token.NewVerifier(keys, token.WithLogger(logger))
	ltiService := lti.NewService(lti.Config{
		ClientID:              cfg.LTI.ClientID,
		DeploymentID:          cfg.LTI.DeploymentID,
		Issuer:                cfg.LTI.Issuer,
		AuthorizationEndpoint: cfg.LTI.AuthorizationEndpoint,
		ToolURL:               cfg.LTI.ToolURL,
	}, state.New(store, state.NamespaceLTI, cfg.StateTTL()), verifier, logger)

	logger.Info("LTI launch initialized",
		"issuer", cfg.LTI.Issuer,
		"client_id", cfg.LTI.ClientID,
		"deployment_id", cfg.LTI.DeploymentID,
	)

	// Initialize staff sign-in; it reports ErrNotConfigured per request when unset
	staff := oidc.NewStaff(oidc.Config{
		ClientID:    cfg.Staff.ClientID,
		Authority:   cfg.Staff.Authority,
		RedirectURI: cfg.StaffRedirectURI(),
		Scopes:      cfg.Staff.Scopes,
		MetadataURL: cfg.StaffMetadataURL(),
		RoleClaim:   cfg.Staff.RoleClaim,
	},
		oidc.NewDiscovery(cfg.StaffMetadataURL(), nil),
		state.New(store, state.NamespaceStaff, cfg.StateTTL()),
		oidc.WithLogger(logger),
	)

	logger.Info("staff sign-in initialized",
		"configured", staff.Configured(),
		"authority", cfg.Staff.Authority,
	)

	// Initialize HTTP server
	httpServer, err := httpserver.NewServer(cfg, httpserver.Services{
		LTI:      ltiService,
		Staff:    staff,
		Sessions: session.NewManager(store, cfg.SessionTTL(), logger),
		Students: backend.NewClient(cfg.Backend.APIURL, nil, logger),
	}, version)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	logger.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"tls", cfg.TLS.Enabled,
	)

	return &Daemon{
		cfg:        cfg,
		store:      store,
		keys:       keys,
		httpServer: httpServer,
		logger:     logger,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		slog.Warn("using in-memory store; state and sessions are lost on restart and not shared between instances")
		return kv.NewMemoryStore(), nil
	case "redis":
		store, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Host:     cfg.Store.Redis.Host,
			Port:     cfg.Store.Redis.Port,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			TLS:      cfg.Store.Redis.SSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	return d.serve(ctx, nil)
}

// serve runs on ln, or listens on the configured address when ln is nil.
func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	d.logger.Info("starting LTI identity bridge")

	// Listen synchronously to catch startup errors
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", d.cfg.Listen.HTTP)
		if err != nil {
			_ = d.httpServer.Shutdown(context.Background())
			_ = d.store.Close()
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.Listen.HTTP, err)
		}
	}

	// Warm the platform key cache; launches refetch on demand if this fails
	go d.warmKeys(ctx)

	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	// Wait for shutdown signal or server failure
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		d.logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			d.logger.Error("HTTP server failed", "error", err)
			_ = d.store.Close()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	// Shutdown gracefully
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("error stopping HTTP server", "error", err)
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("error closing store", "error", err)
	}

	d.logger.Info("shutdown complete")
	return nil
}

func (d *Daemon) warmKeys(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jwks.DefaultTimeout)
	defer cancel()

	keys, err := d.keys.Refresh(ctx)
	if err != nil {
		d.logger.Warn("platform signing keys not available at startup", "url", d.keys.URL(), "error", err)
		return
	}
	d.logger.Info("platform signing keys loaded", "count", len(keys))
}
