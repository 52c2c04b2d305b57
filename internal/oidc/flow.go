package oidc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/lti-identity-bridge/internal/identity"
	"github.com/al-bashkir/lti-identity-bridge/internal/jwks"
	"github.com/al-bashkir/lti-identity-bridge/internal/logsanitize"
	"github.com/al-bashkir/lti-identity-bridge/internal/state"
	"github.com/al-bashkir/lti-identity-bridge/internal/token"
)

// DefaultTokenTimeout bounds the token endpoint call.
const DefaultTokenTimeout = 20 * time.Second

// Config holds the staff identity provider registration.
type Config struct {
	ClientID    string
	Authority   string
	RedirectURI string
	Scopes      []string

	// MetadataURL defaults to <Authority>/.well-known/openid-configuration
	MetadataURL string

	// RoleClaim is the claim holding staff roles, dot notation allowed
	RoleClaim string
}

// Staff runs the staff authorization code flow. It is safe for concurrent use.
type Staff struct {
	cfg         Config
	discovery   *Discovery
	states      *state.Store
	tokenClient *http.Client
	keyClient   *http.Client
	logger      *slog.Logger

	mu       sync.Mutex
	verifier *token.Verifier
	jwksURL  string
}

// Option configures Staff.
type Option func(*Staff)

// WithTokenClient sets the HTTP client used for the token endpoint.
func WithTokenClient(c *http.Client) Option {
	return func(s *Staff) {
		s.tokenClient = c
	}
}

// WithKeyClient sets the HTTP client used to fetch signing keys.
func WithKeyClient(c *http.Client) Option {
	return func(s *Staff) {
		s.keyClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Staff) {
		s.logger = l
	}
}

// NewStaff creates the staff flow. states must use the staff namespace.
func NewStaff(cfg Config, discovery *Discovery, states *state.Store, opts ...Option) *Staff {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID}
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "roles"
	}

	s := &Staff{
		cfg:         cfg,
		discovery:   discovery,
		states:      states,
		tokenClient: &http.Client{Timeout: DefaultTokenTimeout},
		keyClient:   &http.Client{Timeout: jwks.DefaultTimeout},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Configured reports whether both the client id and authority are set.
func (s *Staff) Configured() bool {
	return s.cfg.ClientID != "" && s.cfg.Authority != ""
}

// AuthorizationURL starts a sign-in: it stores a fresh state, nonce and PKCE
// verifier and returns the provider URL the browser must visit.
func (s *Staff) AuthorizationURL(ctx context.Context) (string, error) {
	if !s.Configured() {
		return "", identity.ErrNotConfigured
	}

	md, err := s.discovery.Get(ctx)
	if err != nil {
		return "", err
	}

	st, err := state.GenerateToken(state.MinTokenBytes)
	if err != nil {
		return "", err
	}
	nonce, err := state.GenerateToken(state.MinTokenBytes)
	if err != nil {
		return "", err
	}
	verifier, err := generateCodeVerifier()
	if err != nil {
		return "", fmt.Errorf("failed to generate code verifier: %w", err)
	}

	if err := s.states.Put(ctx, st, state.Record{Nonce: nonce, CodeVerifier: verifier}); err != nil {
		return "", err
	}

	authURL := s.oauth2Config(ctx, md).AuthCodeURL(st,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("code_challenge", generateCodeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	s.logger.Debug("staff sign-in started", "state", logsanitize.TokenPrefix(st))
	return authURL, nil
}

// Exchange completes a sign-in: it consumes state, redeems code at the token
// endpoint with the stored PKCE verifier and verifies the returned id_token.
// It returns the mapped user and the raw id_token claims.
func (s *Staff) Exchange(ctx context.Context, code, st string) (identity.UserContext, map[string]any, error) {
	if !s.Configured() {
		return identity.UserContext{}, nil, identity.ErrNotConfigured
	}
	if code == "" || st == "" {
		return identity.UserContext{}, nil, fmt.Errorf("%w: code and state are required", identity.ErrMissingParameter)
	}

	rec, err := s.states.Take(ctx, st)
	if err != nil {
		return identity.UserContext{}, nil, err
	}

	md, err := s.discovery.Get(ctx)
	if err != nil {
		return identity.UserContext{}, nil, err
	}

	rawIDToken, err := s.redeem(ctx, md, code, rec.CodeVerifier)
	if err != nil {
		return identity.UserContext{}, nil, err
	}

	claims, err := s.verifierFor(md).Verify(ctx, rawIDToken, token.Expectations{
		Audience:      s.cfg.ClientID,
		Issuer:        md.IssuerURL,
		Nonce:         rec.Nonce,
		NonceOptional: true,
	})
	if err != nil {
		s.logger.Error("staff id_token validation failed", "error", err)
		return identity.UserContext{}, nil, fmt.Errorf("%w: %w", identity.ErrInvalidToken, err)
	}

	user := UserFromClaims(claims.Raw, s.cfg.RoleClaim)
	s.logger.Info("staff sign-in completed", "user_id", user.UserID, "roles", user.Roles)

	return user, claims.Raw, nil
}

// LogoutURL returns the provider's end-session URL, or "" when the provider
// does not advertise one.
func (s *Staff) LogoutURL(ctx context.Context, postLogoutRedirect string) (string, error) {
	if !s.Configured() {
		return "", identity.ErrNotConfigured
	}

	md, err := s.discovery.Get(ctx)
	if err != nil {
		return "", err
	}
	if md.EndSessionURL == "" {
		return "", nil
	}

	params := url.Values{}
	params.Set("client_id", s.cfg.ClientID)
	if postLogoutRedirect != "" {
		params.Set("post_logout_redirect_uri", postLogoutRedirect)
	}

	sep := "?"
	if strings.Contains(md.EndSessionURL, "?") {
		sep = "&"
	}
	return md.EndSessionURL + sep + params.Encode(), nil
}

func (s *Staff) oauth2Config(ctx context.Context, md *Metadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    s.cfg.ClientID,
		RedirectURL: s.cfg.RedirectURI,
		Endpoint:    md.Endpoint(ctx),
		Scopes:      s.cfg.Scopes,
	}
}

// redeem exchanges the authorization code and returns the raw id_token.
func (s *Staff) redeem(ctx context.Context, md *Metadata, code, verifier string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.tokenClient)

	tok, err := s.oauth2Config(ctx, md).Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", verifier),
	)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			status := 0
			if re.Response != nil {
				status = re.Response.StatusCode
			}
			exErr := &ExchangeError{StatusCode: status, Detail: tokenErrorDetail(status, re.Body)}
			s.logger.Error("staff token exchange failed", "status", status, "detail", exErr.Detail)
			return "", exErr
		}
		return "", fmt.Errorf("%w: %v", identity.ErrTokenExchangeFailed, err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return "", identity.ErrMissingIdToken
	}
	return rawIDToken, nil
}

func (s *Staff) verifierFor(md *Metadata) *token.Verifier {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.verifier == nil || s.jwksURL != md.JWKSURL {
		resolver := jwks.NewResolver(md.JWKSURL, jwks.WithHTTPClient(s.keyClient))
		s.verifier = token.NewVerifier(resolver, token.WithLogger(s.logger))
		s.jwksURL = md.JWKSURL
	}
	return s.verifier
}

// ExchangeError is a non-2xx answer from the token endpoint.
type ExchangeError struct {
	StatusCode int

	// Detail is a human-readable summary safe to show to the user
	Detail string
}

func (e *ExchangeError) Error() string {
	return e.Detail
}

func (e *ExchangeError) Unwrap() error {
	return identity.ErrTokenExchangeFailed
}

// tokenErrorDetail summarizes an OAuth2 error body. It understands the
// error, error_description and client-request-id fields ADFS sends.
func tokenErrorDetail(status int, body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		text := []rune(strings.TrimSpace(string(body)))
		if len(text) > 300 {
			text = text[:300]
		}
		return fmt.Sprintf("Token exchange failed (%d). %s", status, string(text))
	}

	parts := []string{"Token exchange failed."}
	if e := stringValue(payload["error"]); e != "" {
		parts = append(parts, "Error: "+e+".")
	}
	if d := stringValue(payload["error_description"]); d != "" {
		parts = append(parts, d)
	}
	requestID := stringValue(payload["client-request-id"])
	if requestID == "" {
		requestID = stringValue(payload["client_request_id"])
	}
	if requestID != "" {
		parts = append(parts, "Request ID: "+requestID)
	}
	return strings.Join(parts, " ")
}

func stringValue(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

// generateCodeVerifier creates a cryptographically random PKCE code verifier.
// The verifier is 64 random bytes encoded as base64url (86 characters).
// Per RFC 7636, the verifier must be 43-128 characters.
func generateCodeVerifier() (string, error) {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generateCodeChallenge creates a PKCE code challenge from the verifier.
// It uses the S256 method: BASE64URL(SHA256(ASCII(verifier)))
func generateCodeChallenge(verifier string) string {
	h := sha256.New()
	h.Write([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
