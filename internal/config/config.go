package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	LTI       LTIConfig       `yaml:"lti"`
	Frontend  FrontendConfig  `yaml:"frontend"`
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Backend   BackendConfig   `yaml:"backend"`
	Staff     StaffConfig     `yaml:"staff_oidc"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	TLS       TLSConfig       `yaml:"tls"`
	Log       LogConfig       `yaml:"log"`
}

// ListenConfig defines where the bridge listens for requests
type ListenConfig struct {
	HTTP string `yaml:"http"` // HTTP server address (e.g., ":8000")

	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	// Enable only behind a reverse proxy that overwrites those headers.
	TrustProxy bool `yaml:"trust_proxy"`
}

// LTIConfig defines the tool's registration with the LTI platform
type LTIConfig struct {
	ClientID              string `yaml:"client_id"`              // Client id issued by the platform
	DeploymentID          string `yaml:"deployment_id"`          // Expected deployment id claim
	Issuer                string `yaml:"issuer"`                 // Platform issuer
	AuthorizationEndpoint string `yaml:"authorization_endpoint"` // Platform OIDC auth endpoint
	KeySetURL             string `yaml:"key_set_url"`            // Platform JWKS URL
	ToolURL               string `yaml:"tool_url"`               // Public base URL of this service
}

// FrontendConfig defines the single-page app the bridge hands sessions to
type FrontendConfig struct {
	URL            string   `yaml:"url"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins
}

// StoreConfig selects the key-value store for state and sessions
type StoreConfig struct {
	Backend string      `yaml:"backend"` // redis, memory
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig defines the Redis connection
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	SSL      bool   `yaml:"ssl"`
}

// SessionConfig defines token lifetimes in seconds
type SessionConfig struct {
	TTL      int `yaml:"ttl"`       // Session lifetime
	StateTTL int `yaml:"state_ttl"` // Login state/nonce lifetime
}

// BackendConfig defines the student API synced on launch
type BackendConfig struct {
	APIURL string `yaml:"api_url"`
}

// StaffConfig defines the optional staff OIDC sign-in
type StaffConfig struct {
	ClientID    string   `yaml:"client_id"`
	Authority   string   `yaml:"authority"`
	RedirectURI string   `yaml:"redirect_uri"` // Defaults to <frontend>/oauth2/callback
	Scopes      []string `yaml:"scopes"`
	MetadataURL string   `yaml:"metadata_url"` // Defaults to <authority>/.well-known/openid-configuration
	RoleClaim   string   `yaml:"role_claim"`   // JSON path to roles in token
}

// RateLimitConfig defines per-client-IP request limits
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Debug  bool   `yaml:"debug"`  // Forces debug level
}

// LoadEnvFile loads variables from a .env file into the process environment.
// Variables already set are left alone. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads the optional configuration file, applies environment overrides
// and validates the result. An empty path uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// Read file
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Parse YAML
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP: ":8000",
		},
		LTI: LTIConfig{
			ToolURL: "http://localhost:8000",
		},
		Frontend: FrontendConfig{
			URL:            "http://localhost:3000",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:8000"},
		},
		Store: StoreConfig{
			Backend: "redis",
			Redis: RedisConfig{
				Host: "redis",
				Port: 6379,
			},
		},
		Session: SessionConfig{
			TTL:      28800, // 8 hours
			StateTTL: 300,   // 5 minutes
		},
		Backend: BackendConfig{
			APIURL: "http://localhost:8080/api/v1",
		},
		Staff: StaffConfig{
			Scopes:    []string{"openid"},
			RoleClaim: "roles",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             50,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	// LTI overrides
	setString(&c.LTI.ClientID, "CLIENT_ID")
	setString(&c.LTI.DeploymentID, "DEPLOYMENT_ID")
	setString(&c.LTI.Issuer, "ISSUER")
	setString(&c.LTI.AuthorizationEndpoint, "AUTHORIZATION_ENDPOINT")
	setString(&c.LTI.KeySetURL, "KEY_SET_URL")
	setString(&c.LTI.ToolURL, "TOOL_URL")

	// Frontend overrides
	setString(&c.Frontend.URL, "FRONTEND_URL")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Frontend.AllowedOrigins = ParseOrigins(v)
	}

	// Store overrides
	setString(&c.Store.Backend, "STORE_BACKEND")
	setString(&c.Store.Redis.Host, "REDIS_HOST")
	setString(&c.Store.Redis.Password, "REDIS_PASSWORD")
	if err := setInt(&c.Store.Redis.Port, "REDIS_PORT"); err != nil {
		return err
	}
	if err := setInt(&c.Store.Redis.DB, "REDIS_DB"); err != nil {
		return err
	}
	setBool(&c.Store.Redis.SSL, "REDIS_SSL")

	// Session overrides
	if err := setInt(&c.Session.TTL, "SESSION_TTL"); err != nil {
		return err
	}
	if err := setInt(&c.Session.StateTTL, "STATE_TTL"); err != nil {
		return err
	}

	setString(&c.Backend.APIURL, "BACKEND_API_URL")

	// Staff overrides
	setString(&c.Staff.ClientID, "STAFF_OIDC_CLIENT_ID")
	setString(&c.Staff.Authority, "STAFF_OIDC_AUTHORITY")
	setString(&c.Staff.RedirectURI, "STAFF_OIDC_REDIRECT_URI")
	setString(&c.Staff.MetadataURL, "STAFF_OIDC_METADATA_URL")
	setString(&c.Staff.RoleClaim, "STAFF_OIDC_ROLE_CLAIM")
	if v := os.Getenv("STAFF_OIDC_SCOPES"); v != "" {
		c.Staff.Scopes = ParseScopes(v)
	}

	// Log overrides
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	setBool(&c.Log.Debug, "DEBUG")

	// Listen overrides
	setString(&c.Listen.HTTP, "LISTEN_HTTP")
	setBool(&c.Listen.TrustProxy, "TRUST_PROXY")

	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", name, err)
	}
	*dst = n
	return nil
}

// setBool treats only "true" (any case) as true.
func setBool(dst *bool, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = strings.EqualFold(strings.TrimSpace(v), "true")
	}
}

// ParseOrigins splits a comma-separated origin list.
func ParseOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// ParseScopes splits scopes on commas and spaces, defaulting to openid.
func ParseScopes(raw string) []string {
	scopes := strings.Fields(strings.ReplaceAll(raw, ",", " "))
	if len(scopes) == 0 {
		return []string{"openid"}
	}
	return scopes
}

// StaffRedirectURI returns the configured staff redirect URI or the
// frontend's /oauth2/callback.
func (c *Config) StaffRedirectURI() string {
	if c.Staff.RedirectURI != "" {
		return c.Staff.RedirectURI
	}
	return strings.TrimRight(c.Frontend.URL, "/") + "/oauth2/callback"
}

// StaffMetadataURL returns the configured metadata URL or the authority's
// well-known document, or "" when staff sign-in is not configured.
func (c *Config) StaffMetadataURL() string {
	if c.Staff.MetadataURL != "" {
		return c.Staff.MetadataURL
	}
	if c.Staff.Authority == "" {
		return ""
	}
	return strings.TrimRight(c.Staff.Authority, "/") + "/.well-known/openid-configuration"
}

// SessionTTL returns the session lifetime.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTL) * time.Second
}

// StateTTL returns the login state lifetime.
func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.Session.StateTTL) * time.Second
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate LTI config
	if c.LTI.ClientID == "" {
		return fmt.Errorf("lti.client_id is required")
	}
	if c.LTI.DeploymentID == "" {
		return fmt.Errorf("lti.deployment_id is required")
	}
	if c.LTI.Issuer == "" {
		return fmt.Errorf("lti.issuer is required")
	}
	urls := []struct{ name, value string }{
		{"lti.authorization_endpoint", c.LTI.AuthorizationEndpoint},
		{"lti.key_set_url", c.LTI.KeySetURL},
		{"lti.tool_url", c.LTI.ToolURL},
		{"frontend.url", c.Frontend.URL},
	}
	for _, u := range urls {
		if u.value == "" {
			return fmt.Errorf("%s is required", u.name)
		}
		if !isHTTPURL(u.value) {
			return fmt.Errorf("%s must be a valid HTTP(S) URL", u.name)
		}
	}

	// Validate store config
	switch c.Store.Backend {
	case "redis":
		if c.Store.Redis.Host == "" {
			return fmt.Errorf("store.redis.host is required")
		}
		if c.Store.Redis.Port <= 0 || c.Store.Redis.Port > 65535 {
			return fmt.Errorf("store.redis.port must be between 1 and 65535")
		}
		if c.Store.Redis.DB < 0 {
			return fmt.Errorf("store.redis.db must not be negative")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be one of: redis, memory")
	}

	// Validate session config
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.StateTTL <= 0 {
		return fmt.Errorf("session.state_ttl must be positive")
	}

	if c.Backend.APIURL != "" && !isHTTPURL(c.Backend.APIURL) {
		return fmt.Errorf("backend.api_url must be a valid HTTP(S) URL")
	}

	// Validate staff config; staff sign-in is optional
	if c.Staff.Authority != "" && !isHTTPURL(c.Staff.Authority) {
		return fmt.Errorf("staff_oidc.authority must be a valid HTTP(S) URL")
	}
	if c.Staff.MetadataURL != "" && !isHTTPURL(c.Staff.MetadataURL) {
		return fmt.Errorf("staff_oidc.metadata_url must be a valid HTTP(S) URL")
	}
	if c.Staff.ClientID != "" || c.Staff.Authority != "" {
		hasOpenID := false
		for _, scope := range c.Staff.Scopes {
			if scope == "openid" {
				hasOpenID = true
				break
			}
		}
		if !hasOpenID {
			return fmt.Errorf("staff_oidc.scopes must include 'openid'")
		}
	}

	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second and rate_limit.burst must be positive")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}

	return nil
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices to avoid sharing underlying arrays with the original
	if c.Staff.Scopes != nil {
		redacted.Staff.Scopes = make([]string, len(c.Staff.Scopes))
		copy(redacted.Staff.Scopes, c.Staff.Scopes)
	}
	if c.Frontend.AllowedOrigins != nil {
		redacted.Frontend.AllowedOrigins = make([]string, len(c.Frontend.AllowedOrigins))
		copy(redacted.Frontend.AllowedOrigins, c.Frontend.AllowedOrigins)
	}
	if redacted.Store.Redis.Password != "" {
		redacted.Store.Redis.Password = "[REDACTED]"
	}
	return &redacted
}
