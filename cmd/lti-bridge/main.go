package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/al-bashkir/lti-identity-bridge/internal/config"
	"github.com/al-bashkir/lti-identity-bridge/internal/daemon"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	envFile    string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "lti-bridge",
	Short: "LTI 1.3 identity bridge",
	Long: `Identity bridge between an LTI 1.3 platform and a web frontend.

The bridge accepts LTI 1.3 launches from the learning platform, verifies
the signed id_token, and hands the frontend an opaque session token. Staff
can sign in directly through an OpenID Connect provider using PKCE.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the identity bridge",
	Long: `Start the HTTP server.

The server:
  - Handles LTI login initiation and launch
  - Validates, refreshes and revokes sessions
  - Runs the staff OIDC sign-in and token exchange

Configuration comes from the optional YAML file, then the .env file, then
the process environment.`,
	RunE: runServe,
}

// overrideExitCode is set by check-config so main() can call os.Exit()
// after cobra finishes. -1 means "use default".
var overrideExitCode = -1

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration",
	Long: `Load and validate the configuration without starting the server.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Path to YAML configuration file (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Path to .env file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig reads the .env file and the configuration, then applies the
// log flags.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// runServe starts the bridge
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	config.SetupLogging(&cfg.Log)

	slog.Info("starting LTI identity bridge",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)
	slog.Debug("effective configuration", "config", cfg.Redact())

	ctx := context.Background()

	d, err := daemon.New(ctx, cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run(ctx)
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("lti-bridge version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	source := configFile
	if source == "" {
		source = "(environment)"
	}
	fmt.Printf("Checking configuration: %s\n\n", source)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	fmt.Println("Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  LTI Issuer:      %s\n", cfg.LTI.Issuer)
	fmt.Printf("  LTI Client ID:   %s\n", cfg.LTI.ClientID)
	fmt.Printf("  Deployment ID:   %s\n", cfg.LTI.DeploymentID)
	fmt.Printf("  Key Set URL:     %s\n", cfg.LTI.KeySetURL)
	fmt.Printf("  Tool URL:        %s\n", cfg.LTI.ToolURL)
	fmt.Printf("  Frontend URL:    %s\n", cfg.Frontend.URL)
	fmt.Printf("  Store Backend:   %s\n", cfg.Store.Backend)
	fmt.Printf("  Session TTL:     %d seconds\n", cfg.Session.TTL)
	fmt.Printf("  HTTP Listen:     %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Log Level:       %s\n", cfg.Log.Level)
	fmt.Printf("  TLS Enabled:     %v\n", cfg.TLS.Enabled)

	if cfg.Staff.ClientID != "" {
		fmt.Printf("\n  Staff OIDC:      %s (client %s)\n", cfg.Staff.Authority, cfg.Staff.ClientID)
	} else {
		fmt.Println("\n  Staff OIDC:      [NOT CONFIGURED]")
	}
	if cfg.Store.Redis.Password != "" {
		fmt.Println("  Redis Password:  [SET]")
	}

	return nil
}
