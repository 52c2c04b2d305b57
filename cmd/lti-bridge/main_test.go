package main

import (
	"os"
	"path/filepath"
	"testing"
)

const testConfig = `listen:
  http: "127.0.0.1:0"
lti:
  client_id: "tool-client"
  deployment_id: "deploy-1"
  issuer: "https://lms.example.edu"
  authorization_endpoint: "https://lms.example.edu/d2l/lti/authenticate"
  key_set_url: "https://lms.example.edu/d2l/.well-known/jwks"
  tool_url: "https://tool.example.edu"
store:
  backend: "memory"
log:
  level: "info"
  format: "json"
`

func writeTestConfig(t *testing.T, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// withFlags points the global flags at cfgPath and a missing .env file.
func withFlags(t *testing.T, cfgPath string) {
	t.Helper()

	oldCfg, oldEnv, oldExit := configFile, envFile, overrideExitCode
	oldLevel, oldFormat := logLevel, logFormat
	t.Cleanup(func() {
		configFile, envFile, overrideExitCode = oldCfg, oldEnv, oldExit
		logLevel, logFormat = oldLevel, oldFormat
	})

	configFile = cfgPath
	envFile = filepath.Join(t.TempDir(), "missing.env")
	overrideExitCode = -1
	logLevel, logFormat = "", ""

	for _, name := range []string{"CLIENT_ID", "DEPLOYMENT_ID", "ISSUER", "AUTHORIZATION_ENDPOINT", "KEY_SET_URL", "STORE_BACKEND", "LOG_LEVEL"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestRunCheckConfig_Valid(t *testing.T) {
	withFlags(t, writeTestConfig(t, testConfig))

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig failed: %v", err)
	}
	if overrideExitCode != -1 {
		t.Fatalf("overrideExitCode = %d, want -1 (unset)", overrideExitCode)
	}
}

func TestRunCheckConfig_Invalid(t *testing.T) {
	// Missing lti.client_id
	withFlags(t, writeTestConfig(t, `lti:
  deployment_id: "deploy-1"
  issuer: "https://lms.example.edu"
  authorization_endpoint: "https://lms.example.edu/auth"
  key_set_url: "https://lms.example.edu/jwks"
store:
  backend: "memory"
`))

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig returned unexpected error: %v", err)
	}
	if overrideExitCode != ExitConfig {
		t.Fatalf("overrideExitCode = %d, want %d (ExitConfig)", overrideExitCode, ExitConfig)
	}
}

func TestRunCheckConfig_EnvFile(t *testing.T) {
	withFlags(t, "")

	envPath := filepath.Join(t.TempDir(), ".env")
	data := "CLIENT_ID=tool-client\n" +
		"DEPLOYMENT_ID=deploy-1\n" +
		"ISSUER=https://lms.example.edu\n" +
		"AUTHORIZATION_ENDPOINT=https://lms.example.edu/auth\n" +
		"KEY_SET_URL=https://lms.example.edu/jwks\n" +
		"STORE_BACKEND=memory\n"
	if err := os.WriteFile(envPath, []byte(data), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	envFile = envPath
	t.Cleanup(func() {
		for _, name := range []string{"CLIENT_ID", "DEPLOYMENT_ID", "ISSUER", "AUTHORIZATION_ENDPOINT", "KEY_SET_URL", "STORE_BACKEND"} {
			os.Unsetenv(name)
		}
	})

	if err := runCheckConfig(nil, nil); err != nil {
		t.Fatalf("runCheckConfig failed: %v", err)
	}
	if overrideExitCode != -1 {
		t.Fatalf("overrideExitCode = %d, want -1 (unset)", overrideExitCode)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	withFlags(t, writeTestConfig(t, testConfig))
	logLevel = "debug"
	logFormat = "text"

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}
}

func TestRunServe_ConfigLoadFailure(t *testing.T) {
	withFlags(t, filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	if err := runServe(nil, nil); err == nil {
		t.Fatal("expected runServe to fail, got nil")
	}
}

func TestRunVersion(t *testing.T) {
	oldVersion, oldCommit, oldBuildDate := version, commit, buildDate
	t.Cleanup(func() {
		version, commit, buildDate = oldVersion, oldCommit, oldBuildDate
	})

	version = "1.2.3"
	commit = "deadbeef"
	buildDate = "2026-02-17"

	runVersion(nil, nil)
}
