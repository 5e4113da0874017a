package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Service != defaultService {
		t.Errorf("Service = %q, want %q", cfg.Service, defaultService)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.SIPListen != defaultSIPListen {
		t.Errorf("SIPListen = %q, want %q", cfg.SIPListen, defaultSIPListen)
	}
	if !cfg.SIPRegistrar {
		t.Error("SIPRegistrar should default to true")
	}
	if cfg.FSEngine != defaultEngine || cfg.KMSEngine != defaultEngine {
		t.Errorf("engines = %q/%q, want %q", cfg.FSEngine, cfg.KMSEngine, defaultEngine)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	t.Setenv("MEDIAHUB_HTTP_PORT", "9090")
	t.Setenv("MEDIAHUB_SERVICE", "tenant1")
	t.Setenv("MEDIAHUB_LOG_LEVEL", "debug")

	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.Service != "tenant1" {
		t.Errorf("Service = %q, want tenant1", cfg.Service)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	t.Setenv("MEDIAHUB_HTTP_PORT", "9090")
	t.Setenv("MEDIAHUB_LOG_LEVEL", "debug")

	cfg, err := load([]string{"--http-port", "3000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"invalid port", []string{"--http-port", "99999"}},
		{"empty service", []string{"--service", ""}},
		{"bad log level", []string{"--log-level", "verbose"}},
		{"bad log format", []string{"--log-format", "xml"}},
		{"ring ordering", []string{"--def-ring", "60", "--max-ring", "30"}},
		{"bad engine", []string{"--fs-engine", "esl"}},
		{"both engines off", []string{"--fs-engine", "off", "--kms-engine", "off"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args); err == nil {
				t.Fatalf("load(%v) should fail", tt.args)
			}
		})
	}
}

func TestRingDurations(t *testing.T) {
	cfg, err := load([]string{"--def-ring", "20", "--max-ring", "120"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefRing() != 20*time.Second {
		t.Errorf("DefRing = %v", cfg.DefRing())
	}
	if cfg.MaxRing() != 2*time.Minute {
		t.Errorf("MaxRing = %v", cfg.MaxRing())
	}
}

func TestJWTSecretBytes(t *testing.T) {
	// Configured secret round-trips.
	cfg := &Config{JWTSecret: "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	// Empty secret generates a key and stores it back.
	cfg = &Config{}
	key1, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JWTSecret == "" {
		t.Fatal("generated secret should be stored back")
	}
	key2, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(key1) != string(key2) {
		t.Error("second call should decode the stored key")
	}

	// Wrong sizes are rejected.
	cfg = &Config{JWTSecret: "abcd"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Fatal("short secret should fail")
	}
	cfg = &Config{JWTSecret: "not-hex"}
	if _, err := cfg.JWTSecretBytes(); err == nil {
		t.Fatal("non-hex secret should fail")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
