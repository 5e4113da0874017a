// Package config loads the runtime configuration from CLI flags and
// environment variables. Precedence: CLI flags > env vars > defaults.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the MediaHub server.
type Config struct {
	Service  string
	HTTPPort int

	SIPListen              string
	SIPDomain              string
	SIPRegistrar           bool
	SIPForceDomain         bool
	SIPInviteNotRegistered bool

	VertoListen string
	APIListen   string

	// Users is a "user:pass,user2:pass2" bootstrap list for the
	// in-memory credential store.
	Users string

	// JWTSecret is the hex-encoded 32-byte secret API tokens are signed
	// with. Generated per process when empty.
	JWTSecret string

	// FSEngine and KMSEngine select the engine transport. "loopback" is
	// the built-in engine; "off" disables the backend.
	FSEngine  string
	KMSEngine string

	DefRingSecs int
	MaxRingSecs int

	LogLevel  string
	LogFormat string
}

// defaults
const (
	defaultService   = "default"
	defaultHTTPPort  = 8086
	defaultSIPListen = "0.0.0.0:5060"
	defaultSIPDomain = "mediahub.local"
	defaultEngine    = "loopback"
	defaultDefRing   = 30
	defaultMaxRing   = 300
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all MediaHub environment variables.
const envPrefix = "MEDIAHUB_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("mediahub", flag.ContinueOnError)

	fs.StringVar(&cfg.Service, "service", defaultService, "logical tenant every adapter-originated object is scoped to")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for /verto, /api/ws, /metrics and /healthz")
	fs.StringVar(&cfg.SIPListen, "sip-listen", defaultSIPListen, "SIP UDP/TCP listen address")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", defaultSIPDomain, "SIP realm and Contact domain")
	fs.BoolVar(&cfg.SIPRegistrar, "sip-registrar", true, "accept REGISTER and resolve callees against bindings")
	fs.BoolVar(&cfg.SIPForceDomain, "sip-registrar-force-domain", false, "reject REGISTER for foreign domains")
	fs.BoolVar(&cfg.SIPInviteNotRegistered, "sip-invite-not-registered", false, "accept INVITE from unregistered senders")
	fs.StringVar(&cfg.VertoListen, "verto-listen", "", "standalone Verto WebSocket listen address (default: mounted on /verto)")
	fs.StringVar(&cfg.APIListen, "api-listen", "", "standalone API WebSocket listen address (default: mounted on /api/ws)")
	fs.StringVar(&cfg.Users, "users", "", "bootstrap users as user:pass,user2:pass2")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.FSEngine, "fs-engine", defaultEngine, "FS engine transport (loopback, off)")
	fs.StringVar(&cfg.KMSEngine, "kms-engine", defaultEngine, "KMS engine transport (loopback, off)")
	fs.IntVar(&cfg.DefRingSecs, "def-ring", defaultDefRing, "default ring bound in seconds for call destinations")
	fs.IntVar(&cfg.MaxRingSecs, "max-ring", defaultMaxRing, "maximum ring bound in seconds")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was
// not explicitly provided on the command line, preserving the precedence
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"service":                    envPrefix + "SERVICE",
		"http-port":                  envPrefix + "HTTP_PORT",
		"sip-listen":                 envPrefix + "SIP_LISTEN",
		"sip-domain":                 envPrefix + "SIP_DOMAIN",
		"sip-registrar":              envPrefix + "SIP_REGISTRAR",
		"sip-registrar-force-domain": envPrefix + "SIP_REGISTRAR_FORCE_DOMAIN",
		"sip-invite-not-registered":  envPrefix + "SIP_INVITE_NOT_REGISTERED",
		"verto-listen":               envPrefix + "VERTO_LISTEN",
		"api-listen":                 envPrefix + "API_LISTEN",
		"users":                      envPrefix + "USERS",
		"jwt-secret":                 envPrefix + "JWT_SECRET",
		"fs-engine":                  envPrefix + "FS_ENGINE",
		"kms-engine":                 envPrefix + "KMS_ENGINE",
		"def-ring":                   envPrefix + "DEF_RING",
		"max-ring":                   envPrefix + "MAX_RING",
		"log-level":                  envPrefix + "LOG_LEVEL",
		"log-format":                 envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "service":
			cfg.Service = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "sip-listen":
			cfg.SIPListen = val
		case "sip-domain":
			cfg.SIPDomain = val
		case "sip-registrar":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.SIPRegistrar = v
			}
		case "sip-registrar-force-domain":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.SIPForceDomain = v
			}
		case "sip-invite-not-registered":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.SIPInviteNotRegistered = v
			}
		case "verto-listen":
			cfg.VertoListen = val
		case "api-listen":
			cfg.APIListen = val
		case "users":
			cfg.Users = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "fs-engine":
			cfg.FSEngine = val
		case "kms-engine":
			cfg.KMSEngine = val
		case "def-ring":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DefRingSecs = v
			}
		case "max-ring":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxRingSecs = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.Service == "" {
		return fmt.Errorf("service must not be empty")
	}
	if c.SIPDomain == "" {
		return fmt.Errorf("sip-domain must not be empty")
	}
	if c.DefRingSecs < 1 {
		return fmt.Errorf("def-ring must be positive, got %d", c.DefRingSecs)
	}
	if c.MaxRingSecs < c.DefRingSecs {
		return fmt.Errorf("max-ring must be >= def-ring, got %d < %d", c.MaxRingSecs, c.DefRingSecs)
	}

	validEngines := map[string]bool{"loopback": true, "off": true}
	if !validEngines[c.FSEngine] {
		return fmt.Errorf("fs-engine must be one of loopback, off; got %q", c.FSEngine)
	}
	if !validEngines[c.KMSEngine] {
		return fmt.Errorf("kms-engine must be one of loopback, off; got %q", c.KMSEngine)
	}
	if c.FSEngine == "off" && c.KMSEngine == "off" {
		return fmt.Errorf("at least one backend engine must be enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// DefRing returns the default ring bound as a duration.
func (c *Config) DefRing() time.Duration { return time.Duration(c.DefRingSecs) * time.Second }

// MaxRing returns the ring cap as a duration.
func (c *Config) MaxRing() time.Duration { return time.Duration(c.MaxRingSecs) * time.Second }

// JWTSecretBytes returns the decoded 32-byte JWT signing secret. If no
// secret is configured, it generates a random key and stores the
// hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log
// level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
