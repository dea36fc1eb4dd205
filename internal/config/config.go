// Package config loads runtime configuration for the sound server and its
// clients, following the CLI-flags-then-env-vars-then-defaults precedence
// the rest of this codebase uses.
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
)

// Config holds all runtime configuration for the sound server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir        string // holds the device directory's sqlite database
	SocketPath     string // AF_UNIX path the server listens on / clients dial
	HTTPPort       int    // debug/status HTTP surface
	OpRingSize     int    // initial per-context AIO op ring size
	DefaultRate    int
	DefaultChans   int
	LogLevel       string
	LogFormat      string // "text" or "json"
	JWTSecret      string // hex-encoded 32-byte secret for remote transport auth tokens
	RateLimitRPS   float64
	RateLimitBurst int
}

const (
	defaultDataDir        = "./data"
	defaultSocketPath     = "/run/sndsrv/sndsrv.sock"
	defaultHTTPPort       = 8090
	defaultOpRingSize     = 32
	defaultRate           = 48000
	defaultChans          = 2
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultRateLimitRPS   = 50.0
	defaultRateLimitBurst = 100
)

// envPrefix is the prefix for all sound-server environment variables.
const envPrefix = "SNDSRV_"

// Load parses configuration from CLI flags and environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("sndsrv", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the device directory database")
	fs.StringVar(&cfg.SocketPath, "socket-path", defaultSocketPath, "AF_UNIX socket path for the request transport")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "debug/status HTTP listen port")
	fs.IntVar(&cfg.OpRingSize, "op-ring-size", defaultOpRingSize, "initial AIO context op ring size")
	fs.IntVar(&cfg.DefaultRate, "default-rate", defaultRate, "default PCM sample rate")
	fs.IntVar(&cfg.DefaultChans, "default-channels", defaultChans, "default PCM channel count")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for remote transport auth (auto-generated if empty)")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", defaultRateLimitRPS, "accept-loop / mixer-refresh rate limit, requests per second")
	fs.IntVar(&cfg.RateLimitBurst, "rate-limit-burst", defaultRateLimitBurst, "rate limit burst size")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving CLI > env > default.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	envMap := map[string]string{
		"data-dir":         envPrefix + "DATA_DIR",
		"socket-path":      envPrefix + "SOCKET_PATH",
		"http-port":        envPrefix + "HTTP_PORT",
		"op-ring-size":     envPrefix + "OP_RING_SIZE",
		"default-rate":     envPrefix + "DEFAULT_RATE",
		"default-channels": envPrefix + "DEFAULT_CHANNELS",
		"log-level":        envPrefix + "LOG_LEVEL",
		"log-format":       envPrefix + "LOG_FORMAT",
		"jwt-secret":       envPrefix + "JWT_SECRET",
		"rate-limit-rps":   envPrefix + "RATE_LIMIT_RPS",
		"rate-limit-burst": envPrefix + "RATE_LIMIT_BURST",
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
		case "data-dir":
			cfg.DataDir = val
		case "socket-path":
			cfg.SocketPath = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "op-ring-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OpRingSize = v
			}
		case "default-rate":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DefaultRate = v
			}
		case "default-channels":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DefaultChans = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "rate-limit-rps":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.RateLimitRPS = v
			}
		case "rate-limit-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RateLimitBurst = v
			}
		}
	}
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.OpRingSize < 1 {
		return fmt.Errorf("op-ring-size must be positive, got %d", c.OpRingSize)
	}
	if c.DefaultChans < 1 {
		return fmt.Errorf("default-channels must be positive, got %d", c.DefaultChans)
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

// JWTSecretBytes returns the decoded 32-byte transport auth secret. If
// none is configured, it generates a random ephemeral one for the
// process lifetime.
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
// format (text or json) and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
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
