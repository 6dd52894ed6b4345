// Package config provides application configuration management.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion or runaway
// settings from a misconfigured operator.
const (
	maxMaxConcurrentInits = 20
	maxRateLimitRPM       = 10000
	minAPIKeyLength       = 16
)

// Config holds all application configuration, loaded from environment
// variables at startup.
type Config struct {
	// Server settings (control-plane HTTP/WS listener).
	Host string
	Port int

	// Browser settings.
	Headless    bool
	BrowserPath string

	// LaunchGate settings.
	MaxConcurrentInits int
	BrowserInitTimeout time.Duration
	BrowserLaunchDelay time.Duration

	// Worker timing.
	SessionScanInterval time.Duration
	PageReadDeadline    time.Duration
	RetryDelayTechnical time.Duration
	PerWorkerCooldown   time.Duration
	ShutdownGrace       time.Duration

	// Bright Data residential proxy defaults (used when no override is
	// supplied via user_config.json or a request).
	ProxyHost     string
	ProxyUsername string
	ProxyPassword string

	// Storage paths.
	StorageRoot    string // sessionstore root
	VoteLogPath    string
	UserConfigPath string
	PatternsPath   string

	// Target page defaults (overridable via user_config.json).
	VotingURL string

	// Target page selectors. The target page's markup is outside this
	// system's control, so these are operator configuration rather than
	// compiled-in constants.
	VoteButtonSelector  string
	VoteCountSelector   string
	LoginButtonSelector string
	LoginPhrase         string

	// Logging
	LogLevel string

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string

	// Security
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string

	// API Key Authentication
	APIKeyEnabled bool
	APIKey        string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Host: getEnvString("HOST", "127.0.0.1"),
		Port: getEnvInt("PORT", 8787),

		Headless:    getEnvBool("HEADLESS", true),
		BrowserPath: getEnvString("BROWSER_PATH", ""),

		MaxConcurrentInits: getEnvInt("MAX_CONCURRENT_INITS", 1),
		BrowserInitTimeout: getEnvDuration("BROWSER_INIT_TIMEOUT", 30*time.Second),
		BrowserLaunchDelay: getEnvDuration("BROWSER_LAUNCH_DELAY", 5*time.Second),

		SessionScanInterval: getEnvDuration("SESSION_SCAN_INTERVAL", 30*time.Second),
		PageReadDeadline:    getEnvDuration("PAGE_READ_DEADLINE", 10*time.Second),
		RetryDelayTechnical: getEnvDuration("RETRY_DELAY_TECHNICAL", 5*time.Minute),
		PerWorkerCooldown:   getEnvDuration("PER_WORKER_COOLDOWN", 31*time.Minute),
		ShutdownGrace:       getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),

		ProxyHost:     getEnvString("BRIGHT_DATA_HOST", ""),
		ProxyUsername: getEnvString("BRIGHT_DATA_USERNAME", ""),
		ProxyPassword: getEnvString("BRIGHT_DATA_PASSWORD", ""),

		StorageRoot:    getEnvString("STORAGE_ROOT", "./data/sessions"),
		VoteLogPath:    getEnvString("VOTE_LOG_PATH", "./data/vote_log.csv"),
		UserConfigPath: getEnvString("USER_CONFIG_PATH", "./data/user_config.json"),
		PatternsPath:   getEnvString("PATTERNS_PATH", "./data/patterns.yaml"),

		VotingURL: getEnvString("VOTING_URL", ""),

		VoteButtonSelector:  getEnvString("VOTE_BUTTON_SELECTOR", "#vote-button"),
		VoteCountSelector:   getEnvString("VOTE_COUNT_SELECTOR", "#vote-count"),
		LoginButtonSelector: getEnvString("LOGIN_BUTTON_SELECTOR", "#login-button"),
		LoginPhrase:         getEnvString("LOGIN_PHRASE", "log in"),

		LogLevel: getEnvString("LOG_LEVEL", "info"),

		PProfEnabled:  getEnvBool("PPROF_ENABLED", false),
		PProfPort:     getEnvInt("PPROF_PORT", 6060),
		PProfBindAddr: getEnvString("PPROF_BIND_ADDR", "127.0.0.1"),

		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),

		APIKeyEnabled: getEnvBool("API_KEY_ENABLED", false),
		APIKey:        getEnvString("API_KEY", ""),
	}
}

// HasProxy returns true if a default Bright Data proxy is configured.
func (c *Config) HasProxy() bool {
	return c.ProxyHost != ""
}

// Validate checks configuration values and corrects invalid ones to
// sensible defaults, logging a warning for each correction.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8787")
		c.Port = 8787
	}

	if c.BrowserPath != "" {
		if strings.Contains(c.BrowserPath, "..") {
			log.Error().Str("path", c.BrowserPath).Msg("BrowserPath contains path traversal sequence (..), ignoring")
			c.BrowserPath = ""
		}
	}

	if c.MaxConcurrentInits < 1 {
		log.Warn().Int("value", c.MaxConcurrentInits).Msg("Invalid MAX_CONCURRENT_INITS, using default 1")
		c.MaxConcurrentInits = 1
	} else if c.MaxConcurrentInits > maxMaxConcurrentInits {
		log.Warn().Int("value", c.MaxConcurrentInits).Int("max", maxMaxConcurrentInits).Msg("MAX_CONCURRENT_INITS too high, capping")
		c.MaxConcurrentInits = maxMaxConcurrentInits
	}

	const minInitTimeout = 5 * time.Second
	const maxInitTimeout = 5 * time.Minute
	if c.BrowserInitTimeout < minInitTimeout || c.BrowserInitTimeout > maxInitTimeout {
		log.Warn().Dur("timeout", c.BrowserInitTimeout).Msg("BROWSER_INIT_TIMEOUT out of bounds, using default 30s")
		c.BrowserInitTimeout = 30 * time.Second
	}

	if c.PageReadDeadline < time.Second || c.PageReadDeadline > time.Minute {
		log.Warn().Dur("deadline", c.PageReadDeadline).Msg("PAGE_READ_DEADLINE out of bounds, using default 10s")
		c.PageReadDeadline = 10 * time.Second
	}

	if c.SessionScanInterval < 5*time.Second {
		log.Warn().Dur("interval", c.SessionScanInterval).Msg("SESSION_SCAN_INTERVAL too short, using default 30s")
		c.SessionScanInterval = 30 * time.Second
	}

	if c.ShutdownGrace < time.Second || c.ShutdownGrace > 5*time.Minute {
		log.Warn().Dur("grace", c.ShutdownGrace).Msg("SHUTDOWN_GRACE out of bounds, using default 30s")
		c.ShutdownGrace = 30 * time.Second
	}

	if c.PerWorkerCooldown < 10*time.Minute {
		log.Warn().Dur("cooldown", c.PerWorkerCooldown).Msg("PER_WORKER_COOLDOWN suspiciously short for the target site's 30 min window, using default 31m")
		c.PerWorkerCooldown = 31 * time.Minute
	}

	if c.ProxyUsername != "" && c.ProxyPassword == "" {
		log.Warn().Msg("BRIGHT_DATA_USERNAME set but BRIGHT_DATA_PASSWORD is empty - authentication may fail")
	}
	if (c.ProxyUsername != "" || c.ProxyPassword != "") && c.ProxyHost == "" {
		log.Warn().Msg("Proxy credentials set but BRIGHT_DATA_HOST is empty - credentials will not be used")
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60 RPM")
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Int("max", maxRateLimitRPM).Msg("Rate limit too high, capping to maximum")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}

	if c.PProfEnabled && c.PProfBindAddr != "127.0.0.1" && c.PProfBindAddr != "localhost" {
		log.Warn().Str("addr", c.PProfBindAddr).Msg("WARNING: pprof exposed on non-localhost address - this is a security risk")
	}

	if len(c.CORSAllowedOrigins) == 0 {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS not set - all cross-origin requests will be rejected")
	}

	if c.APIKeyEnabled {
		switch {
		case c.APIKey == "":
			log.Error().Msg("API_KEY_ENABLED is true but API_KEY is empty - requests without an X-API-Key header will be accepted")
		case len(c.APIKey) < minAPIKeyLength:
			log.Error().Int("length", len(c.APIKey)).Int("min_required", minAPIKeyLength).Msg("API_KEY is too short for secure authentication")
		}
	}
}

// Helper functions for environment variable parsing.

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Int("default", defaultValue).Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Bool("default", defaultValue).Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil {
			if duration > 0 {
				return duration
			}
			log.Warn().Str("key", key).Str("value", value).Dur("default", defaultValue).Msg("Duration must be positive, using default")
			return defaultValue
		}
		log.Warn().Str("key", key).Str("value", value).Err(err).Dur("default", defaultValue).Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
