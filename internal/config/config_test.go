package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	envVars := []string{
		"HOST", "PORT", "HEADLESS", "BROWSER_PATH",
		"MAX_CONCURRENT_INITS", "BROWSER_INIT_TIMEOUT", "BROWSER_LAUNCH_DELAY",
		"SESSION_SCAN_INTERVAL", "PAGE_READ_DEADLINE", "RETRY_DELAY_TECHNICAL",
		"PER_WORKER_COOLDOWN", "SHUTDOWN_GRACE",
		"BRIGHT_DATA_HOST", "BRIGHT_DATA_USERNAME", "BRIGHT_DATA_PASSWORD",
		"STORAGE_ROOT", "VOTE_LOG_PATH", "USER_CONFIG_PATH", "PATTERNS_PATH",
		"VOTING_URL", "VOTE_BUTTON_SELECTOR", "VOTE_COUNT_SELECTOR", "LOGIN_BUTTON_SELECTOR", "LOGIN_PHRASE", "LOG_LEVEL",
		"PPROF_ENABLED", "PPROF_PORT", "PPROF_BIND_ADDR",
		"RATE_LIMIT_ENABLED", "RATE_LIMIT_RPM", "TRUST_PROXY", "CORS_ALLOWED_ORIGINS",
		"API_KEY_ENABLED", "API_KEY",
	}
	for _, env := range envVars {
		os.Unsetenv(env)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Expected default host '127.0.0.1', got %q", cfg.Host)
	}
	if cfg.Port != 8787 {
		t.Errorf("Expected default port 8787, got %d", cfg.Port)
	}
	if !cfg.Headless {
		t.Error("Expected Headless to be true by default")
	}
	if cfg.MaxConcurrentInits != 1 {
		t.Errorf("Expected default MaxConcurrentInits 1, got %d", cfg.MaxConcurrentInits)
	}
	if cfg.BrowserInitTimeout != 30*time.Second {
		t.Errorf("Expected default BrowserInitTimeout 30s, got %v", cfg.BrowserInitTimeout)
	}
	if cfg.BrowserLaunchDelay != 5*time.Second {
		t.Errorf("Expected default BrowserLaunchDelay 5s, got %v", cfg.BrowserLaunchDelay)
	}
	if cfg.SessionScanInterval != 30*time.Second {
		t.Errorf("Expected default SessionScanInterval 30s, got %v", cfg.SessionScanInterval)
	}
	if cfg.PageReadDeadline != 10*time.Second {
		t.Errorf("Expected default PageReadDeadline 10s, got %v", cfg.PageReadDeadline)
	}
	if cfg.RetryDelayTechnical != 5*time.Minute {
		t.Errorf("Expected default RetryDelayTechnical 5m, got %v", cfg.RetryDelayTechnical)
	}
	if cfg.PerWorkerCooldown != 31*time.Minute {
		t.Errorf("Expected default PerWorkerCooldown 31m, got %v", cfg.PerWorkerCooldown)
	}
	if cfg.ShutdownGrace != 30*time.Second {
		t.Errorf("Expected default ShutdownGrace 30s, got %v", cfg.ShutdownGrace)
	}
	if cfg.HasProxy() {
		t.Error("Expected HasProxy false with no BRIGHT_DATA_HOST set")
	}
	if cfg.RateLimitRPM != 60 {
		t.Errorf("Expected default RateLimitRPM 60, got %d", cfg.RateLimitRPM)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.LogLevel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "9000")
	os.Setenv("MAX_CONCURRENT_INITS", "3")
	os.Setenv("BRIGHT_DATA_HOST", "brd.superproxy.io:22225")
	os.Setenv("BRIGHT_DATA_USERNAME", "brd-customer-acct")
	defer clearEnv(t)

	cfg := Load()

	if cfg.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Port)
	}
	if cfg.MaxConcurrentInits != 3 {
		t.Errorf("Expected MaxConcurrentInits 3, got %d", cfg.MaxConcurrentInits)
	}
	if !cfg.HasProxy() {
		t.Error("Expected HasProxy true once BRIGHT_DATA_HOST is set")
	}
}

func TestValidateClampsOutOfRangeValues(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	cfg.Port = 70000
	cfg.MaxConcurrentInits = 0
	cfg.BrowserInitTimeout = time.Millisecond
	cfg.PerWorkerCooldown = time.Minute
	cfg.LogLevel = "not-a-level"

	cfg.Validate()

	if cfg.Port != 8787 {
		t.Errorf("Expected invalid port to reset to 8787, got %d", cfg.Port)
	}
	if cfg.MaxConcurrentInits != 1 {
		t.Errorf("Expected MaxConcurrentInits to reset to 1, got %d", cfg.MaxConcurrentInits)
	}
	if cfg.BrowserInitTimeout != 30*time.Second {
		t.Errorf("Expected BrowserInitTimeout to reset to 30s, got %v", cfg.BrowserInitTimeout)
	}
	if cfg.PerWorkerCooldown != 31*time.Minute {
		t.Errorf("Expected PerWorkerCooldown to reset to 31m, got %v", cfg.PerWorkerCooldown)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected invalid log level to reset to 'info', got %q", cfg.LogLevel)
	}
}

func TestValidateCapsMaxConcurrentInits(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	cfg.MaxConcurrentInits = 999
	cfg.Validate()

	if cfg.MaxConcurrentInits != maxMaxConcurrentInits {
		t.Errorf("Expected MaxConcurrentInits capped at %d, got %d", maxMaxConcurrentInits, cfg.MaxConcurrentInits)
	}
}

func TestBrowserPathTraversalRejected(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	cfg.BrowserPath = "/usr/bin/../../../etc/passwd"
	cfg.Validate()

	if cfg.BrowserPath != "" {
		t.Errorf("Expected path-traversal BrowserPath to be cleared, got %q", cfg.BrowserPath)
	}
}
