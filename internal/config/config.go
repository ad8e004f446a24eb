package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Gateway modes.
const (
	GatewayModeHTTP    = "http"
	GatewayModeSandbox = "sandbox"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	RunMigrations      bool

	Gateway GatewayConfig
	Session SessionConfig
	Promo   PromoConfig
	Obs     ObsConfig

	IdempotencyTTL time.Duration
	LockTTL        time.Duration
}

// GatewayConfig configures the payment gateway client.
type GatewayConfig struct {
	Mode                string
	BaseURL             string
	APIKey              string
	Timeout             time.Duration
	RetryAttempts       int
	RetryBase           time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	SandboxCheckoutURL  string
	SandboxSettleAfter  int
}

// SessionConfig configures checkout sessions and their status polling.
type SessionConfig struct {
	PollInterval     time.Duration
	PollCheckTimeout time.Duration
	AdvisoryAfter    int
	ReturnPattern    *regexp.Regexp
	IdleTTL          time.Duration
	CancelTimeout    time.Duration
}

// PromoConfig configures promo code verification.
type PromoConfig struct {
	LookupTimeout   time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// ObsConfig configures logging, metrics and tracing.
type ObsConfig struct {
	ServiceName      string
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	TracingExporter  string
	TracingEndpoint  string
	TracingSampling  float64
	EnablePprof      bool
	PprofUser        string
	PprofPass        string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	pattern, err := regexp.Compile(valueOrDefault(k.String("CHECKOUT_RETURN_PATTERN"), `^enrollpay://payment/(return|callback)`))
	if err != nil {
		return nil, fmt.Errorf("CHECKOUT_RETURN_PATTERN: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		RunMigrations:      parseBool(k.String("RUN_MIGRATIONS")),
		Gateway: GatewayConfig{
			Mode:                strings.ToLower(valueOrDefault(k.String("GATEWAY_MODE"), GatewayModeSandbox)),
			BaseURL:             strings.TrimRight(strings.TrimSpace(k.String("GATEWAY_BASE_URL")), "/"),
			APIKey:              strings.TrimSpace(k.String("GATEWAY_API_KEY")),
			Timeout:             parseDuration(k.String("GATEWAY_TIMEOUT"), "10s"),
			RetryAttempts:       parseInt(k.String("GATEWAY_RETRY_ATTEMPTS"), 2),
			RetryBase:           parseDuration(k.String("GATEWAY_RETRY_BASE"), "200ms"),
			BreakerMinRequests:  parseInt(k.String("GATEWAY_BREAKER_MIN_REQUESTS"), 5),
			BreakerFailureRatio: parseFloat(k.String("GATEWAY_BREAKER_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:      parseDuration(k.String("GATEWAY_BREAKER_OPEN_FOR"), "30s"),
			SandboxCheckoutURL:  k.String("GATEWAY_SANDBOX_CHECKOUT_URL"),
			SandboxSettleAfter:  parseInt(k.String("GATEWAY_SANDBOX_SETTLE_AFTER"), 2),
		},
		Session: SessionConfig{
			PollInterval:     parseDuration(k.String("POLL_INTERVAL"), "15s"),
			PollCheckTimeout: parseDuration(k.String("POLL_CHECK_TIMEOUT"), "10s"),
			AdvisoryAfter:    parseInt(k.String("POLL_ADVISORY_AFTER"), 4),
			ReturnPattern:    pattern,
			IdleTTL:          parseDuration(k.String("SESSION_IDLE_TTL"), "30m"),
			CancelTimeout:    parseDuration(k.String("SESSION_CANCEL_TIMEOUT"), "10s"),
		},
		Promo: PromoConfig{
			LookupTimeout:   parseDuration(k.String("PROMO_LOOKUP_TIMEOUT"), "3s"),
			RateLimitMax:    parseInt(k.String("PROMO_RATE_LIMIT_MAX"), 10),
			RateLimitWindow: parseDuration(k.String("PROMO_RATE_LIMIT_WINDOW"), "1m"),
		},
		Obs: ObsConfig{
			ServiceName:      valueOrDefault(k.String("OBS_SERVICE_NAME"), "enrollpay-api"),
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "enrollpay"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS"),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "none"),
			TracingEndpoint:  k.String("OBS_TRACING_ENDPOINT"),
			TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING"), 1),
			EnablePprof:      parseBool(k.String("OBS_ENABLE_PPROF")),
			PprofUser:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_USER")),
			PprofPass:        strings.TrimSpace(k.String("SECURE_PPROF_BASIC_AUTH_PASS")),
		},
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "10m"),
		LockTTL:        parseDuration(k.String("LOCK_TTL"), "30s"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	switch cfg.Gateway.Mode {
	case GatewayModeSandbox:
	case GatewayModeHTTP:
		if cfg.Gateway.BaseURL == "" {
			return nil, errors.New("GATEWAY_BASE_URL is required when GATEWAY_MODE=http")
		}
		if cfg.Gateway.APIKey == "" {
			return nil, errors.New("GATEWAY_API_KEY is required when GATEWAY_MODE=http")
		}
	default:
		return nil, fmt.Errorf("unsupported GATEWAY_MODE: %s", cfg.Gateway.Mode)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.AppEnv))
	return env == "production" || env == "prod"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
