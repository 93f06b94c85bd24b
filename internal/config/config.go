// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/paybalance/internal/tracing"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL    string `koanf:"database_url"`
	DBMaxOpenConns int    `koanf:"db_max_open_conns"`
	RedisURL       string `koanf:"redis_url"` // Optional; enables Redis idempotency and rate limit stores

	// Stripe
	StripeAPIKey        string        `koanf:"stripe_api_key"`
	StripeWebhookSecret string        `koanf:"stripe_webhook_secret"`
	StripeSuccessURL    string        `koanf:"stripe_success_url"`
	StripeCancelURL     string        `koanf:"stripe_cancel_url"`
	PaymentCurrency     string        `koanf:"payment_currency"`
	GatewayTimeout      time.Duration `koanf:"gateway_timeout"`
	WebhookTolerance    time.Duration `koanf:"webhook_tolerance"`

	// HTTP surface
	InitiateRateLimit  int      `koanf:"initiate_rate_limit"` // Requests per minute per client IP
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	OTelExporterType  string  `koanf:"otel_exporter_type"`
	OTLPEndpoint      string  `koanf:"otel_exporter_otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required")
	ErrMissingStripeAPIKey        = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingStripeSuccessURL    = errors.New("STRIPE_SUCCESS_URL is required")
	ErrMissingStripeCancelURL     = errors.New("STRIPE_CANCEL_URL is required")
	ErrInvalidRedirectURL         = errors.New("Stripe redirect URLs must be absolute http(s) URLs")
	ErrInvalidCurrency            = errors.New("PAYMENT_CURRENCY must be a three-letter ISO 4217 code")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrPortOutOfRange             = errors.New("PORT must be between 1 and 65535")
	ErrInvalidInteger             = errors.New("value must be a valid integer")
	ErrInvalidDuration            = errors.New("value must be a valid duration")
	ErrInvalidGatewayTimeout      = errors.New("GATEWAY_TIMEOUT must be positive")
	ErrInvalidWebhookTolerance    = errors.New("WEBHOOK_TOLERANCE must be positive")
	ErrInvalidRateLimit           = errors.New("INITIATE_RATE_LIMIT must be positive")
	ErrInvalidSampleRate          = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidExporterType        = errors.New("OTEL_EXPORTER_TYPE must be otlp-http or otlp-grpc")
)

// Default values for non-secret configuration.
const (
	DefaultPort              = 8080
	DefaultEnv               = "development"
	DefaultDBMaxOpenConns    = 25
	DefaultPaymentCurrency   = "usd"
	DefaultGatewayTimeout    = 10 * time.Second
	DefaultWebhookTolerance  = 300 * time.Second
	DefaultInitiateRateLimit = 30
	DefaultOTelExporterType  = tracing.ExporterOTLPHTTP
	DefaultTracingSampleRate = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// PAYBALANCE_PORT first, then PORT as set by most platforms
	port, err := getEnvIntOrDefaultMulti([]string{"PAYBALANCE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)

	maxOpen, err := getEnvIntOrDefault("DB_MAX_OPEN_CONNS", k.Int("db_max_open_conns"), DefaultDBMaxOpenConns)
	collect(err)

	rateLimit, err := getEnvIntOrDefault("INITIATE_RATE_LIMIT", k.Int("initiate_rate_limit"), DefaultInitiateRateLimit)
	collect(err)

	gatewayTimeout, err := getEnvDurationOrDefault("GATEWAY_TIMEOUT", k, "gateway_timeout", DefaultGatewayTimeout)
	collect(err)

	webhookTolerance, err := getEnvDurationOrDefault("WEBHOOK_TOLERANCE", k, "webhook_tolerance", DefaultWebhookTolerance)
	collect(err)

	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k, "tracing_sample_rate", DefaultTracingSampleRate)
	collect(err)

	origins := k.Strings("cors_allowed_origins")
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		origins = splitList(val)
	}

	cfg := &Config{
		Port:                port,
		Env:                 getEnvOrDefaultMulti([]string{"PAYBALANCE_ENV", "ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:         getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		DBMaxOpenConns:      maxOpen,
		RedisURL:            getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		StripeAPIKey:        getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret: getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		StripeSuccessURL:    getEnvOrKoanf("STRIPE_SUCCESS_URL", k, "stripe_success_url"),
		StripeCancelURL:     getEnvOrKoanf("STRIPE_CANCEL_URL", k, "stripe_cancel_url"),
		PaymentCurrency:     strings.ToLower(getEnvOrDefault("PAYMENT_CURRENCY", k.String("payment_currency"), DefaultPaymentCurrency)),
		GatewayTimeout:      gatewayTimeout,
		WebhookTolerance:    webhookTolerance,
		InitiateRateLimit:   rateLimit,
		CORSAllowedOrigins:  origins,
		TracingEnabled:      getEnvBool("TRACING_ENABLED", k, "tracing_enabled"),
		OTelExporterType:    getEnvOrDefault("OTEL_EXPORTER_TYPE", k.String("otel_exporter_type"), DefaultOTelExporterType),
		OTLPEndpoint:        getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_exporter_otlp_endpoint"),
		TracingSampleRate:   sampleRate,
		TracingInsecure:     getEnvBool("TRACING_INSECURE", k, "tracing_insecure"),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidInteger)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Note: A port value of 0 from a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvDurationOrDefault parses a Go duration string ("10s", "5m") from the
// environment, falling back to the file value and then the default.
func getEnvDurationOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(envKey); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidDuration)
		}
		return d, nil
	}
	if k.Exists(koanfKey) {
		d, err := time.ParseDuration(k.String(koanfKey))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", koanfKey, ErrInvalidDuration)
		}
		return d, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the file value if present, or default.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBool reads a boolean flag; the environment variable wins over the file.
// Unrecognized values leave the file value in place.
func getEnvBool(envKey string, k *koanf.Koanf, koanfKey string) bool {
	result := k.Bool(koanfKey)
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		result = true
	case "false", "0", "no", "off":
		result = false
	}
	return result
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that all required configuration values are present and
// that tunables are in range. Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrPortOutOfRange)
	}
	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	if c.StripeSuccessURL == "" {
		errs = append(errs, ErrMissingStripeSuccessURL)
	} else if !isAbsoluteHTTPURL(c.StripeSuccessURL) {
		errs = append(errs, fmt.Errorf("STRIPE_SUCCESS_URL: %w", ErrInvalidRedirectURL))
	}
	if c.StripeCancelURL == "" {
		errs = append(errs, ErrMissingStripeCancelURL)
	} else if !isAbsoluteHTTPURL(c.StripeCancelURL) {
		errs = append(errs, fmt.Errorf("STRIPE_CANCEL_URL: %w", ErrInvalidRedirectURL))
	}
	if !isCurrencyCode(c.PaymentCurrency) {
		errs = append(errs, ErrInvalidCurrency)
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, ErrInvalidGatewayTimeout)
	}
	if c.WebhookTolerance <= 0 {
		errs = append(errs, ErrInvalidWebhookTolerance)
	}
	if c.InitiateRateLimit <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}

	// Tracing settings only matter when tracing is on.
	if c.TracingEnabled {
		if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
			errs = append(errs, ErrInvalidSampleRate)
		}
		if c.OTelExporterType != tracing.ExporterOTLPHTTP && c.OTelExporterType != tracing.ExporterOTLPGRPC {
			errs = append(errs, ErrInvalidExporterType)
		}
	}

	return errs
}

// isAbsoluteHTTPURL reports whether s parses as an absolute http or https URL.
// Stripe's {CHECKOUT_SESSION_ID} template is allowed in the query.
func isAbsoluteHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isCurrencyCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                        strconv.Itoa(c.Port),
		"env":                         c.Env,
		"database_url":                maskDatabaseURL(c.DatabaseURL),
		"db_max_open_conns":           strconv.Itoa(c.DBMaxOpenConns),
		"redis_url":                   maskDatabaseURL(c.RedisURL),
		"stripe_api_key":              maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":       maskSecret(c.StripeWebhookSecret),
		"stripe_success_url":          c.StripeSuccessURL,
		"stripe_cancel_url":           c.StripeCancelURL,
		"payment_currency":            c.PaymentCurrency,
		"gateway_timeout":             c.GatewayTimeout.String(),
		"webhook_tolerance":           c.WebhookTolerance.String(),
		"initiate_rate_limit":         strconv.Itoa(c.InitiateRateLimit),
		"cors_allowed_origins":        strings.Join(c.CORSAllowedOrigins, ","),
		"tracing_enabled":             strconv.FormatBool(c.TracingEnabled),
		"otel_exporter_type":          c.OTelExporterType,
		"otel_exporter_otlp_endpoint": c.OTLPEndpoint,
		"tracing_sample_rate":         strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Stripe keys have format like sk_live_..., sk_test_..., rk_live_..., etc.
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres://, postgresql://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
