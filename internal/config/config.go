package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName  string
	AppEnv   string
	AppURL   string
	Port     string
	LogLevel string
	Version  string

	// Database (optional driver switch via ENV, default: sqlite)
	DBDriver     string
	DBConnection string

	// Auth codes
	AuthCodeExpiry    time.Duration
	ConfirmationPath  string
	ResetPath         string
	CleanupInterval   time.Duration // 0 disables the background sweep
	UsedCodeRetention time.Duration

	// Email
	EmailProvider      string // "resend", "azure" or "log"
	EmailFrom          string
	EmailFromName      string
	ResendAPIKey       string
	AzureEmailEndpoint string
	AzureEmailKey      string

	// Delivery
	DeliveryMaxAttempts   int
	DeliveryBaseDelay     time.Duration
	DeliveryRateLimitStep time.Duration
	DeliveryTimeout       time.Duration

	// Issuance limits (Redis when REDIS_URL is set, in-memory otherwise)
	RedisURL      string
	IssueWindow   time.Duration
	IssueMax      int
	IssueCooldown time.Duration

	// Security
	AdminJWTSecret string

	// Observability (optional)
	SentryDSN string
}

func Load() *Config {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := &Config{
		// Application
		AppName:  envString("APP_NAME", "Acme"),
		AppEnv:   envRequired("APP_ENV"), // Required: 'development' or 'production'
		AppURL:   envRequired("APP_URL"), // Required: base URL for confirmation and reset links
		Port:     envString("PORT", "8090"),
		LogLevel: envString("LOG_LEVEL", "info"),
		Version:  envString("APP_VERSION", "dev"),

		// Database
		DBDriver:     envString("DB_DRIVER", "sqlite"),
		DBConnection: envString("DB_CONNECTION", "./data/authmail.db?_pragma=journal_mode(WAL)&_time_format=sqlite"),

		// Auth codes
		AuthCodeExpiry:    envDuration("AUTH_CODE_EXPIRY", 5*time.Minute),
		ConfirmationPath:  envString("CONFIRMATION_PATH", "/auth/confirm"),
		ResetPath:         envString("RESET_PATH", "/auth/reset"),
		CleanupInterval:   envDuration("CLEANUP_INTERVAL", 0),
		UsedCodeRetention: envDuration("USED_CODE_RETENTION", 24*time.Hour),

		// Email (provider credentials optional in development, required in production)
		EmailProvider:      envString("EMAIL_PROVIDER", ""),
		EmailFrom:          envString("EMAIL_FROM", "noreply@example.com"),
		EmailFromName:      envString("EMAIL_FROM_NAME", ""),
		ResendAPIKey:       envString("RESEND_API_KEY", ""),
		AzureEmailEndpoint: envString("AZURE_EMAIL_ENDPOINT", ""),
		AzureEmailKey:      envString("AZURE_EMAIL_KEY", ""),

		// Delivery
		DeliveryMaxAttempts:   envInt("DELIVERY_MAX_ATTEMPTS", 3),
		DeliveryBaseDelay:     envDuration("DELIVERY_BASE_DELAY", time.Second),
		DeliveryRateLimitStep: envDuration("DELIVERY_RATE_LIMIT_STEP", 30*time.Second),
		DeliveryTimeout:       envDuration("DELIVERY_TIMEOUT", 30*time.Second),

		// Issuance limits
		RedisURL:      envString("REDIS_URL", ""),
		IssueWindow:   envDuration("ISSUE_WINDOW", 15*time.Minute),
		IssueMax:      envInt("ISSUE_MAX", 5),
		IssueCooldown: envDuration("ISSUE_COOLDOWN", 30*time.Second),

		// Security
		AdminJWTSecret: envString("ADMIN_JWT_SECRET", ""),

		// Observability
		SentryDSN: envString("SENTRY_DSN", ""),
	}

	if cfg.EmailProvider == "" {
		if cfg.IsDevelopment() {
			cfg.EmailProvider = "log"
		} else {
			cfg.EmailProvider = "resend"
		}
	}

	// Production: validate required services
	if cfg.IsProduction() {
		if err := cfg.ValidateProduction(); err != nil {
			slog.Error("invalid production configuration", "error", err,
				"hint", "set APP_ENV=development for local testing with email log mode")
			os.Exit(1)
		}
	}

	return cfg
}

// ValidateProduction ensures the email provider is fully configured.
// Development allows the log provider for easier local testing.
func (c *Config) ValidateProduction() error {
	var errs []error

	switch strings.ToLower(c.EmailProvider) {
	case "resend":
		if c.ResendAPIKey == "" {
			errs = append(errs, errors.New("EMAIL_PROVIDER=resend requires RESEND_API_KEY"))
		}
	case "azure":
		if c.AzureEmailEndpoint == "" || c.AzureEmailKey == "" {
			errs = append(errs, errors.New("EMAIL_PROVIDER=azure requires AZURE_EMAIL_ENDPOINT and AZURE_EMAIL_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER=%q is not allowed in production", c.EmailProvider))
	}

	if c.EmailFrom == "" {
		errs = append(errs, errors.New("EMAIL_FROM is required"))
	}

	return errors.Join(errs...)
}

func envString(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		value = def
	}
	return value
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config invalid int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envRequired(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	slog.Error("config required env var missing", "key", key)
	os.Exit(1)
	return ""
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Sanitized returns a copy of the config with only public/safe fields.
// Credentials and connection strings are excluded.
func (c *Config) Sanitized() *Config {
	return &Config{
		AppName:  c.AppName,
		AppEnv:   c.AppEnv,
		AppURL:   c.AppURL,
		Port:     c.Port,
		LogLevel: c.LogLevel,
		Version:  c.Version,

		DBDriver: c.DBDriver,

		AuthCodeExpiry:    c.AuthCodeExpiry,
		ConfirmationPath:  c.ConfirmationPath,
		ResetPath:         c.ResetPath,
		CleanupInterval:   c.CleanupInterval,
		UsedCodeRetention: c.UsedCodeRetention,

		EmailProvider: c.EmailProvider,
		EmailFrom:     c.EmailFrom,
		EmailFromName: c.EmailFromName,

		DeliveryMaxAttempts:   c.DeliveryMaxAttempts,
		DeliveryBaseDelay:     c.DeliveryBaseDelay,
		DeliveryRateLimitStep: c.DeliveryRateLimitStep,
		DeliveryTimeout:       c.DeliveryTimeout,

		IssueWindow:   c.IssueWindow,
		IssueMax:      c.IssueMax,
		IssueCooldown: c.IssueCooldown,
	}
}
