package functions

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/weldqai/weldqai-functions/internal/functions/billing"
)

const (
	defaultCheckoutSuccessURL = "https://weldqai.com/payment-success?session_id={CHECKOUT_SESSION_ID}"
	defaultCheckoutCancelURL  = "https://weldqai.com/payment-cancel"
	defaultPortalReturnURL    = "https://weldqai.com/account"
)

// Config holds all configuration for the functions service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	AdminKey            string
	LogLevel            string
	LogFormat           string
	PublicMetrics       bool
	WebhookRateLimit    int // requests per minute per IP
	CallableRateLimit   int // requests per minute per IP
	TrustProxy          bool
	EventRetention      time.Duration
	StripeSecretKey     string
	StripeWebhookSecret string
	WebhookTolerance    time.Duration
	FirebaseProjectID   string
	FCMCredentialsFile  string // optional; push is log-only without it
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	PortalReturnURL     string
}

// StoreDir returns the directory holding the SQLite database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "functions")
}

// LoadConfig loads configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := configFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate functions config: %w", err)
	}
	return cfg, nil
}

// LoadStoreConfig loads only what is needed to open the store, for
// maintenance commands that run without provider credentials.
func LoadStoreConfig() (*Config, error) {
	_ = godotenv.Load()
	return configFromEnv()
}

func configFromEnv() (*Config, error) {
	port, err := envOrDefaultInt("WQ_PORT", 8080)
	if err != nil {
		return nil, err
	}
	webhookLimit, err := envOrDefaultInt("WQ_WEBHOOK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	callableLimit, err := envOrDefaultInt("WQ_CALLABLE_RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}
	retention, err := envOrDefaultDuration("WQ_EVENT_RETENTION", billing.DefaultEventRetention)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("STRIPE_WEBHOOK_TOLERANCE", billing.DefaultTolerance)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("WQ_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	trustProxy, err := envOrDefaultBool("WQ_TRUST_PROXY", false)
	if err != nil {
		return nil, err
	}

	return &Config{
		DataDir:             envOrDefault("WQ_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("WQ_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("WQ_ADMIN_KEY")),
		LogLevel:            envOrDefault("WQ_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("WQ_LOG_FORMAT", "auto"),
		PublicMetrics:       publicMetrics,
		WebhookRateLimit:    webhookLimit,
		CallableRateLimit:   callableLimit,
		TrustProxy:          trustProxy,
		EventRetention:      retention,
		StripeSecretKey:     strings.TrimSpace(os.Getenv("STRIPE_SECRET_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		WebhookTolerance:    tolerance,
		FirebaseProjectID:   strings.TrimSpace(os.Getenv("FIREBASE_PROJECT_ID")),
		FCMCredentialsFile:  strings.TrimSpace(os.Getenv("FCM_CREDENTIALS_FILE")),
		CheckoutSuccessURL:  envOrDefault("CHECKOUT_SUCCESS_URL", defaultCheckoutSuccessURL),
		CheckoutCancelURL:   envOrDefault("CHECKOUT_CANCEL_URL", defaultCheckoutCancelURL),
		PortalReturnURL:     envOrDefault("PORTAL_RETURN_URL", defaultPortalReturnURL),
	}, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "WQ_ADMIN_KEY")
	}
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.FirebaseProjectID == "" {
		missing = append(missing, "FIREBASE_PROJECT_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("WQ_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebhookRateLimit <= 0 {
		return fmt.Errorf("WQ_WEBHOOK_RATE_LIMIT must be greater than 0, got %d", c.WebhookRateLimit)
	}
	if c.CallableRateLimit <= 0 {
		return fmt.Errorf("WQ_CALLABLE_RATE_LIMIT must be greater than 0, got %d", c.CallableRateLimit)
	}
	if c.EventRetention < time.Hour {
		return fmt.Errorf("WQ_EVENT_RETENTION must be at least 1h, got %s", c.EventRetention)
	}

	for key, raw := range map[string]string{
		"CHECKOUT_SUCCESS_URL": c.CheckoutSuccessURL,
		"CHECKOUT_CANCEL_URL":  c.CheckoutCancelURL,
		"PORTAL_RETURN_URL":    c.PortalReturnURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s must be a valid URL: %w", key, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https scheme", key)
		}
		if u.Host == "" {
			return fmt.Errorf("%s must include a host", key)
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
