package panel

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the panel server.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	APIToken            string // shared token for the bot polling API
	AdminKey            string
	BaseURL             string
	TrialDays           int
	StripeAPIKey        string
	StripeWebhookSecret string
	StripePriceIDs      map[string]string // bot key -> price id
	ReconcileInterval   time.Duration
	PublicMetrics       bool
}

// StoreDir returns the directory holding the panel's SQLite database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "panel")
}

// LoadConfig loads panel configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PANEL_PORT", 8080)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("PANEL_TRIAL_DAYS", 5)
	if err != nil {
		return nil, err
	}
	reconcileInterval, err := envOrDefaultDuration("PANEL_RECONCILE_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("PANEL_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("PANEL_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		APIToken:            strings.TrimSpace(os.Getenv("PANEL_API_TOKEN")),
		AdminKey:            strings.TrimSpace(os.Getenv("PANEL_ADMIN_KEY")),
		BaseURL:             strings.TrimSpace(os.Getenv("PANEL_BASE_URL")),
		TrialDays:           trialDays,
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripePriceIDs:      parsePriceMap(os.Getenv("STRIPE_PRICE_MAP")),
		ReconcileInterval:   reconcileInterval,
		PublicMetrics:       strings.EqualFold(envOrDefault("PANEL_PUBLIC_METRICS", "false"), "true"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate panel config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.APIToken == "" {
		missing = append(missing, "PANEL_API_TOKEN")
	}
	if c.AdminKey == "" {
		missing = append(missing, "PANEL_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PANEL_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays < 1 {
		return fmt.Errorf("PANEL_TRIAL_DAYS must be at least 1, got %d", c.TrialDays)
	}
	if c.ReconcileInterval < time.Minute {
		return fmt.Errorf("PANEL_RECONCILE_INTERVAL must be at least 1m, got %s", c.ReconcileInterval)
	}

	if c.BaseURL != "" {
		parsed, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("PANEL_BASE_URL must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("PANEL_BASE_URL must use http or https scheme")
		}
		if parsed.Host == "" {
			return fmt.Errorf("PANEL_BASE_URL must include a host")
		}
	}
	return nil
}

// parsePriceMap parses "homer=price_abc,cartman=price_def" into a map.
// Malformed entries are skipped.
func parsePriceMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
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
