/*
Package config loads server configuration from an optional YAML file with
environment-variable fallbacks for secrets.

Prices are written in major units as decimal strings ("42.00") and converted
to integer minor units at load time. Fractional minor units are rejected, so
a typo like "42.005" fails fast instead of silently truncating.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cbon/redemption-engine/engine"
)

// Environment variables consulted when the corresponding YAML field is empty.
const (
	EnvLiveSecretKey = "STRIPE_LIVE_SECRET_KEY"
	EnvTestSecretKey = "STRIPE_TEST_SECRET_KEY"
	EnvSecretKey     = "STRIPE_SECRET_KEY"
	EnvWebhookSecret = "STRIPE_WEBHOOK_SECRET"
)

// StripeConfig selects credentials for payment verification. Sessions with a
// live prefix verify with the live key; everything else uses the test key.
// FallbackKey serves deployments that only provision a single key.
type StripeConfig struct {
	BaseURL       string `yaml:"base_url"`
	LiveKey       string `yaml:"live_key"`
	TestKey       string `yaml:"test_key"`
	FallbackKey   string `yaml:"fallback_key"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Config is the full server configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"` // empty means in-memory stores

	// AllowedOrigins is the CORS allow-list for browser clients.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Products is the sku allow-list; Prices maps sku to a major-unit
	// decimal string in Currency.
	Products []string          `yaml:"products"`
	Prices   map[string]string `yaml:"prices"`
	Currency string            `yaml:"currency"`

	// TestSessionPrefix marks synthetic sessions; LiveSessionPrefix selects
	// the live credential.
	TestSessionPrefix      string `yaml:"test_session_prefix"`
	LiveSessionPrefix      string `yaml:"live_session_prefix"`
	DefaultSyntheticAmount int64  `yaml:"default_synthetic_amount"`
	SyntheticEmail         string `yaml:"synthetic_email"`

	// LockWaitSeconds bounds the wait for the engine lock.
	LockWaitSeconds int `yaml:"lock_wait_seconds"`

	Stripe StripeConfig `yaml:"stripe"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:     ":8080",
		AllowedOrigins: []string{"*"},
		Products:       []string{"55", "110", "abc"},
		Prices: map[string]string{
			"55":  "42.00",
			"110": "82.00",
			"abc": "9.00",
		},
		Currency:               "usd",
		TestSessionPrefix:      "cs_test_",
		LiveSessionPrefix:      "cs_live_",
		DefaultSyntheticAmount: 900,
		SyntheticEmail:         "test@example.com",
		LockWaitSeconds:        10,
		Stripe: StripeConfig{
			BaseURL: "https://api.stripe.com",
		},
	}
}

// Load reads the config at path, merged over Default. An empty path returns
// Default unchanged. Secrets left empty in the file fall back to environment
// variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if cfg.Stripe.LiveKey == "" {
		cfg.Stripe.LiveKey = os.Getenv(EnvLiveSecretKey)
	}
	if cfg.Stripe.TestKey == "" {
		cfg.Stripe.TestKey = os.Getenv(EnvTestSecretKey)
	}
	if cfg.Stripe.FallbackKey == "" {
		cfg.Stripe.FallbackKey = os.Getenv(EnvSecretKey)
	}
	if cfg.Stripe.WebhookSecret == "" {
		cfg.Stripe.WebhookSecret = os.Getenv(EnvWebhookSecret)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("products must not be empty")
	}
	for sku := range c.Prices {
		found := false
		for _, p := range c.Products {
			if p == sku {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("price configured for unknown product %q", sku)
		}
	}
	return nil
}

// LockWait returns the configured bounded lock wait as a duration.
func (c *Config) LockWait() time.Duration {
	if c.LockWaitSeconds <= 0 {
		return engine.DefaultLockWait
	}
	return time.Duration(c.LockWaitSeconds) * time.Second
}

// Catalog converts the product configuration into the engine's immutable
// catalog, parsing major-unit price strings into minor units.
func (c *Config) Catalog() (engine.Catalog, error) {
	prices := make(map[string]int64, len(c.Prices))
	for sku, raw := range c.Prices {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return engine.Catalog{}, fmt.Errorf("invalid price %q for product %s: %w", raw, sku, err)
		}
		minor := d.Mul(decimal.NewFromInt(100))
		if !minor.IsInteger() {
			return engine.Catalog{}, fmt.Errorf("price %q for product %s has fractional minor units", raw, sku)
		}
		if minor.IsNegative() {
			return engine.Catalog{}, fmt.Errorf("price %q for product %s is negative", raw, sku)
		}
		prices[sku] = minor.IntPart()
	}
	return engine.Catalog{
		AllowedSKUs:            append([]string(nil), c.Products...),
		Prices:                 prices,
		Currency:               c.Currency,
		TestSessionPrefix:      c.TestSessionPrefix,
		DefaultSyntheticAmount: c.DefaultSyntheticAmount,
		SyntheticEmail:         c.SyntheticEmail,
	}, nil
}
