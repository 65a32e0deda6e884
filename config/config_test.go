package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_CatalogParsesMajorUnitPrices(t *testing.T) {
	cfg := Default()

	catalog, err := cfg.Catalog()
	require.NoError(t, err)

	assert.Equal(t, int64(4200), catalog.Prices["55"])
	assert.Equal(t, int64(8200), catalog.Prices["110"])
	assert.Equal(t, int64(900), catalog.Prices["abc"])
	assert.Equal(t, "cs_test_", catalog.TestSessionPrefix)
	assert.True(t, catalog.Allowed("55"))
	assert.False(t, catalog.Allowed("999"))
}

func TestCatalog_RejectsFractionalMinorUnits(t *testing.T) {
	cfg := Default()
	cfg.Prices["55"] = "42.005"

	_, err := cfg.Catalog()
	assert.ErrorContains(t, err, "fractional minor units")
}

func TestCatalog_RejectsUnparseablePrice(t *testing.T) {
	cfg := Default()
	cfg.Prices["55"] = "forty-two"

	_, err := cfg.Catalog()
	assert.Error(t, err)
}

func TestCatalog_RejectsNegativePrice(t *testing.T) {
	cfg := Default()
	cfg.Prices["55"] = "-1.00"

	_, err := cfg.Catalog()
	assert.ErrorContains(t, err, "negative")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9090"
db_path: "./data/test.db"
products: ["55"]
prices:
  "55": "10.50"
currency: "eur"
lock_wait_seconds: 3
allowed_origins:
  - "https://shop.example.com"
stripe:
  test_key: "sk_test_file"
  webhook_secret: "whsec_file"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "./data/test.db", cfg.DBPath)
	assert.Equal(t, []string{"55"}, cfg.Products)
	assert.Equal(t, "eur", cfg.Currency)
	assert.Equal(t, 3*time.Second, cfg.LockWait())
	assert.Equal(t, []string{"https://shop.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "sk_test_file", cfg.Stripe.TestKey)
	assert.Equal(t, "whsec_file", cfg.Stripe.WebhookSecret)

	catalog, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, int64(1050), catalog.Prices["55"])
}

func TestLoad_EnvFallbackForSecrets(t *testing.T) {
	t.Setenv(EnvTestSecretKey, "sk_test_env")
	t.Setenv(EnvSecretKey, "sk_env")
	t.Setenv(EnvWebhookSecret, "whsec_env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk_test_env", cfg.Stripe.TestKey)
	assert.Equal(t, "sk_env", cfg.Stripe.FallbackKey)
	assert.Equal(t, "whsec_env", cfg.Stripe.WebhookSecret)
}

func TestLoad_FileKeyWinsOverEnv(t *testing.T) {
	t.Setenv(EnvTestSecretKey, "sk_test_env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stripe:\n  test_key: sk_test_file\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk_test_file", cfg.Stripe.TestKey)
}

func TestLoad_RejectsPriceForUnknownProduct(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
products: ["55"]
prices:
  "55": "42.00"
  "999": "1.00"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown product")
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLockWait_DefaultWhenUnset(t *testing.T) {
	cfg := Default()
	cfg.LockWaitSeconds = 0
	assert.Equal(t, 10*time.Second, cfg.LockWait())
}
