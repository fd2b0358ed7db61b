package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overdrive-yt/sportsdevil/internal/backoff"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, backoff.Linear{Base: time.Second, Cap: 10 * time.Second, MaxAttempts: 3}, cfg.Reconciler)
	assert.Equal(t, 2*time.Second, cfg.Poller.Initial)
	assert.Equal(t, 1.5, cfg.Poller.Factor)
	assert.Equal(t, 30*time.Second, cfg.Poller.Cap)
	assert.Equal(t, 10, cfg.Poller.MaxAttempts)
	assert.Equal(t, 160*time.Second, cfg.Poller.MaxElapsed)
	assert.LessOrEqual(t, backoff.Total(cfg.Poller.Exponential), cfg.Poller.MaxElapsed,
		"the time budget must not cut the default schedule short")
	assert.Equal(t, 30*time.Minute, cfg.Checkout.IdleTTL)
	assert.Equal(t, 30*time.Second, cfg.Gateway.ConfirmTimeout)
	assert.Equal(t, 3, cfg.Gateway.Confirm.MaxAttempts)
	assert.Equal(t, "memory", cfg.Cart.Store)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
backend:
  base_url: https://shop.example.com/api
reconciler:
  base: 2s
  max_attempts: 5
poller:
  factor: 2
  max_elapsed: 3m
kafka:
  brokers: [k1:9092, k2:9092]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://shop.example.com/api", cfg.Backend.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Reconciler.Base)
	assert.Equal(t, 10*time.Second, cfg.Reconciler.Cap, "unset keys keep defaults")
	assert.Equal(t, 5, cfg.Reconciler.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Poller.Factor)
	assert.Equal(t, 2*time.Second, cfg.Poller.Initial)
	assert.Equal(t, 3*time.Minute, cfg.Poller.MaxElapsed)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkout.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  addr: \":9000\"\n"), 0o600))
	t.Setenv("CHECKOUT_HTTP_ADDR", ":9100")
	t.Setenv("CHECKOUT_GATEWAY_STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("CHECKOUT_POLLER_MAX_ATTEMPTS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, "sk_test_123", cfg.Gateway.StripeSecretKey)
	assert.Equal(t, 4, cfg.Poller.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero reconciler attempts", func(c *Config) { c.Reconciler.MaxAttempts = 0 }},
		{"poller factor below one", func(c *Config) { c.Poller.Factor = 0.5 }},
		{"negative confirm delay", func(c *Config) { c.Gateway.Confirm.Base = -time.Second }},
		{"zero max elapsed", func(c *Config) { c.Poller.MaxElapsed = 0 }},
		{"empty backend url", func(c *Config) { c.Backend.BaseURL = "" }},
		{"zero lock ttl", func(c *Config) { c.Cart.LockTTL = 0 }},
		{"zero idle ttl", func(c *Config) { c.Checkout.IdleTTL = 0 }},
		{"unknown cart store", func(c *Config) { c.Cart.Store = "sqlite" }},
		{"kafka without postgres", func(c *Config) { c.Kafka.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
