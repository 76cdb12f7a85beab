package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 365, cfg.Retention.HorizonDays)
	assert.Equal(t, 365*24*time.Hour, cfg.RetentionHorizon())
	assert.Equal(t, 30*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "2.9", cfg.Fees.PercentageRate)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
mysql:
  host: db.internal
  port: 3307
gateways:
  stripe:
    secret_key: sk_test_abc
  shouqianba:
    terminal_sn: "100000001"
fees:
  percentage_rate: "3.4"
  fixed:
    GBP: "0.20"
routing:
  stripe:
    active: true
    priority: 10
    currencies: USD,EUR
gateway_timeout: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.MySQL.Host)
	assert.Equal(t, 3307, cfg.MySQL.Port)
	assert.Equal(t, "sk_test_abc", cfg.Gateways.Stripe.SecretKey)
	assert.Equal(t, "100000001", cfg.Gateways.Shouqianba.TerminalSN)
	assert.Equal(t, "3.4", cfg.Fees.PercentageRate)
	assert.Equal(t, "0.20", cfg.Fees.Fixed["gbp"])
	assert.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	require.Contains(t, cfg.Routing, "stripe")
	assert.Equal(t, 10, cfg.Routing["stripe"].Priority)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DONATION_PAY_SERVER_PORT", "7000")
	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, "fees:\n  percentage_rate: abc\nretry:\n  max_attempts: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fees.percentage_rate")
	assert.Contains(t, err.Error(), "retry.max_attempts")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
