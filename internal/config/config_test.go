package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHash = "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("FIREBASE_PROJECT_ID", "vink-test")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("EPAY_CLIENT_ID", "client")
	t.Setenv("EPAY_CLIENT_SECRET", "client-secret")
	t.Setenv("EPAY_TERMINAL_ID", "67e34d63-102f-4bd1-898e-370781d0074d")
	t.Setenv("IMSI_API_URL", "https://imsi.example.com")
	t.Setenv("ADMIN_API_KEY_HASH", strings.ToUpper(testKeyHash))
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Epay.Timeout)
	assert.Equal(t, 10*time.Second, cfg.IMSI.Timeout)
	assert.False(t, cfg.Autopay.Enabled)
	assert.Equal(t, 3000.0, cfg.Autopay.PackageMB)
	assert.Equal(t, 30*time.Minute, cfg.Autopay.Cooldown)
	assert.Equal(t, time.Hour, cfg.Tariff.CacheTTL)
	assert.Equal(t, testKeyHash, cfg.Admin.APIKeyHash, "hash is normalised to lower case")
}

func TestLoad_AutopayOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("EPAY_ESIM_AUTOPAY_ENABLED", "true")
	t.Setenv("EPAY_ESIM_AUTOPAY_THRESHOLD_MB", "150.5")
	t.Setenv("EPAY_ESIM_AUTOPAY_PACKAGE_MB", "1000")
	t.Setenv("EPAY_ESIM_AUTOPAY_COOLDOWN_MINUTES", "0")
	t.Setenv("EPAY_USD_TO_KZT_RATE", "470")
	t.Setenv("EPAY_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Autopay.Enabled)
	assert.Equal(t, 150.5, cfg.Autopay.ThresholdMB)
	assert.Equal(t, 1000.0, cfg.Autopay.PackageMB)
	assert.Equal(t, time.Minute, cfg.Autopay.Cooldown, "cooldown is at least one minute")
	assert.Equal(t, 470.0, cfg.Autopay.USDToKZT)
	assert.Equal(t, 15*time.Second, cfg.Epay.Timeout, "bad durations fall back to the default")
}

func TestLoad_MissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		want  string
	}{
		{"jwt secret", "JWT_SECRET", "JWT_SECRET"},
		{"terminal", "EPAY_TERMINAL_ID", "EPAY_TERMINAL_ID"},
		{"imsi url", "IMSI_API_URL", "IMSI_API_URL"},
		{"admin hash", "ADMIN_API_KEY_HASH", "ADMIN_API_KEY_HASH"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
