package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearHottubEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"HOTTUB_STATE_DIR", "LOG_LEVEL", "CRONTAB_BINARY", "WEBHOOK_BASE_URL",
		"WEBHOOK_TIMEOUT", "SENSOR_BASE_URL", "REDIS_ADDR", "REDIS_PASSWORD",
		"HEALTHCHECK_BASE_URL", "HEALTHCHECK_API_KEY", "FCM_CREDENTIALS_PATH",
		"HISTORY_DB_PATH", "OWNER_DEVICE_TOKENS", "HTTP_ADDR", "METRICS_ADDR",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
	t.Cleanup(func() {
		for _, v := range vars {
			os.Unsetenv(v)
		}
	})
}

func TestLoad_DefaultsWhenOnlyRequiredFieldsSet(t *testing.T) {
	clearHottubEnv(t)
	os.Setenv("WEBHOOK_BASE_URL", "http://esp32.local")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.StateDir)
	assert.Equal(t, "crontab", cfg.CrontabBinary)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
	assert.Empty(t, cfg.OwnerDeviceTokens)
}

func TestLoad_CustomValuesOverrideDefaults(t *testing.T) {
	clearHottubEnv(t)
	os.Setenv("HOTTUB_STATE_DIR", "/var/lib/hottub")
	os.Setenv("WEBHOOK_BASE_URL", "http://esp32.local")
	os.Setenv("WEBHOOK_TIMEOUT", "10s")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("OWNER_DEVICE_TOKENS", "tok-a, tok-b ,,tok-c")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/hottub", cfg.StateDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-c"}, cfg.OwnerDeviceTokens)
}

func TestLoad_InvalidWebhookTimeoutFallsBackToDefault(t *testing.T) {
	clearHottubEnv(t)
	os.Setenv("WEBHOOK_BASE_URL", "http://esp32.local")
	os.Setenv("WEBHOOK_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.WebhookTimeout)
}

func TestLoad_MissingWebhookBaseURLFailsValidation(t *testing.T) {
	clearHottubEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_MissingStateDir(t *testing.T) {
	cfg := &Config{CrontabBinary: "crontab", WebhookBaseURL: "http://x"}
	cfg.StateDir = ""
	err := cfg.Validate()
	assert.EqualError(t, err, "HOTTUB_STATE_DIR is required")
}

func TestValidate_MissingCrontabBinary(t *testing.T) {
	cfg := &Config{StateDir: "./data", WebhookBaseURL: "http://x"}
	err := cfg.Validate()
	assert.EqualError(t, err, "CRONTAB_BINARY is required")
}

func TestValidate_MissingWebhookBaseURL(t *testing.T) {
	cfg := &Config{StateDir: "./data", CrontabBinary: "crontab"}
	err := cfg.Validate()
	assert.EqualError(t, err, "WEBHOOK_BASE_URL is required")
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := &Config{StateDir: "./data", CrontabBinary: "crontab", WebhookBaseURL: "http://x"}
	assert.NoError(t, cfg.Validate())
}

func TestSplitNonEmpty_EmptyStringReturnsNil(t *testing.T) {
	assert.Nil(t, splitNonEmpty(""))
}

func TestSplitNonEmpty_TrimsAndDropsEmptyEntries(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitNonEmpty(" a ,, b ,"))
}
