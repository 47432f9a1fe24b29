// Package config loads the hot tub controller's environment-variable
// configuration, the same shape as the teacher's shared/config and
// weatherService cmd/scheduler Config: a flat struct populated from
// getenv with defaults, then validated once at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is every environment-tunable setting the controller, the
// scheduler, and the daemon need.
type Config struct {
	// StateDir is the root of the persisted-state layout (spec §6):
	// state/, scheduled-jobs/, logs/ all live under it.
	StateDir string `validate:"required"`

	// LogLevel controls the zap logger ("debug", "info", "warn", "error").
	LogLevel string

	// CrontabBinary is the shell command used by the crontab table
	// adapter (normally "crontab").
	CrontabBinary string `validate:"required"`

	// WebhookBaseURL is the base URL the webhook client posts
	// hot-tub-heat-on/hot-tub-heat-off triggers to.
	WebhookBaseURL string `validate:"required"`
	WebhookTimeout time.Duration

	// SensorBaseURL is where the controller reads the latest sensor
	// reading from, if the sensor store talks HTTP instead of a local
	// file (kept optional; the default FileStore reads
	// state/esp32-temperature.json directly).
	SensorBaseURL string

	// RedisAddr optionally fronts the sensor store with a fast Redis
	// cache; empty disables it and FileStore is used directly.
	RedisAddr     string
	RedisPassword string

	// HealthCheckBaseURL optionally enables C11; empty disables it.
	HealthCheckBaseURL string
	HealthCheckAPIKey  string

	// FCMCredentialsPath optionally enables the owner-notification
	// push channel; empty disables it.
	FCMCredentialsPath string

	// HistoryDBPath is the sqlite file backing the derived,
	// non-authoritative session/characteristics history mirror.
	HistoryDBPath string

	// OwnerDeviceTokens are the FCM registration tokens push
	// notifications are sent to, comma-separated in the environment.
	// Empty means the owner has not registered a device.
	OwnerDeviceTokens []string

	// HTTPAddr is the address cmd/hottubd listens on.
	HTTPAddr string

	// MetricsAddr is read from METRICS_ADDR but nothing listens on it;
	// cmd/hottubd serves /metrics on HTTPAddr.
	MetricsAddr string
}

// Load reads configuration from the environment, loading a .env file
// first if present (ignored if absent, matching the teacher's
// `_ = godotenv.Load()` convention).
func Load() (*Config, error) {
	_ = godotenv.Load()

	webhookTimeout, err := time.ParseDuration(getEnv("WEBHOOK_TIMEOUT", "5s"))
	if err != nil {
		webhookTimeout = 5 * time.Second
	}

	cfg := &Config{
		StateDir:           getEnv("HOTTUB_STATE_DIR", "./data"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CrontabBinary:      getEnv("CRONTAB_BINARY", "crontab"),
		WebhookBaseURL:     getEnv("WEBHOOK_BASE_URL", ""),
		WebhookTimeout:     webhookTimeout,
		SensorBaseURL:      getEnv("SENSOR_BASE_URL", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		HealthCheckBaseURL: getEnv("HEALTHCHECK_BASE_URL", ""),
		HealthCheckAPIKey:  getEnv("HEALTHCHECK_API_KEY", ""),
		FCMCredentialsPath: getEnv("FCM_CREDENTIALS_PATH", ""),
		HistoryDBPath:      getEnv("HISTORY_DB_PATH", "./data/history.db"),
		OwnerDeviceTokens:  splitNonEmpty(getEnv("OWNER_DEVICE_TOKENS", "")),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8090"),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every deployment needs set, independent of
// which optional collaborators are wired in.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("HOTTUB_STATE_DIR is required")
	}
	if c.CrontabBinary == "" {
		return fmt.Errorf("CRONTAB_BINARY is required")
	}
	if c.WebhookBaseURL == "" {
		return fmt.Errorf("WEBHOOK_BASE_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
