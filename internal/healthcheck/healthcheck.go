// Package healthcheck wires an optional schedule-bound liveness
// monitor per scheduled job (C11), grounded on the retry/timeout HTTP
// client shape of features/weather/crawler/naver.go, fronting a
// healthchecks.io-style API.
package healthcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/science/hottub-controller/pkg/logger"
)

// Check is the result of creating a monitor.
type Check struct {
	UUID    string `json:"uuid"`
	PingURL string `json:"ping_url"`
}

// Monitor is the C11 contract. A disabled implementation makes every
// call a no-op, per spec §4.7.
type Monitor interface {
	IsEnabled() bool
	CreateCheck(ctx context.Context, name, cronSchedule, timezone string, graceSeconds int, channels []string) (*Check, error)
	Ping(ctx context.Context, url string) bool
	Delete(ctx context.Context, uuid string) bool
}

// NoopMonitor is used when no health-check API is configured. Every
// call returns the documented null/true zero value and never touches
// the network, so scheduling never depends on it.
type NoopMonitor struct{}

func (NoopMonitor) IsEnabled() bool { return false }

func (NoopMonitor) CreateCheck(context.Context, string, string, string, int, []string) (*Check, error) {
	return nil, nil
}

func (NoopMonitor) Ping(context.Context, string) bool { return true }

func (NoopMonitor) Delete(context.Context, string) bool { return true }

// HTTPMonitor talks to a healthchecks.io-shaped management API.
type HTTPMonitor struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

// NewHTTPMonitor builds an HTTPMonitor. Returns NoopMonitor-equivalent
// behavior is the caller's responsibility: construct a NoopMonitor
// directly when baseURL is empty, rather than this constructor.
func NewHTTPMonitor(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPMonitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPMonitor{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     logger.WithComponent(logger.NoopOrDefault(log), "healthcheck"),
	}
}

func (m *HTTPMonitor) IsEnabled() bool { return true }

type createCheckRequest struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Timezone string   `json:"tz"`
	Grace    int      `json:"grace"`
	Channels []string `json:"channels,omitempty"`
	UniqueKey string  `json:"unique_key,omitempty"`
}

type createCheckResponse struct {
	UUID    string `json:"uuid"`
	PingURL string `json:"ping_url"`
}

// CreateCheck registers a schedule-bound check and arms it with an
// immediate ping, per spec §4.7.
func (m *HTTPMonitor) CreateCheck(ctx context.Context, name, cronSchedule, timezone string, graceSeconds int, channels []string) (*Check, error) {
	idempotencyKey := uuid.NewString()

	reqBody := createCheckRequest{
		Name:      name,
		Schedule:  cronSchedule,
		Timezone:  timezone,
		Grace:     graceSeconds,
		Channels:  channels,
		UniqueKey: idempotencyKey,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal create-check request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/checks/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build create-check request: %w", err)
	}
	req.Header.Set("X-Api-Key", m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create-check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("create-check returned %d: %s", resp.StatusCode, string(data))
	}

	var out createCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode create-check response: %w", err)
	}

	check := &Check{UUID: out.UUID, PingURL: out.PingURL}
	if !m.Ping(ctx, check.PingURL) {
		m.log.Warn("arming ping failed for new health check", zap.String("uuid", check.UUID))
	}
	return check, nil
}

// Ping pings url, reporting whether it succeeded.
func (m *HTTPMonitor) Ping(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		m.log.Warn("health check ping failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Delete removes the check identified by uuid.
func (m *HTTPMonitor) Delete(ctx context.Context, checkUUID string) bool {
	url := fmt.Sprintf("%s/checks/%s", m.baseURL, checkUUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Api-Key", m.apiKey)
	resp, err := m.http.Do(req)
	if err != nil {
		m.log.Warn("health check delete failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
