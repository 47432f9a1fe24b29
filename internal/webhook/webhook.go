// Package webhook triggers the home-automation webhooks that actually
// turn the heater relay on and off, the way
// features/weather/crawler/naver.go calls out to an HTTP source: a
// small interface-backed client, a bounded per-call timeout, and an
// outbound rate limiter so a runaway tick loop can't hammer the
// automation hub.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/science/hottub-controller/pkg/apperrors"
	"github.com/science/hottub-controller/pkg/logger"
	"github.com/science/hottub-controller/pkg/metrics"
)

// Event names the webhook trigger bodies post (spec §2, C2).
type Event string

const (
	EventHeatOn   Event = "hot-tub-heat-on"
	EventHeatOff  Event = "hot-tub-heat-off"
	EventPumpOn   Event = "hot-tub-pump-on"
	EventPumpOff  Event = "hot-tub-pump-off"
)

// HTTPDoer is the subset of *http.Client the webhook client needs,
// mirroring the crawler package's HTTPClient seam so tests can swap in
// a fake without standing up a server.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client triggers a named event against a per-event URL built from a
// base URL, e.g. baseURL + "/hot-tub-heat-on".
type Client struct {
	baseURL string
	http    HTTPDoer
	limiter *rate.Limiter
	timeout time.Duration
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPDoer overrides the HTTP transport, for tests.
func WithHTTPDoer(d HTTPDoer) Option {
	return func(c *Client) { c.http = d }
}

// WithRateLimit overrides the outbound call rate, default 2 req/s
// burst 1 — a hot tub relay never needs more than one call in flight.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst) }
}

// New builds a Client posting to baseURL with the given per-call timeout.
func New(baseURL string, timeout time.Duration, log *zap.Logger, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(2), 1),
		timeout: timeout,
		log:     logger.WithComponent(logger.NoopOrDefault(log), "webhook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger POSTs an empty body to baseURL/<event> and reports whether
// the call succeeded. Per spec §2 a webhook failure is logged and
// surfaced to the caller but never panics the controller tick.
func (c *Client) Trigger(ctx context.Context, event Event) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, apperrors.WebhookFailure(fmt.Errorf("event %s: %w", event, err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s", trimTrailingSlash(c.baseURL), string(event))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return false, apperrors.WebhookFailure(fmt.Errorf("event %s: %w", event, err))
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordWebhookCall(string(event), duration, true)
		c.log.Error("webhook trigger failed", zap.String("event", string(event)), zap.Error(err))
		return false, apperrors.WebhookFailure(fmt.Errorf("event %s: %w", event, err))
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	metrics.RecordWebhookCall(string(event), duration, !ok)
	if !ok {
		err := fmt.Errorf("event %s: webhook returned status %d", event, resp.StatusCode)
		c.log.Error("webhook trigger rejected", zap.String("event", string(event)), zap.Int("status", resp.StatusCode))
		return false, apperrors.WebhookFailure(err)
	}

	c.log.Info("webhook triggered", zap.String("event", string(event)), zap.Duration("duration", duration))
	return true, nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
