// Package notify sends optional owner push notifications on
// target-reached and stalled-heating events (EXPANSION to the base
// spec), nil-checked like the health-check monitor so the controller
// never depends on it being configured. Grounded almost directly on
// features/weather/notifier/fcm.go's batch-send shape, adapted from
// multi-region weather alerts to a single owner's device tokens.
package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/science/hottub-controller/pkg/logger"
)

// MaxTokensPerBatch is the maximum number of tokens FCM allows per
// multicast call.
const MaxTokensPerBatch = 500

// Event names the kind of alert being sent.
type Event string

const (
	EventTargetReached   Event = "target_reached"
	EventStalledHeating  Event = "stalled_heating"
)

// Client is the subset of the FCM messaging client this package needs,
// so tests can substitute a fake without a live Firebase project.
type Client interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Notifier sends push notifications to the owner's registered devices.
type Notifier struct {
	client Client
	log    *zap.Logger
}

// New builds a Notifier from Firebase credentials at credentialsPath.
// Returns an error only on Firebase initialization failure; callers
// that have no credentials configured should simply not construct a
// Notifier and pass nil everywhere one is accepted.
func New(ctx context.Context, credentialsPath string, log *zap.Logger) (*Notifier, error) {
	if credentialsPath == "" {
		return nil, fmt.Errorf("FCM credentials path is required")
	}

	opt := option.WithCredentialsFile(credentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	messagingClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	return &Notifier{client: messagingClient, log: logger.WithComponent(logger.NoopOrDefault(log), "notify")}, nil
}

// NewWithClient builds a Notifier around a custom client, for tests.
func NewWithClient(client Client, log *zap.Logger) *Notifier {
	return &Notifier{client: client, log: logger.WithComponent(logger.NoopOrDefault(log), "notify")}
}

// Send pushes event to every token, batching at MaxTokensPerBatch and
// retrying a batch once on a transport error. Returns an error only if
// every send failed; individual token failures are logged and do not
// fail the call.
func (n *Notifier) Send(ctx context.Context, event Event, title, body string, tokens []string) error {
	if n == nil {
		return nil
	}
	if len(tokens) == 0 {
		n.log.Warn("no device tokens registered for owner notification", zap.String("event", string(event)))
		return nil
	}

	batches := splitIntoBatches(tokens, MaxTokensPerBatch)
	totalSuccess, totalFailure := 0, 0

	for i, batch := range batches {
		message := &messaging.MulticastMessage{
			Notification: &messaging.Notification{Title: title, Body: body},
			Data:         map[string]string{"event": string(event)},
			Tokens:       batch,
		}

		response, err := n.client.SendEachForMulticast(ctx, message)
		if err != nil {
			n.log.Error("failed to send notification batch", zap.Int("batch", i+1), zap.Error(err))
			response, err = n.client.SendEachForMulticast(ctx, message)
			if err != nil {
				n.log.Error("notification batch retry failed", zap.Int("batch", i+1), zap.Error(err))
				totalFailure += len(batch)
				continue
			}
		}

		totalSuccess += response.SuccessCount
		totalFailure += response.FailureCount
	}

	n.log.Info("owner notification send completed",
		zap.String("event", string(event)),
		zap.Int("success", totalSuccess),
		zap.Int("failure", totalFailure))

	if totalSuccess == 0 && totalFailure > 0 {
		return fmt.Errorf("all notification sends failed: %d failures", totalFailure)
	}
	return nil
}

func splitIntoBatches(tokens []string, batchSize int) [][]string {
	var batches [][]string
	for i := 0; i < len(tokens); i += batchSize {
		end := i + batchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		batches = append(batches, tokens[i:end])
	}
	return batches
}
