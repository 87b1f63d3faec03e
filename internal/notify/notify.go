// Package notify tells owners about terminal job outcomes. Delivery is best
// effort: callers log a failed notification and move on.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quantforge/backend/internal/middleware"
)

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

type Publisher interface {
	Publish(topic string, body []byte) error
}

type Envelope struct {
	OwnerID       string          `json:"owner_id"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// NSQNotifier publishes envelopes to one NSQ topic.
type NSQNotifier struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

func NewNSQNotifier(pub Publisher, topic string) *NSQNotifier {
	return &NSQNotifier{pub: pub, topic: topic, now: time.Now}
}

func (n *NSQNotifier) Notify(ctx context.Context, ownerID, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	env, err := json.Marshal(Envelope{
		OwnerID:       ownerID,
		Event:         event,
		Payload:       body,
		CorrelationID: middleware.GetCorrelationID(ctx),
		OccurredAt:    n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal envelope: %w", err)
	}
	if err := n.pub.Publish(n.topic, env); err != nil {
		return fmt.Errorf("notify: publish %s: %w", event, err)
	}
	return nil
}
