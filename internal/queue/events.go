package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hypeloop/postflow/internal/domain"
)

// TransitionEvent describes one state transition of a queue item, for
// external dashboards and metrics pipelines.
type TransitionEvent struct {
	ItemID  string           `json:"item_id"`
	OwnerID string           `json:"owner_id"`
	From    domain.ItemState `json:"from"`
	To      domain.ItemState `json:"to"`
	Reason  string           `json:"reason,omitempty"`
	At      time.Time        `json:"at"`
}

// EventPublisher receives state-transition events. Implementations must
// not block the dispatch loop.
type EventPublisher interface {
	Publish(ctx context.Context, event TransitionEvent)
}

// LogPublisher emits transition events as structured log records.
type LogPublisher struct{}

// Publish logs the transition.
func (LogPublisher) Publish(_ context.Context, event TransitionEvent) {
	slog.Info("queue item transition",
		"item_id", event.ItemID,
		"owner_id", event.OwnerID,
		"from", event.From,
		"to", event.To,
		"reason", event.Reason,
	)
}
