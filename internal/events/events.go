package events

import (
	"context"

	"github.com/escrow-service/backend/internal/models"
)

// Stream and event type names
const (
	StreamEscrow            = "events:escrow"
	EventEscrowStateChanged = "escrow_state_changed"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// NewStateChanged wraps a committed transition for the sink.
func NewStateChanged(change models.StateChange) Event {
	return Event{
		Type: EventEscrowStateChanged,
		Payload: map[string]any{
			"escrow_id":   change.EscrowID.String(),
			"from_state":  change.FromState,
			"to_state":    change.ToState,
			"occurred_at": change.OccurredAt,
			"new_version": change.Version,
		},
	}
}

// Publisher is the fire-and-forget event sink. A publish failure must never
// roll back the transition that produced the event.
type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

// NopPublisher discards events. Used in tests and when no sink is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
