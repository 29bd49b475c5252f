package events

import "context"

// Channel escrow status changes are published on.
const ChannelEscrow = "events:escrow"

// Event types
const (
	EventEscrowStatusChanged = "escrow_status_changed"
	EventEscrowReleased      = "escrow_released"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher drops events. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }

// PayloadString reads a string field from the event payload.
func (e Event) PayloadString(key string) string {
	v, _ := e.Payload[key].(string)
	return v
}
