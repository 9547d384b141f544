package history

import (
	"context"
	"time"
)

// EventType classifies a supervision lifecycle event.
type EventType string

const (
	EventStart  EventType = "start"  // gateway spawned
	EventAttach EventType = "attach" // attached to an existing gateway
	EventStop   EventType = "stop"   // operator-initiated stop completed
	EventCrash  EventType = "crash"  // unexpected exit or launch failure
	EventGiveUp EventType = "giveup" // crash policy ended retries
	EventFailed EventType = "failed" // start attempt was never viable
)

// Event is one supervision event for post-mortem inspection.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for supervision events. Implementations must be
// safe for concurrent use. Sink failures never affect supervision; callers
// log and move on.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
