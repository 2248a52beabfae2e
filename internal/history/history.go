package history

import (
	"context"
	"time"
)

// Action is the kind of lifecycle event.
type Action string

const (
	ActionBuilt    Action = "built"
	ActionStarted  Action = "started"
	ActionDegraded Action = "degraded"
	ActionStopped  Action = "stopped"
	ActionSwept    Action = "swept"
	ActionCleaned  Action = "cleaned"
)

// Event is one lifecycle outcome worth auditing.
type Event struct {
	OccurredAt time.Time
	Service    string
	Action     Action
	PID        int
	Detail     string
}

// Store persists lifecycle events. Writes are best-effort from the
// caller's point of view: a failing store must never fail the verb that
// produced the event.
type Store interface {
	Append(ctx context.Context, e Event) error
	Recent(ctx context.Context, limit int) ([]Event, error)
	Close() error
}
