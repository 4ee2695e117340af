package journal

import (
	"context"
	"time"
)

// Event types written by the settler.
const (
	TypeSignalSettled      = "signal_settled"
	TypeSettlementDeferred = "settlement_deferred"
	TypeSettlerTick        = "settler_tick"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "signal_settled", "settlement_deferred"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
