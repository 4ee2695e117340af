// Package db
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/amirphl/signal-settler/internal/journal"
)

var (
	ErrSignalNotFound = errors.New("signal not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrAlreadySettled = errors.New("signal already settled")
)

const (
	SignalStatusOpen   = "open"
	SignalStatusClosed = "closed"

	// SignalStatusInvalid marks a signal that can never be settled as stored.
	SignalStatusInvalid = "invalid"
)

type Event = journal.Event

// Signal is a published trade idea awaiting (or past) settlement.
type Signal struct {
	ID         int64
	UserID     int64
	Market     string
	Timeframe  string
	Exchanges  []string
	EntryPoint float64
	StopLoss   float64
	OpenTime   time.Time
	CloseTime  time.Time
	Status     string

	// Score is the settled reward; zero while open.
	Score        float64
	ExitedByStop bool
	ExitTime     *time.Time
	SettledAt    *time.Time
	Targets      []SignalTarget

	// Attempts counts deferred settlements. The signal is not due again
	// before NextAttemptAt.
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
}

// TargetValues returns the target prices ordered by rank.
func (s Signal) TargetValues() []float64 {
	values := make([]float64, len(s.Targets))
	for i, t := range s.Targets {
		values[i] = t.Value
	}
	return values
}

type SignalTarget struct {
	SignalID  int64
	Index     int
	Value     float64
	Touched   bool
	TouchedAt *time.Time
}

// TargetTouch is the settled state of one target.
type TargetTouch struct {
	Index     int
	Touched   bool
	TouchedAt time.Time
}

// Settlement is everything persisted when a signal is scored.
type Settlement struct {
	SignalID     int64
	Reward       float64
	ExitedByStop bool
	ExitTime     time.Time
	Targets      []TargetTouch
	SettledAt    time.Time
}

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	CreateUser(ctx context.Context, username string) (int64, error)
	GetUserScore(ctx context.Context, userID int64) (float64, error)
	SaveSignal(ctx context.Context, s Signal) (int64, error)
	GetSignal(ctx context.Context, id int64) (*Signal, error)
	// GetDueSignals returns open signals whose close time is at or before now
	// and whose retry time, if any, has come. Oldest first.
	GetDueSignals(ctx context.Context, now time.Time, limit int) ([]Signal, error)
	// SaveSettlement closes an open signal, records its target touches and adds
	// the reward to the publisher's score, atomically.
	SaveSettlement(ctx context.Context, s Settlement) error
	// DeferSignal counts a failed attempt and hides an open signal from
	// GetDueSignals until nextAttempt.
	DeferSignal(ctx context.Context, id int64, nextAttempt time.Time, reason string) error
	// MarkInvalid moves an open signal to SignalStatusInvalid for good.
	MarkInvalid(ctx context.Context, id int64, reason string) error
	journal.Journaler
}
