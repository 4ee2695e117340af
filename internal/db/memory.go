package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

type MemoryStorage struct {
	mu sync.RWMutex

	users      map[int64]*memoryUser
	nextUserID int64

	// Signals by ID and auto-increment counter
	signals      map[int64]Signal
	nextSignalID int64

	// Events (append-only)
	events []Event
}

type memoryUser struct {
	username string
	score    float64
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		users:   make(map[int64]*memoryUser),
		signals: make(map[int64]Signal),
		events:  make([]Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- Users --------

func (m *MemoryStorage) CreateUser(ctx context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.username == username {
			return 0, fmt.Errorf("failed to create user %s: username taken", username)
		}
	}
	m.nextUserID++
	m.users[m.nextUserID] = &memoryUser{username: username}
	return m.nextUserID, nil
}

func (m *MemoryStorage) GetUserScore(ctx context.Context, userID int64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return u.score, nil
}

// -------- Signals --------

func cloneSignal(s Signal) Signal {
	s.Exchanges = append([]string(nil), s.Exchanges...)
	s.Targets = append([]SignalTarget(nil), s.Targets...)
	return s
}

func (m *MemoryStorage) SaveSignal(ctx context.Context, s Signal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[s.UserID]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrUserNotFound, s.UserID)
	}
	if s.Status == "" {
		s.Status = SignalStatusOpen
	}
	m.nextSignalID++
	s = cloneSignal(s)
	s.ID = m.nextSignalID
	s.OpenTime = s.OpenTime.UTC()
	s.CloseTime = s.CloseTime.UTC()
	for i := range s.Targets {
		s.Targets[i].SignalID = s.ID
		s.Targets[i].Index = i
	}
	m.signals[s.ID] = s
	return s.ID, nil
}

func (m *MemoryStorage) GetSignal(ctx context.Context, id int64) (*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSignalNotFound, id)
	}
	s = cloneSignal(s)
	return &s, nil
}

func (m *MemoryStorage) GetDueSignals(ctx context.Context, now time.Time, limit int) ([]Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Signal
	for _, s := range m.signals {
		if s.Status != SignalStatusOpen || s.CloseTime.After(now) {
			continue
		}
		if s.NextAttemptAt == nil || !s.NextAttemptAt.After(now) {
			out = append(out, cloneSignal(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CloseTime.Equal(out[j].CloseTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CloseTime.Before(out[j].CloseTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStorage) SaveSettlement(ctx context.Context, st Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[st.SignalID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSignalNotFound, st.SignalID)
	}
	if s.Status != SignalStatusOpen {
		return fmt.Errorf("%w: %d", ErrAlreadySettled, st.SignalID)
	}
	u, ok := m.users[s.UserID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUserNotFound, s.UserID)
	}

	s = cloneSignal(s)
	s.Status = SignalStatusClosed
	s.Score = st.Reward
	s.ExitedByStop = st.ExitedByStop
	s.ExitTime = optionalTime(st.ExitTime)
	s.SettledAt = optionalTime(st.SettledAt)
	for _, t := range st.Targets {
		if t.Index < 0 || t.Index >= len(s.Targets) {
			continue
		}
		s.Targets[t.Index].Touched = t.Touched
		s.Targets[t.Index].TouchedAt = optionalTime(t.TouchedAt)
	}

	m.signals[s.ID] = s
	u.score += st.Reward
	return nil
}

func (m *MemoryStorage) DeferSignal(ctx context.Context, id int64, nextAttempt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.openSignal(id)
	if err != nil {
		return err
	}
	s.Attempts++
	s.NextAttemptAt = optionalTime(nextAttempt)
	s.LastError = reason
	m.signals[id] = s
	return nil
}

func (m *MemoryStorage) MarkInvalid(ctx context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.openSignal(id)
	if err != nil {
		return err
	}
	s.Status = SignalStatusInvalid
	s.NextAttemptAt = nil
	s.LastError = reason
	m.signals[id] = s
	return nil
}

// openSignal must be called with mu held.
func (m *MemoryStorage) openSignal(id int64) (Signal, error) {
	s, ok := m.signals[id]
	if !ok {
		return Signal{}, fmt.Errorf("%w: %d", ErrSignalNotFound, id)
	}
	if s.Status != SignalStatusOpen {
		return Signal{}, fmt.Errorf("%w: %d", ErrAlreadySettled, id)
	}
	return cloneSignal(s), nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

// -------- JournalStorage --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start = start.UTC()
	end = end.UTC()
	var out []Event
	for _, e := range m.events {
		if e.Type == eventType && (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
