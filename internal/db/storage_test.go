package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/signal-settler/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newSignal(userID int64, closeAfter time.Duration) Signal {
	return Signal{
		UserID:     userID,
		Market:     "BTC/USDT",
		Timeframe:  "1h",
		Exchanges:  []string{"binance", "wallex"},
		EntryPoint: 100,
		StopLoss:   90,
		OpenTime:   base,
		CloseTime:  base.Add(closeAfter),
		Targets:    []SignalTarget{{Value: 105}, {Value: 110}},
	}
}

// runStorageContract exercises the behavior every Storage must share.
func runStorageContract(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("SaveAndGetSignal", func(t *testing.T) {
		s := newStore(t)
		userID, err := s.CreateUser(ctx, "alice")
		require.NoError(t, err)

		id, err := s.SaveSignal(ctx, newSignal(userID, 24*time.Hour))
		require.NoError(t, err)

		got, err := s.GetSignal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, SignalStatusOpen, got.Status)
		assert.Equal(t, []string{"binance", "wallex"}, got.Exchanges)
		assert.Equal(t, []float64{105, 110}, got.TargetValues())
		assert.True(t, got.CloseTime.Equal(base.Add(24*time.Hour)))
		assert.Nil(t, got.SettledAt)

		_, err = s.GetSignal(ctx, id+1000)
		assert.ErrorIs(t, err, ErrSignalNotFound)
	})

	t.Run("GetDueSignals", func(t *testing.T) {
		s := newStore(t)
		userID, err := s.CreateUser(ctx, "bob")
		require.NoError(t, err)

		late, err := s.SaveSignal(ctx, newSignal(userID, 3*time.Hour))
		require.NoError(t, err)
		early, err := s.SaveSignal(ctx, newSignal(userID, time.Hour))
		require.NoError(t, err)
		_, err = s.SaveSignal(ctx, newSignal(userID, 48*time.Hour))
		require.NoError(t, err)

		due, err := s.GetDueSignals(ctx, base.Add(3*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, early, due[0].ID)
		assert.Equal(t, late, due[1].ID)
		assert.Len(t, due[0].Targets, 2)

		limited, err := s.GetDueSignals(ctx, base.Add(3*time.Hour), 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, early, limited[0].ID)
	})

	t.Run("SaveSettlement", func(t *testing.T) {
		s := newStore(t)
		userID, err := s.CreateUser(ctx, "carol")
		require.NoError(t, err)
		id, err := s.SaveSignal(ctx, newSignal(userID, time.Hour))
		require.NoError(t, err)

		touchedAt := base.Add(30 * time.Minute)
		exit := base.Add(45 * time.Minute)
		settled := base.Add(2 * time.Hour)
		err = s.SaveSettlement(ctx, Settlement{
			SignalID:     id,
			Reward:       0.125,
			ExitedByStop: true,
			ExitTime:     exit,
			Targets: []TargetTouch{
				{Index: 0, Touched: true, TouchedAt: touchedAt},
				{Index: 1},
			},
			SettledAt: settled,
		})
		require.NoError(t, err)

		got, err := s.GetSignal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, SignalStatusClosed, got.Status)
		assert.InDelta(t, 0.125, got.Score, 1e-12)
		assert.True(t, got.ExitedByStop)
		require.NotNil(t, got.ExitTime)
		assert.True(t, got.ExitTime.Equal(exit))
		require.NotNil(t, got.SettledAt)
		assert.True(t, got.SettledAt.Equal(settled))

		require.Len(t, got.Targets, 2)
		assert.True(t, got.Targets[0].Touched)
		require.NotNil(t, got.Targets[0].TouchedAt)
		assert.True(t, got.Targets[0].TouchedAt.Equal(touchedAt))
		assert.False(t, got.Targets[1].Touched)
		assert.Nil(t, got.Targets[1].TouchedAt)

		score, err := s.GetUserScore(ctx, userID)
		require.NoError(t, err)
		assert.InDelta(t, 0.125, score, 1e-12)

		due, err := s.GetDueSignals(ctx, base.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		t.Run("Settling twice is rejected", func(t *testing.T) {
			err := s.SaveSettlement(ctx, Settlement{SignalID: id, Reward: 1, SettledAt: settled})
			assert.ErrorIs(t, err, ErrAlreadySettled)

			score, err := s.GetUserScore(ctx, userID)
			require.NoError(t, err)
			assert.InDelta(t, 0.125, score, 1e-12)
		})

		t.Run("Unknown signal", func(t *testing.T) {
			err := s.SaveSettlement(ctx, Settlement{SignalID: id + 1000, SettledAt: settled})
			assert.ErrorIs(t, err, ErrSignalNotFound)
		})
	})

	t.Run("DeferSignal", func(t *testing.T) {
		s := newStore(t)
		userID, err := s.CreateUser(ctx, "gina")
		require.NoError(t, err)
		deferred, err := s.SaveSignal(ctx, newSignal(userID, time.Hour))
		require.NoError(t, err)
		later, err := s.SaveSignal(ctx, newSignal(userID, 2*time.Hour))
		require.NoError(t, err)

		now := base.Add(3 * time.Hour)
		retryAt := now.Add(10 * time.Minute)
		require.NoError(t, s.DeferSignal(ctx, deferred, retryAt, "market data unavailable"))

		got, err := s.GetSignal(ctx, deferred)
		require.NoError(t, err)
		assert.Equal(t, SignalStatusOpen, got.Status)
		assert.Equal(t, 1, got.Attempts)
		require.NotNil(t, got.NextAttemptAt)
		assert.True(t, got.NextAttemptAt.Equal(retryAt))
		assert.Equal(t, "market data unavailable", got.LastError)

		due, err := s.GetDueSignals(ctx, now, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, later, due[0].ID, "a deferred signal does not hold the batch")

		due, err = s.GetDueSignals(ctx, retryAt, 10)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, deferred, due[0].ID)

		require.NoError(t, s.DeferSignal(ctx, deferred, retryAt.Add(time.Hour), "timeout"))
		got, err = s.GetSignal(ctx, deferred)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)

		err = s.DeferSignal(ctx, deferred+1000, retryAt, "x")
		assert.ErrorIs(t, err, ErrSignalNotFound)

		require.NoError(t, s.SaveSettlement(ctx, Settlement{SignalID: later, SettledAt: now}))
		err = s.DeferSignal(ctx, later, retryAt, "x")
		assert.ErrorIs(t, err, ErrAlreadySettled)
	})

	t.Run("MarkInvalid", func(t *testing.T) {
		s := newStore(t)
		userID, err := s.CreateUser(ctx, "hank")
		require.NoError(t, err)
		id, err := s.SaveSignal(ctx, newSignal(userID, time.Hour))
		require.NoError(t, err)

		require.NoError(t, s.MarkInvalid(ctx, id, "at least one target is required"))

		got, err := s.GetSignal(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, SignalStatusInvalid, got.Status)
		assert.Equal(t, "at least one target is required", got.LastError)

		due, err := s.GetDueSignals(ctx, base.Add(48*time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due)

		assert.ErrorIs(t, s.MarkInvalid(ctx, id, "again"), ErrAlreadySettled)
		assert.ErrorIs(t, s.SaveSettlement(ctx, Settlement{SignalID: id, Reward: 1, SettledAt: base}), ErrAlreadySettled)
		assert.ErrorIs(t, s.MarkInvalid(ctx, id+1000, "x"), ErrSignalNotFound)

		score, err := s.GetUserScore(ctx, userID)
		require.NoError(t, err)
		assert.Zero(t, score)
	})

	t.Run("ScoresAccumulate", func(t *testing.T) {
		s := newStore(t)
		userID, err := s.CreateUser(ctx, "dave")
		require.NoError(t, err)

		rewards := []float64{0.5, -0.25, 0.125}
		for _, r := range rewards {
			id, err := s.SaveSignal(ctx, newSignal(userID, time.Hour))
			require.NoError(t, err)
			require.NoError(t, s.SaveSettlement(ctx, Settlement{SignalID: id, Reward: r, SettledAt: base}))
		}

		score, err := s.GetUserScore(ctx, userID)
		require.NoError(t, err)
		assert.InDelta(t, 0.375, score, 1e-12)

		_, err = s.GetUserScore(ctx, userID+1000)
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("ConcurrentSettlementClosesOnce", func(t *testing.T) {
		s := newStore(t)
		userID, err := s.CreateUser(ctx, "erin")
		require.NoError(t, err)
		id, err := s.SaveSignal(ctx, newSignal(userID, time.Hour))
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.SaveSettlement(ctx, Settlement{SignalID: id, Reward: 1, SettledAt: base})
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadySettled)
		}
		assert.Equal(t, 1, succeeded)

		score, err := s.GetUserScore(ctx, userID)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, score, 1e-12)
	})

	t.Run("Events", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.LogEvent(ctx, Event{
			Time:        base.Add(time.Minute),
			Type:        journal.TypeSignalSettled,
			Description: "signal 1 settled",
			Data:        map[string]any{"signal_id": float64(1), "reward": 0.5},
		}))
		require.NoError(t, s.LogEvent(ctx, Event{
			Time: base,
			Type: journal.TypeSignalSettled,
		}))
		require.NoError(t, s.LogEvent(ctx, Event{
			Time: base,
			Type: journal.TypeSettlementDeferred,
		}))

		events, err := s.GetEvents(ctx, journal.TypeSignalSettled, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.True(t, events[0].Time.Equal(base))
		assert.Equal(t, "signal 1 settled", events[1].Description)
		assert.Equal(t, 0.5, events[1].Data["reward"])
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage {
		return NewMemory()
	})
}

func TestMemoryStorage_SignalIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	userID, err := s.CreateUser(ctx, "frank")
	require.NoError(t, err)

	sig := newSignal(userID, time.Hour)
	id, err := s.SaveSignal(ctx, sig)
	require.NoError(t, err)
	sig.Targets[0].Value = 1

	got, err := s.GetSignal(ctx, id)
	require.NoError(t, err)
	got.Targets[1].Value = 2

	again, err := s.GetSignal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []float64{105, 110}, again.TargetValues())
}

func TestMemoryStorage_UnknownUser(t *testing.T) {
	_, err := NewMemory().SaveSignal(context.Background(), newSignal(42, time.Hour))
	assert.ErrorIs(t, err, ErrUserNotFound)
}
