package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/signal-settler/internal/db"
	"github.com/amirphl/signal-settler/internal/events"
	"github.com/amirphl/signal-settler/internal/journal"
	"github.com/amirphl/signal-settler/internal/marketdata"
	"github.com/amirphl/signal-settler/internal/reward"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.SignalSettled
	err    error
}

func (p *recordingPublisher) PublishSettled(ctx context.Context, e events.SignalSettled) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) Send(msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return nil
}

func (n *recordingNotifier) SendWithRetry(msg string) error { return n.Send(msg) }

type fixture struct {
	store     *db.MemoryStorage
	fetcher   *fakeFetcher
	publisher *recordingPublisher
	notifier  *recordingNotifier
	settler   *Settler
	userID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     db.NewMemory(),
		fetcher:   &fakeFetcher{candles: scenario()},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	svc := NewService(f.fetcher, reward.Options{}, []string{"binance"}, "1h")
	f.settler = NewSettler(svc, f.store, f.publisher, f.notifier, SettlerConfig{
		PollInterval:  10 * time.Millisecond,
		BatchSize:     10,
		Workers:       3,
		SettleTimeout: time.Second,
	})
	f.settler.now = func() time.Time { return t0.Add(4 * time.Hour) }

	var err error
	f.userID, err = f.store.CreateUser(context.Background(), "publisher")
	require.NoError(t, err)
	return f
}

func (f *fixture) addSignal(t *testing.T, targets ...float64) int64 {
	t.Helper()
	sig := db.Signal{
		UserID:     f.userID,
		Market:     "BTC/USDT",
		Timeframe:  "1h",
		EntryPoint: 100,
		StopLoss:   90,
		OpenTime:   t0,
		CloseTime:  t0.Add(3 * time.Hour),
	}
	for _, v := range targets {
		sig.Targets = append(sig.Targets, db.SignalTarget{Value: v})
	}
	id, err := f.store.SaveSignal(context.Background(), sig)
	require.NoError(t, err)
	return id
}

func (f *fixture) events(t *testing.T, eventType string) []db.Event {
	t.Helper()
	evs, err := f.store.GetEvents(context.Background(), eventType, t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	return evs
}

func TestSettler_Tick_Settles(t *testing.T) {
	f := newFixture(t)
	id := f.addSignal(t, 105, 110)

	stats, err := f.settler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Due: 1, Settled: 1}, stats)

	sig, err := f.store.GetSignal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.SignalStatusClosed, sig.Status)
	assert.True(t, sig.ExitedByStop)
	assert.True(t, sig.Targets[0].Touched)
	assert.False(t, sig.Targets[1].Touched)
	assert.Positive(t, sig.Score)

	score, err := f.store.GetUserScore(context.Background(), f.userID)
	require.NoError(t, err)
	assert.InDelta(t, sig.Score, score, 1e-15)

	settled := f.events(t, journal.TypeSignalSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, id, settled[0].Data["signal_id"])

	require.Len(t, f.publisher.events, 1)
	published := f.publisher.events[0]
	assert.Equal(t, id, published.SignalID)
	assert.Equal(t, f.userID, published.UserID)
	assert.InDelta(t, sig.Score, published.Reward, 1e-15)
	require.Len(t, published.Targets, 2)
	require.NotNil(t, published.Targets[0].TouchedAt)
	assert.Equal(t, t0.Add(time.Hour), *published.Targets[0].TouchedAt)
	assert.Nil(t, published.Targets[1].TouchedAt)

	assert.Equal(t, []string{"binance"}, f.fetcher.requests[0].Exchanges, "default venues")

	ticks := f.events(t, journal.TypeSettlerTick)
	require.Len(t, ticks, 1)
	assert.Equal(t, 1, ticks[0].Data["settled"])

	t.Run("Nothing left on the next tick", func(t *testing.T) {
		stats, err := f.settler.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, TickStats{}, stats)
	})
}

func TestSettler_Tick_SkipsSignalsNotYetDue(t *testing.T) {
	f := newFixture(t)
	f.addSignal(t, 105)
	f.settler.now = func() time.Time { return t0.Add(2 * time.Hour) }

	stats, err := f.settler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Due)
	assert.Zero(t, f.fetcher.calls())
}

func TestSettler_Tick_DefersOnDataUnavailable(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = &marketdata.DataUnavailableError{Exchanges: []string{"binance"}, LastErr: errors.New("HTTP 451")}
	id := f.addSignal(t, 105, 110)

	stats, err := f.settler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Due: 1, Deferred: 1}, stats)

	sig, err := f.store.GetSignal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.SignalStatusOpen, sig.Status)
	assert.Zero(t, sig.Score)

	deferred := f.events(t, journal.TypeSettlementDeferred)
	require.Len(t, deferred, 1)
	assert.Equal(t, "data_unavailable", deferred[0].Data["reason"])
	assert.Empty(t, f.publisher.events)
	assert.Empty(t, f.notifier.msgs, "data gaps are retried, not escalated")

	assert.Equal(t, 1, sig.Attempts)
	require.NotNil(t, sig.NextAttemptAt)
	assert.Equal(t, t0.Add(4*time.Hour+10*time.Millisecond), *sig.NextAttemptAt)
	assert.Contains(t, sig.LastError, "HTTP 451")

	t.Run("Not due before its retry time", func(t *testing.T) {
		stats, err := f.settler.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, stats.Due)
	})

	t.Run("Retried once the backoff has passed", func(t *testing.T) {
		f.fetcher.mu.Lock()
		f.fetcher.err = nil
		f.fetcher.mu.Unlock()
		f.settler.now = func() time.Time { return t0.Add(4*time.Hour + time.Second) }

		stats, err := f.settler.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Settled)
	})
}

func TestSettler_BackoffDoublesUpToMax(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = context.DeadlineExceeded
	f.settler.cfg.MaxBackoff = 30 * time.Millisecond
	id := f.addSignal(t, 105)

	now := t0.Add(4 * time.Hour)
	var waits []time.Duration
	for range 4 {
		f.settler.now = func() time.Time { return now }
		stats, err := f.settler.Tick(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, stats.Deferred)

		sig, err := f.store.GetSignal(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, sig.NextAttemptAt)
		waits = append(waits, sig.NextAttemptAt.Sub(now))
		now = *sig.NextAttemptAt
	}

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 30 * ms, 30 * ms}, waits)

	deferred := f.events(t, journal.TypeSettlementDeferred)
	require.Len(t, deferred, 4)
	assert.Equal(t, "timeout", deferred[3].Data["reason"])
	assert.Equal(t, 4, deferred[3].Data["attempt"])
}

func TestSettler_Tick_NotifiesOnInvalidParameters(t *testing.T) {
	f := newFixture(t)
	id := f.addSignal(t) // no targets

	stats, err := f.settler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Zero(t, f.fetcher.calls())

	deferred := f.events(t, journal.TypeSettlementDeferred)
	require.Len(t, deferred, 1)
	assert.Equal(t, "invalid_parameters", deferred[0].Data["reason"])

	require.Len(t, f.notifier.msgs, 1)
	assert.Contains(t, f.notifier.msgs[0], "BTC/USDT")

	sig, err := f.store.GetSignal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.SignalStatusInvalid, sig.Status)
	assert.Contains(t, sig.LastError, "target")

	t.Run("Never retried or reported again", func(t *testing.T) {
		f.settler.now = func() time.Time { return t0.Add(48 * time.Hour) }
		for range 3 {
			stats, err := f.settler.Tick(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stats.Due)
		}
		assert.Len(t, f.notifier.msgs, 1)
		assert.Zero(t, f.fetcher.calls())
	})
}

func TestSettler_InvalidSignalsDoNotStarveTheBatch(t *testing.T) {
	f := newFixture(t)
	for range 10 {
		f.addSignal(t) // no targets
	}
	// same close time, higher id: first due after the invalid ones
	valid := f.addSignal(t, 105, 110)

	var settled int
	for range 5 {
		stats, err := f.settler.Tick(context.Background())
		require.NoError(t, err)
		assert.LessOrEqual(t, stats.Due, 10)
		settled += stats.Settled
	}
	assert.Equal(t, 1, settled)

	sig, err := f.store.GetSignal(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, db.SignalStatusClosed, sig.Status)
	assert.Len(t, f.notifier.msgs, 10, "one alert per invalid signal")
}

type racingStore struct {
	*db.MemoryStorage
}

func (r racingStore) SaveSettlement(ctx context.Context, s db.Settlement) error {
	return db.ErrAlreadySettled
}

func TestSettler_Tick_AlreadySettledIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.addSignal(t, 105)
	svc := NewService(f.fetcher, reward.Options{}, []string{"binance"}, "1h")
	settler := NewSettler(svc, racingStore{f.store}, f.publisher, f.notifier, SettlerConfig{Workers: 1})
	settler.now = f.settler.now

	stats, err := settler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Due: 1, Skipped: 1}, stats)
	assert.Empty(t, f.publisher.events)
	assert.Empty(t, f.events(t, journal.TypeSettlementDeferred))
}

func TestSettler_Tick_ManySignals(t *testing.T) {
	f := newFixture(t)
	for range 7 {
		f.addSignal(t, 105, 110)
	}

	stats, err := f.settler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TickStats{Due: 7, Settled: 7}, stats)
	assert.Len(t, f.publisher.events, 7)

	single, err := f.settler.service.SettleSignal(context.Background(), db.Signal{
		Market: "BTC/USDT", Timeframe: "1h", EntryPoint: 100, StopLoss: 90,
		OpenTime: t0, CloseTime: t0.Add(3 * time.Hour),
		Targets: []db.SignalTarget{{Value: 105}, {Value: 110}},
	})
	require.NoError(t, err)

	score, err := f.store.GetUserScore(context.Background(), f.userID)
	require.NoError(t, err)
	assert.InDelta(t, 7*single.Reward, score, 1e-12)
}

func TestSettler_PublishFailureDoesNotDefer(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("redis down")
	id := f.addSignal(t, 105)

	stats, err := f.settler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Settled)

	sig, err := f.store.GetSignal(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.SignalStatusClosed, sig.Status)
}

func TestSettler_Run(t *testing.T) {
	f := newFixture(t)
	id := f.addSignal(t, 105)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.settler.Run(ctx) }()

	require.Eventually(t, func() bool {
		sig, err := f.store.GetSignal(context.Background(), id)
		return err == nil && sig.Status == db.SignalStatusClosed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("settler did not stop")
	}
}
