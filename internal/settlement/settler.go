package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/signal-settler/internal/db"
	"github.com/amirphl/signal-settler/internal/events"
	"github.com/amirphl/signal-settler/internal/journal"
	"github.com/amirphl/signal-settler/internal/marketdata"
	"github.com/amirphl/signal-settler/internal/notifier"
	"github.com/amirphl/signal-settler/internal/reward"
	"github.com/amirphl/signal-settler/internal/utils"
)

// Store is the persistence the settler needs.
type Store interface {
	GetDueSignals(ctx context.Context, now time.Time, limit int) ([]db.Signal, error)
	SaveSettlement(ctx context.Context, s db.Settlement) error
	DeferSignal(ctx context.Context, id int64, nextAttempt time.Time, reason string) error
	MarkInvalid(ctx context.Context, id int64, reason string) error
	LogEvent(ctx context.Context, event db.Event) error
}

type SettlerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	Workers       int
	SettleTimeout time.Duration

	// MaxBackoff caps the retry delay of a deferred signal. The delay starts
	// at PollInterval and doubles with every failed attempt.
	MaxBackoff time.Duration
}

// TickStats summarizes one pass over the due signals.
type TickStats struct {
	Due      int
	Settled  int
	Deferred int
	Skipped  int
}

// Settler periodically settles every open signal whose close time has passed.
type Settler struct {
	service   *Service
	store     Store
	publisher events.Publisher
	notifier  notifier.Notifier
	cfg       SettlerConfig
	now       func() time.Time
}

func NewSettler(service *Service, store Store, publisher events.Publisher, n notifier.Notifier, cfg SettlerConfig) *Settler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(time.Hour, cfg.PollInterval)
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if n == nil {
		n = notifier.NopNotifier{}
	}
	return &Settler{
		service:   service,
		store:     store,
		publisher: publisher,
		notifier:  n,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run ticks immediately and then every PollInterval until ctx is done.
func (s *Settler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	utils.GetLogger().Infof("Settler | Starting (interval %s, batch %d, workers %d)",
		s.cfg.PollInterval, s.cfg.BatchSize, s.cfg.Workers)

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			utils.GetLogger().Errorf("Settler | Tick failed: %v", err)
		}

		select {
		case <-ctx.Done():
			utils.GetLogger().Info("Settler | Stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick settles one batch of due signals.
func (s *Settler) Tick(ctx context.Context) (TickStats, error) {
	now := s.now().UTC()
	signals, err := s.store.GetDueSignals(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return TickStats{}, fmt.Errorf("failed to load due signals: %w", err)
	}

	stats := TickStats{Due: len(signals)}
	if len(signals) == 0 {
		return stats, nil
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.cfg.Workers)
	)

	for _, sig := range signals {
		wg.Add(1)
		go func(sig db.Signal) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := s.settleSignal(ctx, sig)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeSettled:
				stats.Settled++
			case outcomeDeferred:
				stats.Deferred++
			default:
				stats.Skipped++
			}
		}(sig)
	}
	wg.Wait()

	utils.GetLogger().Infof("Settler | Tick done: due=%d settled=%d deferred=%d skipped=%d",
		stats.Due, stats.Settled, stats.Deferred, stats.Skipped)
	s.journal(ctx, db.Event{
		Time:        now,
		Type:        journal.TypeSettlerTick,
		Description: fmt.Sprintf("settled %d of %d due signals", stats.Settled, stats.Due),
		Data: map[string]any{
			"due":      stats.Due,
			"settled":  stats.Settled,
			"deferred": stats.Deferred,
			"skipped":  stats.Skipped,
		},
	})
	return stats, nil
}

type signalOutcome int

const (
	outcomeSettled signalOutcome = iota
	outcomeDeferred
	outcomeSkipped
)

func (s *Settler) settleSignal(ctx context.Context, sig db.Signal) signalOutcome {
	log := utils.GetLogger().WithField("signal", sig.ID)

	settleCtx := ctx
	if s.cfg.SettleTimeout > 0 {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(ctx, s.cfg.SettleTimeout)
		defer cancel()
	}

	result, err := s.service.SettleSignal(settleCtx, sig)
	if err != nil {
		s.deferSettlement(ctx, sig, err)
		return outcomeDeferred
	}

	settledAt := s.now().UTC()
	settlement := db.Settlement{
		SignalID:     sig.ID,
		Reward:       result.Reward,
		ExitedByStop: result.ExitedByStop,
		ExitTime:     result.ExitTime,
		SettledAt:    settledAt,
	}
	for _, t := range result.Targets {
		settlement.Targets = append(settlement.Targets, db.TargetTouch{
			Index:     t.Index,
			Touched:   t.Touched,
			TouchedAt: t.TouchedAt,
		})
	}

	if err := s.store.SaveSettlement(ctx, settlement); err != nil {
		if errors.Is(err, db.ErrAlreadySettled) {
			log.Info("Settler | Already settled elsewhere")
			return outcomeSkipped
		}
		s.deferSettlement(ctx, sig, err)
		return outcomeDeferred
	}

	log.Infof("Settler | Settled %s reward=%.8f touched=%d/%d via %s",
		sig.Market, result.Reward, result.Touched, len(result.Targets), result.Exchange)

	s.journal(ctx, db.Event{
		Time:        settledAt,
		Type:        journal.TypeSignalSettled,
		Description: fmt.Sprintf("signal %d settled with reward %.8f", sig.ID, result.Reward),
		Data: map[string]any{
			"signal_id":      sig.ID,
			"user_id":        sig.UserID,
			"reward":         result.Reward,
			"exited_by_stop": result.ExitedByStop,
			"exchange":       result.Exchange,
			"candles":        result.Candles,
		},
	})

	if err := s.publisher.PublishSettled(ctx, settledEvent(sig, result, settledAt)); err != nil {
		log.Warnf("Settler | Failed to publish settlement: %v", err)
	}
	return outcomeSettled
}

// deferSettlement records why a signal could not be settled. Invalid
// parameters close the signal as invalid and are reported to the operator
// once. Other failures keep it open and push its next attempt back.
func (s *Settler) deferSettlement(ctx context.Context, sig db.Signal, cause error) {
	log := utils.GetLogger().WithField("signal", sig.ID)

	reason := "error"
	switch {
	case errors.Is(cause, reward.ErrInvalidParameters):
		reason = "invalid_parameters"
	case errors.Is(cause, marketdata.ErrDataUnavailable):
		reason = "data_unavailable"
	case errors.Is(cause, context.DeadlineExceeded):
		reason = "timeout"
	case errors.Is(cause, context.Canceled):
		reason = "canceled"
	}

	log.Warnf("Settler | Settlement deferred (%s): %v", reason, cause)

	now := s.now().UTC()
	data := map[string]any{
		"signal_id": sig.ID,
		"market":    sig.Market,
		"reason":    reason,
		"error":     cause.Error(),
		"attempt":   sig.Attempts + 1,
	}

	// store writes must outlive a canceled tick
	storeCtx := context.WithoutCancel(ctx)
	notify := false
	switch reason {
	case "invalid_parameters":
		if err := s.store.MarkInvalid(storeCtx, sig.ID, cause.Error()); err != nil {
			log.Errorf("Settler | Failed to mark signal invalid: %v", err)
		} else {
			notify = true
		}
	case "canceled":
		// shutting down; the signal is picked up again on the next run
	default:
		next := now.Add(s.backoff(sig.Attempts))
		data["next_attempt_at"] = next.Format(time.RFC3339Nano)
		if err := s.store.DeferSignal(storeCtx, sig.ID, next, cause.Error()); err != nil {
			log.Errorf("Settler | Failed to schedule retry: %v", err)
		}
	}

	s.journal(ctx, db.Event{
		Time:        now,
		Type:        journal.TypeSettlementDeferred,
		Description: fmt.Sprintf("signal %d deferred: %v", sig.ID, cause),
		Data:        data,
	})

	if notify {
		msg := fmt.Sprintf("Signal %d (%s) cannot be settled: %v", sig.ID, sig.Market, cause)
		if err := s.notifier.SendWithRetry(msg); err != nil {
			log.Errorf("Settler | Failed to notify operator: %v", err)
		}
	}
}

// backoff is the wait before the next attempt of a signal that already failed
// attempts times.
func (s *Settler) backoff(attempts int) time.Duration {
	d := s.cfg.PollInterval
	for range attempts {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return min(d, s.cfg.MaxBackoff)
}

func (s *Settler) journal(ctx context.Context, event db.Event) {
	// journal writes must survive a canceled tick
	ctx = context.WithoutCancel(ctx)
	if err := s.store.LogEvent(ctx, event); err != nil {
		utils.GetLogger().Errorf("Settler | Failed to journal %s: %v", event.Type, err)
	}
}

func settledEvent(sig db.Signal, result Result, settledAt time.Time) events.SignalSettled {
	e := events.SignalSettled{
		SignalID:     sig.ID,
		UserID:       sig.UserID,
		Market:       sig.Market,
		Reward:       result.Reward,
		ExitedByStop: result.ExitedByStop,
		SettledAt:    settledAt,
	}
	for _, t := range result.Targets {
		touch := events.TargetTouch{Index: t.Index, Value: t.Value, Touched: t.Touched}
		if t.Touched {
			at := t.TouchedAt
			touch.TouchedAt = &at
		}
		e.Targets = append(e.Targets, touch)
	}
	return e
}
