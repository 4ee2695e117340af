// Package settlement scores closed signals: it fetches the candles of the
// signal's window and replays them through the reward calculator.
package settlement

import (
	"context"
	"time"

	"github.com/amirphl/signal-settler/internal/candle"
	"github.com/amirphl/signal-settler/internal/db"
	"github.com/amirphl/signal-settler/internal/marketdata"
	"github.com/amirphl/signal-settler/internal/reward"
)

// Request is the settlement contract consumed by the API and the settler.
type Request struct {
	ExchangeCandidates []string  `json:"exchangeCandidates"`
	Market             string    `json:"market"`
	Timeframe          string    `json:"timeframe"`
	StartTimeISO       string    `json:"startTimeIso"`
	EndTimeISO         string    `json:"endTimeIso"`
	EntryPoint         float64   `json:"entryPoint"`
	StopLoss           float64   `json:"stopLoss"`
	Targets            []float64 `json:"targets"`
}

type Result struct {
	Reward       float64                `json:"reward"`
	Armed        bool                   `json:"armed"`
	ExitedByStop bool                   `json:"exitedByStop"`
	ExitTime     time.Time              `json:"exitTime,omitzero"`
	Targets      []reward.TargetOutcome `json:"targets"`
	Touched      int                    `json:"touched"`

	// Exchange is the venue that served the candles.
	Exchange string `json:"exchange,omitempty"`
	Candles  int    `json:"candles"`
}

// CandleFetcher is satisfied by *marketdata.Fetcher and *cache.CachedFetcher.
type CandleFetcher interface {
	Fetch(ctx context.Context, req marketdata.Request) ([]candle.Candle, error)
}

type Service struct {
	fetcher          CandleFetcher
	opts             reward.Options
	defaultExchanges []string
	defaultTimeframe string
}

func NewService(fetcher CandleFetcher, opts reward.Options, defaultExchanges []string, defaultTimeframe string) *Service {
	return &Service{
		fetcher:          fetcher,
		opts:             opts,
		defaultExchanges: defaultExchanges,
		defaultTimeframe: defaultTimeframe,
	}
}

// Settle validates the request, fetches its window and computes the reward.
// Errors match reward.ErrInvalidParameters, marketdata.ErrDataUnavailable or a
// context error.
func (s *Service) Settle(ctx context.Context, req Request) (Result, error) {
	start, end, err := marketdata.ParseWindow(req.StartTimeISO, req.EndTimeISO)
	if err != nil {
		return Result{}, err
	}
	return s.settle(ctx, window{
		exchanges: req.ExchangeCandidates,
		market:    req.Market,
		timeframe: req.Timeframe,
		start:     start,
		end:       end,
	}, reward.Params{
		EntryPoint:  req.EntryPoint,
		StopLoss:    req.StopLoss,
		Targets:     req.Targets,
		WindowStart: start,
	})
}

// SettleSignal computes the result of a stored signal without persisting it.
func (s *Service) SettleSignal(ctx context.Context, sig db.Signal) (Result, error) {
	return s.settle(ctx, window{
		exchanges: sig.Exchanges,
		market:    sig.Market,
		timeframe: sig.Timeframe,
		start:     sig.OpenTime.UTC(),
		end:       sig.CloseTime.UTC(),
	}, reward.Params{
		EntryPoint:  sig.EntryPoint,
		StopLoss:    sig.StopLoss,
		Targets:     sig.TargetValues(),
		WindowStart: sig.OpenTime.UTC(),
	})
}

type window struct {
	exchanges []string
	market    string
	timeframe string
	start     time.Time
	end       time.Time
}

func (s *Service) settle(ctx context.Context, w window, params reward.Params) (Result, error) {
	// reject bad parameters before spending any venue quota
	if err := params.Validate(); err != nil {
		return Result{}, err
	}

	if len(w.exchanges) == 0 {
		w.exchanges = s.defaultExchanges
	}
	if w.timeframe == "" {
		w.timeframe = s.defaultTimeframe
	}

	candles, err := s.fetcher.Fetch(ctx, marketdata.Request{
		Exchanges: w.exchanges,
		Symbol:    w.market,
		Timeframe: w.timeframe,
		Start:     w.start,
		End:       w.end,
	})
	if err != nil {
		return Result{}, err
	}

	outcome, err := reward.Calculate(candles, params, s.opts)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Reward:       outcome.Reward,
		Armed:        outcome.Armed,
		ExitedByStop: outcome.ExitedByStop,
		ExitTime:     outcome.ExitTime,
		Targets:      outcome.Targets,
		Touched:      outcome.TouchedCount(),
		Candles:      len(candles),
	}
	if len(candles) > 0 {
		result.Exchange = candles[0].Source
	}
	return result, nil
}
