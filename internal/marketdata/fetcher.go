// Package marketdata retrieves the candle history a settlement replays.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/signal-settler/internal/candle"
	"github.com/amirphl/signal-settler/internal/exchange"
	"github.com/amirphl/signal-settler/internal/reward"
	"github.com/amirphl/signal-settler/internal/tfutils"
	"github.com/amirphl/signal-settler/internal/utils"
	"github.com/sirupsen/logrus"
)

var (
	ErrDataUnavailable = errors.New("market data unavailable")
	// ErrInvalidRequest matches reward.ErrInvalidParameters with errors.Is.
	ErrInvalidRequest = fmt.Errorf("%w: market data request", reward.ErrInvalidParameters)
)

// DataUnavailableError reports that no venue produced candles for a window.
type DataUnavailableError struct {
	Exchanges []string
	LastErr   error
}

func (e *DataUnavailableError) Error() string {
	msg := fmt.Sprintf("%s: tried %s", ErrDataUnavailable, strings.Join(e.Exchanges, ", "))
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *DataUnavailableError) Is(target error) bool {
	return target == ErrDataUnavailable
}

func (e *DataUnavailableError) Unwrap() error {
	return e.LastErr
}

// Request names the candles to fetch. Exchanges are tried in order.
type Request struct {
	Exchanges []string
	Symbol    string
	Timeframe string
	Start     time.Time
	End       time.Time
}

func (r Request) Validate() error {
	if len(r.Exchanges) == 0 {
		return fmt.Errorf("%w: no exchange candidates", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if !tfutils.IsValidTimeframe(r.Timeframe) {
		return fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidRequest, r.Timeframe)
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidRequest)
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrInvalidRequest,
			r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Lookup resolves a venue name.
type Lookup interface {
	Lookup(name string) (exchange.Exchange, error)
}

type Fetcher struct {
	venues   Lookup
	pageSize int
}

func NewFetcher(venues Lookup, pageSize int) *Fetcher {
	if pageSize <= 0 {
		pageSize = exchange.DefaultPageSize
	}
	return &Fetcher{venues: venues, pageSize: pageSize}
}

// Fetch returns the candles of the window from the first venue that has any.
// A venue that errors is abandoned without retry; the next one is tried.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]candle.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	for _, name := range req.Exchanges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log := utils.GetLogger().WithFields(logrus.Fields{
			"exchange":  name,
			"symbol":    req.Symbol,
			"timeframe": req.Timeframe,
		})

		ex, err := f.venues.Lookup(name)
		if err != nil {
			log.Warnf("Fetcher | skipping venue: %v", err)
			lastErr = err
			continue
		}

		candles, err := f.fetchFrom(ctx, ex, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warnf("Fetcher | venue failed: %v", err)
			lastErr = fmt.Errorf("%s: %w", ex.Name(), err)
			continue
		}
		if len(candles) == 0 {
			log.Info("Fetcher | venue returned no candles")
			continue
		}

		log.WithField("candles", len(candles)).Debug("Fetcher | venue served window")
		return candles, nil
	}

	return nil, &DataUnavailableError{Exchanges: req.Exchanges, LastErr: lastErr}
}

// fetchFrom pages through one venue from the floored start until end.
// At least one page is requested, so a window whose floored start equals end
// still gets its single candle. Candles outside [floored start, end] are dropped.
func (f *Fetcher) fetchFrom(ctx context.Context, ex exchange.Exchange, req Request) ([]candle.Candle, error) {
	start := tfutils.FloorToTimeframe(req.Start, req.Timeframe)
	end := req.End.UTC()
	cursor := start

	var all []candle.Candle
	for {
		page, err := ex.FetchCandles(ctx, req.Symbol, req.Timeframe, cursor, f.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)

		next := page[len(page)-1].Timestamp.Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
		if !cursor.Before(end) {
			break
		}
	}

	all = candle.SortAndDedupe(all)
	all = candle.Window(all, start, end)

	valid := all[:0]
	for _, c := range all {
		if err := c.Validate(); err != nil {
			utils.GetLogger().Debugf("Fetcher | %s dropping candle at %s: %v", ex.Name(), c.Timestamp.Format(time.RFC3339), err)
			continue
		}
		valid = append(valid, c)
	}
	return valid, nil
}
