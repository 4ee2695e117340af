package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/amirphl/signal-settler/internal/candle"
	"github.com/amirphl/signal-settler/internal/tfutils"
	wallex "github.com/wallexchange/wallex-go"
)

type WallexExchange struct {
	name   string
	client *wallex.Client
}

func NewWallexExchange(name, apiKey string) *WallexExchange {
	if name == "" {
		name = "wallex"
	}
	return &WallexExchange{
		name:   name,
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
	}
}

func (w *WallexExchange) Name() string {
	return w.name
}

// FetchCandles asks Wallex for the range [since, since+limit*timeframe).
// The client has no context support, so cancellation is only checked up front.
func (w *WallexExchange) FetchCandles(ctx context.Context, symbol string, timeframe string, since time.Time, limit int) ([]candle.Candle, error) {
	resolution, err := wallexResolution(timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	to := since.Add(tfutils.GetTimeframeDuration(timeframe) * time.Duration(limit))
	wallexCandles, err := w.client.Candles(NormalizeSymbol(symbol), resolution, since, to)
	if err != nil {
		return nil, fmt.Errorf("fetching candles: %w", err)
	}

	candles := make([]candle.Candle, 0, len(wallexCandles))
	for _, wc := range wallexCandles {
		if wc == nil {
			continue
		}
		ts := wc.Timestamp.UTC()
		if ts.Before(since) {
			continue
		}

		c := candle.Candle{
			Timestamp: ts,
			Open:      parseNumber(wc.Open),
			High:      parseNumber(wc.High),
			Low:       parseNumber(wc.Low),
			Close:     parseNumber(wc.Close),
			Volume:    parseNumber(wc.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    w.name,
		}
		candles = append(candles, c)
		if len(candles) == limit {
			break
		}
	}

	return candles, nil
}

// wallexResolution maps a timeframe to the TradingView-style resolution Wallex expects.
func wallexResolution(timeframe string) (string, error) {
	switch timeframe {
	case "1m":
		return "1", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "30m":
		return "30", nil
	case "1h":
		return "60", nil
	case "2h":
		return "120", nil
	case "4h":
		return "240", nil
	case "6h":
		return "360", nil
	case "12h":
		return "720", nil
	case "1d":
		return "1D", nil
	case "1w":
		return "1W", nil
	default:
		return "", fmt.Errorf("unsupported timeframe for wallex: %s", timeframe)
	}
}

func parseNumber(n wallex.Number) float64 {
	out, _ := strconv.ParseFloat(string(n), 64)
	return out
}
