// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/amirphl/signal-settler/internal/candle"
	"github.com/amirphl/signal-settler/internal/config"
)

// DefaultPageSize is the number of candles requested per upstream call.
const DefaultPageSize = 1000

var ErrUnknownExchange = errors.New("unknown exchange")

// Exchange is a source of historical candles.
type Exchange interface {
	Name() string
	// FetchCandles returns one page of at most limit candles opening at or after since,
	// in ascending order. An empty page means there is no more data.
	FetchCandles(ctx context.Context, symbol string, timeframe string, since time.Time, limit int) ([]candle.Candle, error)
}

// Registry maps venue names to exchanges.
type Registry struct {
	venues map[string]Exchange
}

func NewRegistry() *Registry {
	return &Registry{venues: make(map[string]Exchange)}
}

// NewRegistryFromConfig builds one exchange per configured venue.
func NewRegistryFromConfig(venues []config.VenueConfig) (*Registry, error) {
	r := NewRegistry()
	for _, v := range venues {
		var ex Exchange
		switch strings.ToLower(v.Kind) {
		case "binance":
			b, err := NewBinanceExchange(v.Name, v.BaseURL, v.ProxyURL, v.RequestsPerSecond)
			if err != nil {
				return nil, fmt.Errorf("venue %s: %w", v.Name, err)
			}
			ex = b
		case "wallex":
			ex = NewWallexExchange(v.Name, v.APIKey)
		default:
			return nil, fmt.Errorf("venue %s: unsupported kind %q", v.Name, v.Kind)
		}
		r.Register(ex)
	}
	return r, nil
}

func (r *Registry) Register(ex Exchange) {
	r.venues[strings.ToLower(ex.Name())] = ex
}

// Lookup finds a venue by name, case-insensitively.
func (r *Registry) Lookup(name string) (Exchange, error) {
	ex, ok := r.venues[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	return ex, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.venues))
	for name := range r.venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeSymbol turns "BTC/USDT", "BTC-USDT" or "btcusdt" into "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	return s
}
