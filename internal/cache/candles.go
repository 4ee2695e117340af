package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/signal-settler/internal/candle"
	"github.com/amirphl/signal-settler/internal/exchange"
	"github.com/amirphl/signal-settler/internal/marketdata"
	"github.com/amirphl/signal-settler/internal/tfutils"
	"github.com/amirphl/signal-settler/internal/utils"
	"github.com/redis/go-redis/v9"
)

// Fetcher is the candle source being cached.
type Fetcher interface {
	Fetch(ctx context.Context, req marketdata.Request) ([]candle.Candle, error)
}

// CachedFetcher serves windows that have fully closed from Redis.
// Open windows always go to the wrapped fetcher since their last candle may
// still change.
type CachedFetcher struct {
	next   Fetcher
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewCachedFetcher(next Fetcher, client *redis.Client, prefix string, ttl time.Duration) *CachedFetcher {
	return &CachedFetcher{
		next:   next,
		client: client,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Key identifies a window. Venue order is part of the key because it decides
// which venue serves the window.
func Key(prefix string, req marketdata.Request) string {
	venues := make([]string, len(req.Exchanges))
	for i, v := range req.Exchanges {
		venues[i] = strings.ToLower(strings.TrimSpace(v))
	}
	key := fmt.Sprintf("candles:%s|%s|%s|%d|%d",
		strings.Join(venues, ","),
		exchange.NormalizeSymbol(req.Symbol),
		req.Timeframe,
		req.Start.UnixMilli(),
		req.End.UnixMilli())
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}

func (c *CachedFetcher) closed(req marketdata.Request) bool {
	d, err := tfutils.ParseTimeframe(req.Timeframe)
	if err != nil {
		return false
	}
	return !req.End.Add(d).After(c.now())
}

func (c *CachedFetcher) Fetch(ctx context.Context, req marketdata.Request) ([]candle.Candle, error) {
	if !c.closed(req) {
		return c.next.Fetch(ctx, req)
	}

	key := Key(c.prefix, req)
	if candles, ok := c.get(ctx, key); ok {
		return candles, nil
	}

	candles, err := c.next.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, candles)
	return candles, nil
}

func (c *CachedFetcher) get(ctx context.Context, key string) ([]candle.Candle, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		utils.GetLogger().Warnf("CandleCache | get %s failed, bypassing: %v", key, err)
		return nil, false
	}

	var candles []candle.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		utils.GetLogger().Warnf("CandleCache | corrupt entry %s: %v", key, err)
		return nil, false
	}
	utils.GetLogger().Debugf("CandleCache | hit %s (%d candles)", key, len(candles))
	return candles, true
}

func (c *CachedFetcher) set(ctx context.Context, key string, candles []candle.Candle) {
	data, err := json.Marshal(candles)
	if err != nil {
		utils.GetLogger().Warnf("CandleCache | encode %s: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		utils.GetLogger().Warnf("CandleCache | set %s failed: %v", key, err)
	}
}
