package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/signal-settler/internal/candle"
	"github.com/amirphl/signal-settler/internal/tfutils"
	"github.com/amirphl/signal-settler/internal/utils"
	"golang.org/x/time/rate"
)

const (
	defaultBinanceBaseURL = "https://api.binance.com"
	binanceMaxLimit       = 1000
)

// BinanceExchange reads klines from a Binance-compatible REST API.
// Every configured base URL (binance.com, binance.us, mirrors) is its own venue.
type BinanceExchange struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewBinanceExchange(name, baseURL, proxyURL string, requestsPerSecond float64) (*BinanceExchange, error) {
	if name == "" {
		name = "binance"
	}
	if baseURL == "" {
		baseURL = defaultBinanceBaseURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}

	transport := &http.Transport{}
	if proxyURL != "" {
		proxyParsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyParsed)
	}

	return &BinanceExchange{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}, nil
}

func (b *BinanceExchange) Name() string {
	return b.name
}

func (b *BinanceExchange) FetchCandles(ctx context.Context, symbol string, timeframe string, since time.Time, limit int) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{
		"symbol":    {NormalizeSymbol(symbol)},
		"interval":  {timeframe},
		"startTime": {strconv.FormatInt(since.UnixMilli(), 10)},
		"limit":     {strconv.Itoa(limit)},
	}
	apiURL := fmt.Sprintf("%s/api/v3/klines?%s", b.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var rawCandles [][]any
	if err := json.Unmarshal(body, &rawCandles); err != nil {
		return nil, fmt.Errorf("JSON decode error: %w", err)
	}

	candles := make([]candle.Candle, 0, len(rawCandles))
	for _, raw := range rawCandles {
		c, err := parseKline(raw)
		if err != nil {
			utils.GetLogger().Debugf("Exchange | %s skipping kline: %v", b.name, err)
			continue
		}
		c.Symbol = symbol
		c.Timeframe = timeframe
		c.Source = b.name
		candles = append(candles, c)
	}

	return candles, nil
}

// parseKline reads [openTime, open, high, low, close, volume, ...].
func parseKline(raw []any) (candle.Candle, error) {
	if len(raw) < 6 {
		return candle.Candle{}, fmt.Errorf("short kline: %d fields", len(raw))
	}

	var timestamp int64
	switch v := raw[0].(type) {
	case float64:
		timestamp = int64(v)
	case string:
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return candle.Candle{}, fmt.Errorf("error parsing timestamp string: %w", err)
		}
		timestamp = ts
	default:
		return candle.Candle{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}

	var nums [5]float64
	for i := range nums {
		n, err := parseNum(raw[i+1])
		if err != nil {
			return candle.Candle{}, err
		}
		nums[i] = n
	}

	return candle.Candle{
		Timestamp: time.UnixMilli(timestamp).UTC(),
		Open:      nums[0],
		High:      nums[1],
		Low:       nums[2],
		Close:     nums[3],
		Volume:    nums[4],
	}, nil
}

func parseNum(val any) (float64, error) {
	switch n := val.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing float string: %w", err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected number type: %T", n)
	}
}
