// Package exchange implements the Binance USDT-M futures REST and
// WebSocket clients.
//
// The REST client (Client) covers the market-data endpoints the pipeline
// needs:
//   - DepthSnapshot: GET /fapi/v1/depth        — seed or resync a book
//   - Klines:        GET /fapi/v1/klines       — HTF backfill bars
//   - OpenInterest:  GET /fapi/v1/openInterest — polled OI reading
//   - PremiumIndex:  GET /fapi/v1/premiumIndex — mark/index/funding
//
// Every request passes a per-category token bucket first and is retried
// on 5xx. All endpoints are public; no request signing is involved.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"perpflow/pkg/types"
)

// Client is the Binance futures REST client.
// It wraps a resty HTTP client with rate limiting and retry.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewClient creates a REST client against the given host
// (normally fapi.binance.com).
func NewClient(restHost string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL("https://" + restHost).
		SetTimeout(5 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange"),
	}
}

// DepthSnapshot fetches the full depth snapshot used to (re)seed a book.
func (c *Client) DepthSnapshot(ctx context.Context, symbol string, limit int) (*types.DepthSnapshot, error) {
	if err := c.rl.Depth.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.DepthSnapshot
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"limit":  fmt.Sprintf("%d", limit),
		}).
		SetResult(&result).
		Get("/fapi/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("depth snapshot: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("depth snapshot: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// Klines fetches up to limit closed bars for the interval, oldest first.
// Satisfies the backfill fetcher contract.
func (c *Client) Klines(ctx context.Context, symbol string, interval types.Timeframe, limit int) ([]types.Kline, error) {
	if err := c.rl.Klines.Wait(ctx); err != nil {
		return nil, err
	}

	var rows []types.RawKline
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": string(interval),
			"limit":    fmt.Sprintf("%d", limit),
		}).
		SetResult(&rows).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("klines: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	bars := make([]types.Kline, 0, len(rows))
	for i, row := range rows {
		bar, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("klines row %d: %w", i, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// OpenInterest fetches the current open interest for a symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (*types.OpenInterestTick, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Symbol       string `json:"symbol"`
		OpenInterest string `json:"openInterest"`
		Time         int64  `json:"time"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/fapi/v1/openInterest")
	if err != nil {
		return nil, fmt.Errorf("open interest: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open interest: status %d: %s", resp.StatusCode(), resp.String())
	}

	value, err := parseWireFloat(result.OpenInterest)
	if err != nil {
		return nil, fmt.Errorf("open interest value: %w", err)
	}
	return &types.OpenInterestTick{
		Symbol: result.Symbol,
		Value:  value,
		TimeMs: result.Time,
	}, nil
}

// PremiumIndex fetches mark price, index price and the current funding
// rate for a symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (*types.FundingTick, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
		Time            int64  `json:"time"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/fapi/v1/premiumIndex")
	if err != nil {
		return nil, fmt.Errorf("premium index: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("premium index: status %d: %s", resp.StatusCode(), resp.String())
	}

	tick := types.FundingTick{
		Symbol:            result.Symbol,
		NextFundingTimeMs: result.NextFundingTime,
		TimeMs:            result.Time,
	}
	var err2 error
	if tick.MarkPrice, err2 = parseWireFloat(result.MarkPrice); err2 != nil {
		return nil, fmt.Errorf("premium index mark: %w", err2)
	}
	if tick.IndexPrice, err2 = parseWireFloat(result.IndexPrice); err2 != nil {
		return nil, fmt.Errorf("premium index index: %w", err2)
	}
	if tick.FundingRate, err2 = parseWireFloat(result.LastFundingRate); err2 != nil {
		return nil, fmt.Errorf("premium index funding: %w", err2)
	}
	return &tick, nil
}

// parseKline decodes one REST kline row:
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKline(row types.RawKline) (types.Kline, error) {
	if len(row) < 6 {
		return types.Kline{}, fmt.Errorf("short row: %d fields", len(row))
	}

	var bar types.Kline
	if err := jsonNumber(row[0], &bar.OpenTime); err != nil {
		return types.Kline{}, fmt.Errorf("openTime: %w", err)
	}
	fields := []struct {
		name string
		dst  *float64
		idx  int
	}{
		{"open", &bar.Open, 1},
		{"high", &bar.High, 2},
		{"low", &bar.Low, 3},
		{"close", &bar.Close, 4},
		{"volume", &bar.Volume, 5},
	}
	for _, f := range fields {
		s, err := jsonString(row[f.idx])
		if err != nil {
			return types.Kline{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if *f.dst, err = parseWireFloat(s); err != nil {
			return types.Kline{}, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return bar, nil
}

func jsonNumber(raw json.RawMessage, dst *int64) error {
	return json.Unmarshal(raw, dst)
}

func jsonString(raw json.RawMessage) (string, error) {
	var s string
	err := json.Unmarshal(raw, &s)
	return s, err
}

// parseWireFloat goes through decimal so malformed wire strings are
// rejected instead of silently truncated.
func parseWireFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}
