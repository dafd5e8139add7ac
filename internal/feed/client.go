// Package feed implements the upstream HTTP providers: the CoinGecko-style
// price feed and the FRED-style macro feed.
//
// Both clients are thin resty shells that return raw provider row shapes;
// translation into canonical store rows (and all validation) happens in
// the collector layer. Every request is rate-limited via per-provider
// TokenBuckets, and every failure is returned as a categorized *Error so
// the scheduler can apply its retry policy without inspecting strings.
package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"crypto-signals/internal/config"
	"crypto-signals/pkg/types"
)

// OHLCPoint is one raw candle from the price feed: [ts, o, h, l, c].
type OHLCPoint struct {
	Timestamp int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// VolumePoint is one raw volume observation: [ts, v].
type VolumePoint struct {
	Timestamp int64
	Volume    float64
}

// MarketDataProvider is the narrow contract the crypto collector consumes.
type MarketDataProvider interface {
	FetchOHLC(ctx context.Context, assetID string, days int) ([]OHLCPoint, error)
	FetchVolumes(ctx context.Context, assetID string, days int) ([]VolumePoint, error)
}

// MarketClient talks to the CoinGecko-compatible price feed.
type MarketClient struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewMarketClient creates a price-feed client with rate limiting.
func NewMarketClient(cfg config.FeedsConfig, rl *RateLimiter, logger *slog.Logger) *MarketClient {
	httpClient := resty.New().
		SetBaseURL(cfg.MarketBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.UpstreamAPIKey != "" {
		httpClient.SetHeader("x-cg-demo-api-key", cfg.UpstreamAPIKey)
	}

	return &MarketClient{
		http:   httpClient,
		rl:     rl,
		logger: logger.With("component", "market_feed"),
	}
}

// FetchOHLC fetches candles for one asset over a days lookback.
// The provider returns rows of the form [ts_ms, open, high, low, close].
func (c *MarketClient) FetchOHLC(ctx context.Context, assetID string, days int) ([]OHLCPoint, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, &Error{Kind: types.ErrNetwork, Detail: err.Error()}
	}

	var raw [][]float64
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", assetID).
		SetQueryParams(map[string]string{
			"vs_currency": "usd",
			"days":        fmt.Sprintf("%d", days),
		}).
		SetResult(&raw).
		Get("/coins/{id}/ohlc")
	if ferr := Categorize(resp, err); ferr != nil {
		return nil, ferr
	}

	points := make([]OHLCPoint, 0, len(raw))
	for _, row := range raw {
		if len(row) < 5 {
			continue
		}
		points = append(points, OHLCPoint{
			Timestamp: int64(row[0]),
			Open:      row[1],
			High:      row[2],
			Low:       row[3],
			Close:     row[4],
		})
	}
	c.logger.Debug("fetched ohlc", "asset", assetID, "days", days, "points", len(points))
	return points, nil
}

// marketChartResponse is the subset of the market_chart payload we read.
type marketChartResponse struct {
	TotalVolumes [][]float64 `json:"total_volumes"`
}

// FetchVolumes fetches trade volumes for one asset over a days lookback.
func (c *MarketClient) FetchVolumes(ctx context.Context, assetID string, days int) ([]VolumePoint, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, &Error{Kind: types.ErrNetwork, Detail: err.Error()}
	}

	var result marketChartResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", assetID).
		SetQueryParams(map[string]string{
			"vs_currency": "usd",
			"days":        fmt.Sprintf("%d", days),
		}).
		SetResult(&result).
		Get("/coins/{id}/market_chart")
	if ferr := Categorize(resp, err); ferr != nil {
		return nil, ferr
	}

	points := make([]VolumePoint, 0, len(result.TotalVolumes))
	for _, row := range result.TotalVolumes {
		if len(row) < 2 {
			continue
		}
		points = append(points, VolumePoint{Timestamp: int64(row[0]), Volume: row[1]})
	}
	return points, nil
}

// compile-time interface check
var _ MarketDataProvider = (*MarketClient)(nil)
