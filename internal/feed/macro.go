package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crypto-signals/internal/config"
	"crypto-signals/pkg/types"
)

// Observation is one raw macro data point. A nil Value means the
// upstream reported no observation for that date (FRED encodes this as
// the literal string ".").
type Observation struct {
	Date  string
	Value *float64
}

// MacroProvider is the narrow contract the macro collector consumes.
type MacroProvider interface {
	FetchObservations(ctx context.Context, seriesID string, start, end time.Time) ([]Observation, error)
}

// MacroClient talks to the FRED-compatible macro feed.
type MacroClient struct {
	http   *resty.Client
	apiKey string
	rl     *RateLimiter
	logger *slog.Logger
}

// macroObservation mirrors the upstream JSON. Value is a string because
// the provider sends exact decimal strings and "." for missing data.
type macroObservation struct {
	Date  string `json:"date"`
	Value string `json:"value"`
}

type macroResponse struct {
	Observations []macroObservation `json:"observations"`
}

// NewMacroClient creates a macro-feed client with rate limiting.
func NewMacroClient(cfg config.FeedsConfig, rl *RateLimiter, logger *slog.Logger) *MacroClient {
	httpClient := resty.New().
		SetBaseURL(cfg.MacroBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")

	return &MacroClient{
		http:   httpClient,
		apiKey: cfg.MacroAPIKey,
		rl:     rl,
		logger: logger.With("component", "macro_feed"),
	}
}

// FetchObservations fetches observations for one series over [start, end].
// Missing values are preserved as nil, never coerced to zero; values
// that fail exact-decimal parsing are treated as missing and logged.
func (c *MacroClient) FetchObservations(ctx context.Context, seriesID string, start, end time.Time) ([]Observation, error) {
	if err := c.rl.Macro.Wait(ctx); err != nil {
		return nil, &Error{Kind: types.ErrNetwork, Detail: err.Error()}
	}

	var result macroResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"series_id":         seriesID,
			"observation_start": start.UTC().Format("2006-01-02"),
			"observation_end":   end.UTC().Format("2006-01-02"),
			"file_type":         "json",
			"api_key":           c.apiKey,
		}).
		SetResult(&result).
		Get("/series/observations")
	if ferr := Categorize(resp, err); ferr != nil {
		return nil, ferr
	}

	out := make([]Observation, 0, len(result.Observations))
	for _, obs := range result.Observations {
		o := Observation{Date: obs.Date}
		if obs.Value != "" && obs.Value != "." {
			d, err := decimal.NewFromString(obs.Value)
			if err != nil {
				c.logger.Warn("unparseable observation value",
					"series", seriesID, "date", obs.Date, "value", obs.Value)
			} else {
				f, _ := d.Float64()
				o.Value = &f
			}
		}
		out = append(out, o)
	}
	c.logger.Debug("fetched observations", "series", seriesID, "count", len(out))
	return out, nil
}

// compile-time interface check
var _ MacroProvider = (*MacroClient)(nil)
