package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"crypto-signals/internal/config"
	"crypto-signals/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestMarketClient(serverURL string) *MarketClient {
	cfg := config.FeedsConfig{
		MarketBaseURL:  serverURL,
		RequestTimeout: 5 * time.Second,
	}
	return NewMarketClient(cfg, NewRateLimiter(), testLogger())
}

func TestFetchOHLCParsesRows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/bitcoin/ohlc" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("days"); got != "7" {
			t.Errorf("days = %s, want 7", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[[1700000000000,100.0,101.0,99.0,100.5],[1700000900000,100.5,102.0,100.0,101.5]]`))
	}))
	defer srv.Close()

	points, err := newTestMarketClient(srv.URL).FetchOHLC(context.Background(), "bitcoin", 7)
	if err != nil {
		t.Fatalf("FetchOHLC: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2", len(points))
	}
	if points[0].Timestamp != 1700000000000 || points[0].Close != 100.5 {
		t.Errorf("first point wrong: %+v", points[0])
	}
}

func TestFetchOHLCSkipsShortRows(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1700000000000,100.0,101.0,99.0,100.5],[1700000900000]]`))
	}))
	defer srv.Close()

	points, err := newTestMarketClient(srv.URL).FetchOHLC(context.Background(), "bitcoin", 1)
	if err != nil {
		t.Fatalf("FetchOHLC: %v", err)
	}
	if len(points) != 1 {
		t.Errorf("points = %d, want 1 (short row skipped)", len(points))
	}
}

func TestFetchVolumes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"total_volumes":[[1700000000000,12345.6]]}`))
	}))
	defer srv.Close()

	points, err := newTestMarketClient(srv.URL).FetchVolumes(context.Background(), "bitcoin", 1)
	if err != nil {
		t.Fatalf("FetchVolumes: %v", err)
	}
	if len(points) != 1 || points[0].Volume != 12345.6 {
		t.Errorf("volumes wrong: %+v", points)
	}
}

func TestFetchOHLCCategorizesStatuses(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   types.ErrorKind
		wantRetry  time.Duration
	}{
		{"rate limit with hint", http.StatusTooManyRequests, "60", types.ErrRateLimit, 60 * time.Second},
		{"rate limit without hint", http.StatusTooManyRequests, "", types.ErrRateLimit, 0},
		{"server error", http.StatusBadGateway, "", types.ErrServer, 0},
		{"client error", http.StatusNotFound, "", types.ErrClient, 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			_, err := newTestMarketClient(srv.URL).FetchOHLC(context.Background(), "bitcoin", 1)
			var ferr *Error
			if !errors.As(err, &ferr) {
				t.Fatalf("expected *feed.Error, got %v", err)
			}
			if ferr.Kind != tc.wantKind {
				t.Errorf("kind = %s, want %s", ferr.Kind, tc.wantKind)
			}
			if ferr.RetryAfter != tc.wantRetry {
				t.Errorf("retry after = %v, want %v", ferr.RetryAfter, tc.wantRetry)
			}
		})
	}
}

func TestFetchOHLCNetworkError(t *testing.T) {
	t.Parallel()

	// Server that is immediately closed produces a connection error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newTestMarketClient(srv.URL).FetchOHLC(context.Background(), "bitcoin", 1)
	var ferr *Error
	if !errors.As(err, &ferr) {
		t.Fatalf("expected *feed.Error, got %v", err)
	}
	if ferr.Kind != types.ErrNetwork {
		t.Errorf("kind = %s, want network", ferr.Kind)
	}
}

func TestMacroFetchObservations(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("series_id") != "VIXCLS" {
			t.Errorf("series_id = %s", q.Get("series_id"))
		}
		if q.Get("api_key") != "test-key" {
			t.Errorf("api_key = %s", q.Get("api_key"))
		}
		w.Write([]byte(`{"observations":[
			{"date":"2023-11-13","value":"14.21"},
			{"date":"2023-11-14","value":"."},
			{"date":"2023-11-15","value":"garbage"}
		]}`))
	}))
	defer srv.Close()

	cfg := config.FeedsConfig{MacroBaseURL: srv.URL, MacroAPIKey: "test-key", RequestTimeout: 5 * time.Second}
	client := NewMacroClient(cfg, NewRateLimiter(), testLogger())

	start := time.Date(2023, 11, 13, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC)
	obs, err := client.FetchObservations(context.Background(), "VIXCLS", start, end)
	if err != nil {
		t.Fatalf("FetchObservations: %v", err)
	}
	if len(obs) != 3 {
		t.Fatalf("observations = %d, want 3", len(obs))
	}
	if obs[0].Value == nil || *obs[0].Value != 14.21 {
		t.Errorf("first value wrong: %+v", obs[0])
	}
	if obs[1].Value != nil {
		t.Error(`"." must be preserved as missing, not zero`)
	}
	if obs[2].Value != nil {
		t.Error("unparseable value must be treated as missing")
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	if d := parseRetryAfter("90"); d != 90*time.Second {
		t.Errorf("parseRetryAfter(90) = %v", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Errorf("parseRetryAfter(empty) = %v", d)
	}
	if d := parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"); d != 0 {
		t.Errorf("parseRetryAfter(http-date) = %v", d)
	}
}
