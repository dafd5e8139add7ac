package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"crypto-signals/internal/config"
	"crypto-signals/pkg/types"
)

// defaultSendTimeout bounds one outbound POST when no timeout is
// configured, so a slow sink cannot stall the scheduler tick.
const defaultSendTimeout = 10 * time.Second

// payload is the JSON body POSTed to a sink. Strategy and Analysis are
// only set on per-strategy deliveries.
type payload struct {
	Asset      string          `json:"asset"`
	Direction  types.Direction `json:"direction"`
	Price      float64         `json:"price"`
	Confidence float64         `json:"confidence"`
	Strength   types.Strength  `json:"strength"`
	Timestamp  int64           `json:"timestamp"`
	Strategies []string        `json:"strategy_list,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	Analysis   map[string]any  `json:"analysis,omitempty"`
}

// sink is one webhook endpoint with its filters and delivery state.
// lastSuccess only advances on a 2xx response, so a failed attempt
// does not burn the rate-limit window.
type sink struct {
	name        string
	url         string
	minConf     float64
	minStrength types.Strength
	assets      map[string]struct{}
	window      time.Duration

	mu          sync.Mutex
	lastSuccess time.Time
	failures    int
}

func newSink(name string, cfg config.SinkConfig) *sink {
	assets := make(map[string]struct{}, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets[a] = struct{}{}
	}
	return &sink{
		name:        name,
		url:         cfg.URL,
		minConf:     cfg.MinConfidence,
		minStrength: types.ParseStrength(cfg.MinStrength),
		assets:      assets,
		window:      time.Duration(cfg.RateLimitSeconds) * time.Second,
	}
}

// admit applies the four per-sink filters. The returned reason is for
// the suppression log line.
func (s *sink) admit(sig types.Signal, now time.Time) (bool, string) {
	if sig.Confidence < s.minConf {
		return false, "confidence below sink minimum"
	}
	if sig.Strength.Rank() < s.minStrength.Rank() {
		return false, "strength below sink minimum"
	}
	if len(s.assets) > 0 {
		if _, ok := s.assets[sig.AssetID]; !ok {
			return false, "asset not allowed for sink"
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window > 0 && !s.lastSuccess.IsZero() && now.Sub(s.lastSuccess) < s.window {
		return false, "inside rate-limit window"
	}
	return true, ""
}

func (s *sink) recordSuccess(now time.Time) {
	s.mu.Lock()
	s.lastSuccess = now
	s.mu.Unlock()
}

func (s *sink) recordFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

// Dispatcher forwards signals to the aggregate sink and to per-
// strategy sinks. Delivery is fire-and-forget: a failure is counted,
// logged, and never retried, since the alert file on disk is the
// source of truth.
type Dispatcher struct {
	client     *resty.Client
	aggregate  *sink
	strategies map[string]*sink
	now        func() time.Time
	logger     *slog.Logger
}

func NewDispatcher(cfg config.WebhooksConfig, now func() time.Time, logger *slog.Logger) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	d := &Dispatcher{
		client:     resty.New().SetTimeout(timeout),
		strategies: make(map[string]*sink),
		now:        now,
		logger:     logger.With("component", "webhook_dispatcher"),
	}
	if cfg.Aggregate.URL != "" {
		d.aggregate = newSink("aggregate", cfg.Aggregate)
	}
	for name, sc := range cfg.Strategies {
		if sc.URL != "" {
			d.strategies[name] = newSink(name, sc)
		}
	}
	return d
}

// DispatchAggregate sends consolidated signals to the aggregate sink,
// in order, and returns how many were delivered.
func (d *Dispatcher) DispatchAggregate(ctx context.Context, signals []types.Signal) int {
	if d.aggregate == nil {
		return 0
	}
	sent := 0
	for _, sig := range signals {
		body := payload{
			Asset:      sig.AssetID,
			Direction:  sig.Direction,
			Price:      sig.Price,
			Confidence: sig.Confidence,
			Strength:   sig.Strength,
			Timestamp:  sig.Timestamp,
			Strategies: contributingStrategies(sig),
		}
		if d.send(ctx, d.aggregate, sig, body) {
			sent++
		}
	}
	return sent
}

// DispatchPerStrategy fans each strategy's signals out to its own
// sink. Sinks are independent, so they run concurrently; deliveries
// within one sink stay sequential to keep the rate-limit window
// meaningful.
func (d *Dispatcher) DispatchPerStrategy(ctx context.Context, byStrategy map[string][]types.Signal) int {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for name, signals := range byStrategy {
		snk, ok := d.strategies[name]
		if !ok || len(signals) == 0 {
			continue
		}
		wg.Add(1)
		go func(name string, snk *sink, signals []types.Signal) {
			defer wg.Done()
			sent := 0
			for _, sig := range signals {
				body := payload{
					Asset:      sig.AssetID,
					Direction:  sig.Direction,
					Price:      sig.Price,
					Confidence: sig.Confidence,
					Strength:   sig.Strength,
					Timestamp:  sig.Timestamp,
					Strategy:   name,
					Analysis:   sig.Analysis,
				}
				if d.send(ctx, snk, sig, body) {
					sent++
				}
			}
			mu.Lock()
			total += sent
			mu.Unlock()
		}(name, snk, signals)
	}
	wg.Wait()
	return total
}

// send runs the sink filters and performs one POST. Suppression is
// logged at debug level and is not an error.
func (d *Dispatcher) send(ctx context.Context, snk *sink, sig types.Signal, body payload) bool {
	now := d.now()
	if ok, reason := snk.admit(sig, now); !ok {
		d.logger.Debug("webhook suppressed",
			"sink", snk.name, "asset", sig.AssetID, "reason", reason)
		return false
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(snk.url)
	if err != nil || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		snk.recordFailure()
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		d.logger.Warn("webhook delivery failed",
			"sink", snk.name, "asset", sig.AssetID, "status", status, "error", err)
		return false
	}

	snk.recordSuccess(now)
	d.logger.Info("webhook delivered", "sink", snk.name, "asset", sig.AssetID)
	return true
}

// LastSuccess exports each sink's last-successful-send timestamp for
// the persisted state snapshot.
func (d *Dispatcher) LastSuccess() map[string]time.Time {
	out := make(map[string]time.Time)
	for _, snk := range d.allSinks() {
		snk.mu.Lock()
		if !snk.lastSuccess.IsZero() {
			out[snk.name] = snk.lastSuccess
		}
		snk.mu.Unlock()
	}
	return out
}

// RestoreLastSuccess seeds sink rate-limit clocks from a persisted
// snapshot. Unknown sink names are ignored.
func (d *Dispatcher) RestoreLastSuccess(stamps map[string]time.Time) {
	for _, snk := range d.allSinks() {
		if ts, ok := stamps[snk.name]; ok {
			snk.mu.Lock()
			snk.lastSuccess = ts
			snk.mu.Unlock()
		}
	}
}

// Failures reports the per-sink failure counters.
func (d *Dispatcher) Failures() map[string]int {
	out := make(map[string]int)
	for _, snk := range d.allSinks() {
		snk.mu.Lock()
		out[snk.name] = snk.failures
		snk.mu.Unlock()
	}
	return out
}

func (d *Dispatcher) allSinks() []*sink {
	var out []*sink
	if d.aggregate != nil {
		out = append(out, d.aggregate)
	}
	for _, snk := range d.strategies {
		out = append(out, snk)
	}
	return out
}
