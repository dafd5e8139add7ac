// Package strategy defines the strategy contract, the compile-time
// registry of strategy constructors, and the runner that executes all
// loaded strategies against a windowed market bundle.
//
// Strategies are instantiated from YAML definition files in a
// configured directory. Discovery is by definition file, not by code
// scan: each definition names a registered type, and the static table
// below maps type names to constructors. Adding a strategy type is a
// source change.
package strategy

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/viper"

	"crypto-signals/pkg/types"
)

// Strategy is the capability set every trading strategy implements.
// Analyze must not mutate the bundle; GenerateSignals must be a pure
// function of the analysis result so the runner can isolate failures.
type Strategy interface {
	// Configure is called once at load time with the definition params.
	Configure(params map[string]any) error
	// DeclaredAssets returns the asset ids this strategy will request.
	DeclaredAssets() []string
	// Analyze computes an opaque per-strategy analysis of the bundle.
	Analyze(bundle types.MarketBundle) (any, error)
	// GenerateSignals converts an analysis result into signals.
	GenerateSignals(analysis any) ([]types.Signal, error)
}

// registry maps definition type names to constructors. New strategy
// types register here.
var registry = map[string]func() Strategy{
	"volatility_breakout": func() Strategy { return &VolatilityBreakout{} },
	"momentum":            func() Strategy { return &Momentum{} },
	"macro_regime":        func() Strategy { return &MacroRegime{} },
}

// New instantiates a registered strategy type.
func New(typeName string) (Strategy, error) {
	ctor, ok := registry[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown strategy type %q", typeName)
	}
	return ctor(), nil
}

// Loaded pairs a configured strategy instance with its definition
// metadata. Weight is the aggregator weight after renormalization.
type Loaded struct {
	Name     string
	Type     string
	Weight   float64
	Strategy Strategy
}

// definition mirrors one YAML definition file.
type definition struct {
	Name    string         `mapstructure:"name"`
	Type    string         `mapstructure:"type"`
	Weight  float64        `mapstructure:"weight"`
	Enabled bool           `mapstructure:"enabled"`
	Params  map[string]any `mapstructure:"params"`
}

// LoadAll reads every *.yaml/*.yml definition under dir, instantiates
// and configures the enabled ones, and renormalizes their weights to
// sum to 1. A definition that fails to load is skipped and logged, not
// fatal: the service should run with the strategies that do load.
func LoadAll(dir string, logger *slog.Logger) ([]Loaded, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read strategies dir: %w", err)
	}

	var loaded []Loaded
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		def, err := readDefinition(filepath.Join(dir, e.Name()))
		if err != nil {
			logger.Warn("skipping strategy definition", "file", e.Name(), "error", err)
			continue
		}
		if !def.Enabled {
			logger.Info("strategy disabled", "name", def.Name)
			continue
		}

		strat, err := New(def.Type)
		if err != nil {
			logger.Warn("skipping strategy definition", "file", e.Name(), "error", err)
			continue
		}
		if err := strat.Configure(def.Params); err != nil {
			logger.Warn("strategy configuration failed", "name", def.Name, "error", err)
			continue
		}

		loaded = append(loaded, Loaded{
			Name:     def.Name,
			Type:     def.Type,
			Weight:   def.Weight,
			Strategy: strat,
		})
	}

	if len(loaded) == 0 {
		return nil, fmt.Errorf("no usable strategy definitions in %s", dir)
	}

	normalizeWeights(loaded, logger)

	// Stable order keeps logs and aggregation deterministic.
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })
	return loaded, nil
}

func readDefinition(path string) (*definition, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}

	def := definition{Enabled: true, Weight: 1}
	if err := v.Unmarshal(&def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("definition missing name")
	}
	if def.Type == "" {
		return nil, fmt.Errorf("definition %s missing type", def.Name)
	}
	if def.Weight <= 0 {
		return nil, fmt.Errorf("definition %s: weight must be > 0", def.Name)
	}
	return &def, nil
}

// normalizeWeights rescales definition weights to sum to 1.
func normalizeWeights(loaded []Loaded, logger *slog.Logger) {
	var sum float64
	for _, l := range loaded {
		sum += l.Weight
	}
	if sum == 0 {
		return
	}
	if sum != 1 {
		logger.Info("renormalizing strategy weights", "declared_sum", sum)
	}
	for i := range loaded {
		loaded[i].Weight /= sum
	}
}

// Weights extracts the name → weight table the aggregator consumes.
func Weights(loaded []Loaded) map[string]float64 {
	out := make(map[string]float64, len(loaded))
	for _, l := range loaded {
		out[l.Name] = l.Weight
	}
	return out
}
