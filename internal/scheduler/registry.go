package scheduler

import (
	"context"
	"fmt"
	"time"

	"crypto-signals/internal/config"
	"crypto-signals/internal/state"
	"crypto-signals/pkg/types"
)

// Collector is what the scheduler invokes per task: one logical
// collection for one subject (asset or indicator) over a day window.
type Collector interface {
	Collect(ctx context.Context, subjectID string, days int) types.CollectorResult
}

// Collection windows per tier, in days. High-frequency fetches stay
// small to keep upstream usage inside the tier cadences.
const (
	highFrequencyWindowDays = 1
	hourlyWindowDays        = 30
	macroWindowDays         = 90
)

// Task is one schedulable unit of collection work. The scheduler is
// the only mutator of LastRun, ConsecutiveFailures and Enabled.
type Task struct {
	ID                  string
	SubjectID           string
	Tier                types.Tier
	Days                int
	Collector           Collector
	LastRun             *time.Time
	ConsecutiveFailures int
	Enabled             bool
}

// TaskID builds the canonical "{tier}_{subject}" identifier used in the
// state snapshot.
func TaskID(tier types.Tier, subjectID string) string {
	switch tier {
	case types.TierHighFrequency:
		return "hf_" + subjectID
	case types.TierHourly:
		return "hourly_" + subjectID
	case types.TierMacro:
		return "macro_" + subjectID
	default:
		return fmt.Sprintf("%s_%s", tier, subjectID)
	}
}

// Registry is the in-memory task table, owned by the scheduler worker.
type Registry struct {
	tasks map[string]*Task
	order []string
}

// BuildRegistry constructs the task table from the configured asset and
// indicator lists. Every task starts enabled with no run history.
func BuildRegistry(assets config.AssetsConfig, crypto, macro Collector) *Registry {
	r := &Registry{tasks: make(map[string]*Task)}
	for _, a := range assets.HighFrequency {
		r.add(&Task{
			ID:        TaskID(types.TierHighFrequency, a),
			SubjectID: a,
			Tier:      types.TierHighFrequency,
			Days:      highFrequencyWindowDays,
			Collector: crypto,
			Enabled:   true,
		})
	}
	for _, a := range assets.Hourly {
		r.add(&Task{
			ID:        TaskID(types.TierHourly, a),
			SubjectID: a,
			Tier:      types.TierHourly,
			Days:      hourlyWindowDays,
			Collector: crypto,
			Enabled:   true,
		})
	}
	for _, ind := range assets.MacroIndicators {
		r.add(&Task{
			ID:        TaskID(types.TierMacro, ind),
			SubjectID: ind,
			Tier:      types.TierMacro,
			Days:      macroWindowDays,
			Collector: macro,
			Enabled:   true,
		})
	}
	return r
}

func (r *Registry) add(t *Task) {
	if _, exists := r.tasks[t.ID]; exists {
		return
	}
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
}

// Lookup returns the task with the given id.
func (r *Registry) Lookup(id string) (*Task, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

// ByTier returns the tier's tasks in registration order.
func (r *Registry) ByTier(tier types.Tier) []*Task {
	var out []*Task
	for _, id := range r.order {
		if t := r.tasks[id]; t.Tier == tier {
			out = append(out, t)
		}
	}
	return out
}

// All returns every task in registration order.
func (r *Registry) All() []*Task {
	out := make([]*Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id])
	}
	return out
}

// Overlay applies persisted task state on top of the configured table.
// Snapshot entries for tasks that no longer exist in configuration are
// discarded; configured tasks absent from the snapshot keep defaults.
func (r *Registry) Overlay(tasks map[string]state.TaskState) {
	for id, ts := range tasks {
		t, ok := r.tasks[id]
		if !ok {
			continue
		}
		t.LastRun = ts.LastCollection
		t.ConsecutiveFailures = ts.ConsecutiveFailures
		t.Enabled = ts.Enabled
	}
}

// Export renders the task table in snapshot form, sorted keys left to
// the JSON encoder.
func (r *Registry) Export() map[string]state.TaskState {
	out := make(map[string]state.TaskState, len(r.tasks))
	for id, t := range r.tasks {
		out[id] = state.TaskState{
			LastCollection:      t.LastRun,
			ConsecutiveFailures: t.ConsecutiveFailures,
			Enabled:             t.Enabled,
		}
	}
	return out
}

// Tiers lists the scheduling tiers in strict priority order.
func Tiers() []types.Tier {
	return []types.Tier{types.TierHighFrequency, types.TierHourly, types.TierMacro}
}
