package detection

import (
	"context"
	"log/slog"
	"sync/atomic"

	"arc-sentinel/internal/schema"
)

// Result is the outcome of evaluating every rule against one event.
type Result struct {
	// Best is the highest-severity match, nil when nothing fired.
	Best *Match
	// Matches lists every rule that fired, in rule order.
	Matches []*Match
	// Failed lists rules skipped because their history lookup failed.
	Failed []string
}

// Matched reports whether any rule fired.
func (r Result) Matched() bool {
	return r.Best != nil
}

// Engine runs a fixed rule set. It holds no per-event state; windowed rules
// read from history, so results are reproducible from the event store alone.
type Engine struct {
	rules   []Rule
	history History

	evaluated atomic.Uint64
	matched   atomic.Uint64
	failures  atomic.Uint64
}

// NewEngine creates an Engine over the given rules.
func NewEngine(history History, rules ...Rule) *Engine {
	return &Engine{rules: rules, history: history}
}

// Evaluate runs every rule. A rule whose history lookup fails is skipped and
// reported in Result.Failed; the remaining rules still run.
func (e *Engine) Evaluate(ctx context.Context, event *schema.Event) Result {
	e.evaluated.Add(1)

	var res Result
	for _, rule := range e.rules {
		m, err := rule.Evaluate(ctx, event, e.history)
		if err != nil {
			e.failures.Add(1)
			res.Failed = append(res.Failed, rule.ID())
			slog.Warn("detection rule failed",
				"rule", rule.ID(),
				"event_id", event.ID,
				"error", err,
			)
			continue
		}
		if m == nil {
			continue
		}
		res.Matches = append(res.Matches, m)
		if res.Best == nil || m.Severity.Rank() > res.Best.Severity.Rank() {
			res.Best = m
		}
	}

	if res.Best != nil {
		e.matched.Add(1)
	}
	return res
}

// Rules returns the IDs of the configured rules.
func (e *Engine) Rules() []string {
	ids := make([]string, len(e.rules))
	for i, r := range e.rules {
		ids[i] = r.ID()
	}
	return ids
}

// Metrics returns engine statistics.
func (e *Engine) Metrics() EngineMetrics {
	return EngineMetrics{
		Evaluated: e.evaluated.Load(),
		Matched:   e.matched.Load(),
		Failures:  e.failures.Load(),
	}
}

// EngineMetrics holds engine statistics.
type EngineMetrics struct {
	Evaluated uint64 `json:"evaluated"`
	Matched   uint64 `json:"matched"`
	Failures  uint64 `json:"failures"`
}
