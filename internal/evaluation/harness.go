package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

// NotRunnable is the sentinel result for a plan that could not be measured.
const NotRunnable = -1.0

// ErrNoWorkload is returned by benchmarks that find nothing to run.
var ErrNoWorkload = errors.New("no benchmark workload")

// Harness measures a plan. Results are non-negative; a negative value means
// the plan could not be run.
type Harness interface {
	Evaluate(ctx context.Context, p *plan.Plan) float64
}

// Direction says which way the metric improves.
type Direction string

const (
	LowerIsBetter  Direction = "lower"
	HigherIsBetter Direction = "higher"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case "", LowerIsBetter:
		return LowerIsBetter, nil
	case HigherIsBetter:
		return HigherIsBetter, nil
	}
	return "", fmt.Errorf("unknown metric direction %q", s)
}

// Improvement is the percentage gain of result over baseline. A non-positive
// baseline yields 0.
func Improvement(baseline, result float64, dir Direction) float64 {
	if baseline <= 0 {
		return 0
	}
	if dir == HigherIsBetter {
		return (result - baseline) / baseline * 100
	}
	return (baseline - result) / baseline * 100
}

// Better reports whether a beats b under dir.
func Better(a, b float64, dir Direction) bool {
	if dir == HigherIsBetter {
		return a > b
	}
	return a < b
}

// Applier installs a plan on the target and undoes advisor changes.
type Applier interface {
	Apply(ctx context.Context, p *plan.Plan) error
	Reset(ctx context.Context) error
}

// Benchmark runs the workload and returns one metric value.
type Benchmark interface {
	Run(ctx context.Context) (float64, error)
}

// PlanHarness applies a plan, then benchmarks it.
type PlanHarness struct {
	applier Applier
	bench   Benchmark
	timeout time.Duration
	logger  *log.Logger
}

// NewPlanHarness builds a harness. applier may be nil when the benchmark
// applies plans itself.
func NewPlanHarness(applier Applier, bench Benchmark, timeout time.Duration, logger *log.Logger) *PlanHarness {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	return &PlanHarness{applier: applier, bench: bench, timeout: timeout, logger: logger}
}

func (h *PlanHarness) Evaluate(ctx context.Context, p *plan.Plan) float64 {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	if h.applier != nil && p != nil {
		// Each plan is measured on its own, not on top of the last one.
		if err := h.applier.Reset(ctx); err != nil {
			h.logger.Printf("reset before apply: %v", err)
		}
		if err := h.applier.Apply(ctx, p); err != nil {
			h.logger.Printf("apply plan: %v", err)
			return NotRunnable
		}
	}
	start := time.Now()
	v, err := h.bench.Run(ctx)
	if err != nil {
		h.logger.Printf("benchmark failed after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return NotRunnable
	}
	if v < 0 {
		return NotRunnable
	}
	h.logger.Printf("benchmark result %.4f (%s)", v, time.Since(start).Round(time.Millisecond))
	return v
}

// Reset undoes advisor changes on the target, if an applier is configured.
func (h *PlanHarness) Reset(ctx context.Context) error {
	if h.applier == nil {
		return nil
	}
	return h.applier.Reset(ctx)
}
