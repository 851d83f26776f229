package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Metrics records optimizer events. A nil *Metrics ignores every call, so
// components can hold one unconditionally.
type Metrics struct {
	rounds         otelmetric.Int64Counter
	failedRounds   otelmetric.Int64Counter
	reviews        otelmetric.Int64Counter
	mergeItems     otelmetric.Int64Counter
	oracleFailures otelmetric.Int64Counter
	roundResult    otelmetric.Float64Histogram
	improvement    otelmetric.Float64Histogram
	llmTokens      otelmetric.Int64Counter
	llmCost        otelmetric.Float64Counter
}

// NewMetrics registers the optimizer instruments on meter.
func NewMetrics(meter otelmetric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.rounds, err = meter.Int64Counter("dbadvisor_rounds",
		otelmetric.WithDescription("Evaluated optimization rounds")); err != nil {
		return nil, err
	}
	if m.failedRounds, err = meter.Int64Counter("dbadvisor_failed_rounds",
		otelmetric.WithDescription("Rounds whose plan could not be evaluated")); err != nil {
		return nil, err
	}
	if m.reviews, err = meter.Int64Counter("dbadvisor_reviews",
		otelmetric.WithDescription("Reviewer decisions by opinion")); err != nil {
		return nil, err
	}
	if m.mergeItems, err = meter.Int64Counter("dbadvisor_merge_items",
		otelmetric.WithDescription("Recommended items merged into plans by agent and outcome")); err != nil {
		return nil, err
	}
	if m.oracleFailures, err = meter.Int64Counter("dbadvisor_oracle_failures",
		otelmetric.WithDescription("Degraded oracle calls by kind")); err != nil {
		return nil, err
	}
	if m.roundResult, err = meter.Float64Histogram("dbadvisor_round_result",
		otelmetric.WithDescription("Benchmark result of each evaluated round")); err != nil {
		return nil, err
	}
	if m.improvement, err = meter.Float64Histogram("dbadvisor_improvement_percent",
		otelmetric.WithDescription("Improvement over baseline in percent"), otelmetric.WithUnit("%")); err != nil {
		return nil, err
	}
	if m.llmTokens, err = meter.Int64Counter("dbadvisor_llm_tokens",
		otelmetric.WithDescription("Tokens consumed by oracle calls")); err != nil {
		return nil, err
	}
	if m.llmCost, err = meter.Float64Counter("dbadvisor_llm_cost",
		otelmetric.WithDescription("Estimated oracle spend in USD")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RoundCompleted(ctx context.Context, result, improvement float64, failed bool) {
	if m == nil {
		return
	}
	m.rounds.Add(ctx, 1)
	if failed {
		m.failedRounds.Add(ctx, 1)
		return
	}
	m.roundResult.Record(ctx, result)
	m.improvement.Record(ctx, improvement)
}

func (m *Metrics) ReviewRecorded(ctx context.Context, opinion string) {
	if m == nil {
		return
	}
	m.reviews.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("opinion", opinion)))
}

func (m *Metrics) MergeRecorded(ctx context.Context, agent string, added, overwritten, duplicates, skipped int) {
	if m == nil {
		return
	}
	for outcome, n := range map[string]int{
		"added":       added,
		"overwritten": overwritten,
		"duplicate":   duplicates,
		"skipped":     skipped,
	} {
		if n == 0 {
			continue
		}
		m.mergeItems.Add(ctx, int64(n), otelmetric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *Metrics) OracleFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.oracleFailures.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("kind", kind)))
}

// UsageAdder accumulates oracle spend.
type UsageAdder interface {
	Add(cost float64, tokens int64) error
}

// MeterUsage wraps next so every recorded spend is also counted. The
// returned adder forwards errors from next unchanged.
func (m *Metrics) MeterUsage(next UsageAdder) UsageAdder {
	if m == nil {
		return next
	}
	return meteredUsage{next: next, m: m}
}

type meteredUsage struct {
	next UsageAdder
	m    *Metrics
}

func (u meteredUsage) Add(cost float64, tokens int64) error {
	ctx := context.Background()
	u.m.llmTokens.Add(ctx, tokens)
	u.m.llmCost.Add(ctx, cost)
	if u.next == nil {
		return nil
	}
	return u.next.Add(cost, tokens)
}
