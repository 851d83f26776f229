package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dbadvisor/internal/auditlog"
	"github.com/mohammad-safakhou/dbadvisor/internal/budget"
	"github.com/mohammad-safakhou/dbadvisor/internal/evaluation"
	"github.com/mohammad-safakhou/dbadvisor/internal/negotiation"
	"github.com/mohammad-safakhou/dbadvisor/internal/oracle"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
	"github.com/mohammad-safakhou/dbadvisor/internal/workload"
)

var quiet = log.New(io.Discard, "", 0)

type seqHarness struct {
	results []float64
	plans   []*plan.Plan
}

func (h *seqHarness) Evaluate(ctx context.Context, p *plan.Plan) float64 {
	h.plans = append(h.plans, p)
	if len(h.results) == 0 {
		return 1
	}
	v := h.results[0]
	h.results = h.results[1:]
	return v
}

type fixedRecommender struct {
	items   map[oracle.Domain][]plan.Item
	revised map[oracle.Domain][]plan.Item
}

func (f fixedRecommender) Recommend(ctx context.Context, domain oracle.Domain, previous *plan.Plan, wctx *workload.Context) plan.Recommendation {
	return plan.Recommendation{Items: f.items[domain]}
}

func (f fixedRecommender) Revise(ctx context.Context, domain oracle.Domain, comment string, original json.RawMessage, previous *plan.Plan, wctx *workload.Context) plan.Recommendation {
	return plan.Recommendation{Items: f.revised[domain]}
}

type reviewerFunc func(p *plan.Plan, history []plan.HistoryEntry) plan.Decision

func (f reviewerFunc) Review(ctx context.Context, p *plan.Plan, previous *plan.Plan, history []plan.HistoryEntry, wctx *workload.Context) plan.Decision {
	return f(p, history)
}

func accept(p *plan.Plan, history []plan.HistoryEntry) plan.Decision {
	return plan.Decision{Opinion: plan.Accept}
}

type memStore struct {
	created  string
	rounds   []RoundRecord
	finished string
	err      error
}

func (m *memStore) CreateRun(ctx context.Context, runID string, baseline float64, settings json.RawMessage) error {
	m.created = runID
	return m.err
}

func (m *memStore) SaveRound(ctx context.Context, rec RoundRecord) error {
	m.rounds = append(m.rounds, rec)
	return m.err
}

func (m *memStore) FinishRun(ctx context.Context, runID, stopReason string) error {
	m.finished = stopReason
	return m.err
}

type memMirror struct {
	entries []plan.HistoryEntry
}

func (m *memMirror) Push(ctx context.Context, e plan.HistoryEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memMirror) Load(ctx context.Context) ([]plan.HistoryEntry, error) {
	return m.entries, nil
}

func TestEndToEndImprovementAndHistory(t *testing.T) {
	dir := t.TempDir()
	rec := fixedRecommender{items: map[oracle.Domain][]plan.Item{
		oracle.DomainKnobs:   {{Name: "work_mem", Value: json.RawMessage(`"64MB"`)}},
		oracle.DomainIndexes: {{Name: "idx_orders_customer", Table: "orders", Columns: []string{"customer_id"}}},
	}}
	var seen [][]plan.HistoryEntry
	reviewer := reviewerFunc(func(p *plan.Plan, history []plan.HistoryEntry) plan.Decision {
		seen = append(seen, history)
		return plan.Decision{Opinion: plan.Accept}
	})
	controller := negotiation.New(rec, reviewer, nil, negotiation.WithLogger(quiet))
	harness := &seqHarness{results: []float64{100, 80}}
	store := &memStore{}
	loop := New(controller, harness, Config{
		WindowSize: 3,
		MaxRounds:  1,
		PlanLog:    auditlog.Open(filepath.Join(dir, "optimization_plan.json")),
		ResultLog:  auditlog.Open(filepath.Join(dir, "optimization_result.json")),
	}, WithStore(store), WithLogger(quiet))

	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Baseline != 100 || len(report.Rounds) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	r := report.Rounds[0]
	if r.Round != 1 || r.Result != 80 || math.Abs(r.Improvement-20) > 1e-9 {
		t.Fatalf("unexpected round %+v", r)
	}
	if len(r.Plan.Knobs) != 1 || len(r.Plan.Indexes) != 1 {
		t.Fatalf("unexpected plan %+v", r.Plan)
	}
	if !harness.plans[0].IsEmpty() {
		t.Fatalf("baseline must evaluate the empty plan")
	}
	if len(seen) != 1 || len(seen[0]) != 0 {
		t.Fatalf("first round should see empty history, got %v", seen)
	}
	if report.StopReason != StopMaxRounds || report.Best == nil || report.Best.Round != 1 {
		t.Fatalf("unexpected stop or best: %s %+v", report.StopReason, report.Best)
	}
	if store.created != report.RunID || len(store.rounds) != 1 || store.finished != StopMaxRounds {
		t.Fatalf("store not driven: %+v", store)
	}

	data, _ := os.ReadFile(filepath.Join(dir, "optimization_result.json"))
	lines, _ := auditlog.ReadLines(bytes.NewReader(data))
	var res struct{ Result float64 }
	if len(lines) != 1 || json.Unmarshal(lines[0], &res) != nil || res.Result != 80 {
		t.Fatalf("unexpected result log %s", data)
	}
	data, _ = os.ReadFile(filepath.Join(dir, "optimization_plan.json"))
	lines, _ = auditlog.ReadLines(bytes.NewReader(data))
	if len(lines) != 1 {
		t.Fatalf("expected one plan line, got %d", len(lines))
	}
	if p, err := plan.Decode(lines[0]); err != nil || len(p.Indexes) != 1 {
		t.Fatalf("plan log not replayable: %v", err)
	}
}

func TestHistoryPassedToNextRound(t *testing.T) {
	var seen [][]plan.HistoryEntry
	reviewer := reviewerFunc(func(p *plan.Plan, history []plan.HistoryEntry) plan.Decision {
		seen = append(seen, history)
		return plan.Decision{Opinion: plan.Accept}
	})
	controller := negotiation.New(fixedRecommender{}, reviewer, nil, negotiation.WithLogger(quiet))
	loop := New(controller, &seqHarness{results: []float64{100, 80, 90, 70, 60}}, Config{WindowSize: 2, MaxRounds: 4}, WithLogger(quiet))
	report, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 reviews, got %d", len(seen))
	}
	last := seen[3]
	if len(last) != 2 || last[0].Round != 2 || last[1].Round != 3 {
		t.Fatalf("window should hold rounds 2 and 3 ascending, got %+v", last)
	}
	if report.Best == nil || report.Best.Result != 60 {
		t.Fatalf("best should be the lowest result, got %+v", report.Best)
	}
}

func TestDuplicateIndexAcrossRevisionCycles(t *testing.T) {
	rec := fixedRecommender{
		items: map[oracle.Domain][]plan.Item{
			oracle.DomainIndexes: {{Name: "idx_first", Table: "orders", Columns: []string{"customer_id"}}},
		},
		revised: map[oracle.Domain][]plan.Item{
			oracle.DomainIndexes: {{Name: "idx_second", Table: "orders", Columns: []string{"customer_id"}}},
		},
	}
	reviewer := reviewerFunc(func(p *plan.Plan, history []plan.HistoryEntry) plan.Decision {
		return plan.Decision{Opinion: plan.Reject, Revisions: []plan.Revision{{Agent: plan.IndexRecommender, Comment: "rename"}}}
	})
	controller := negotiation.New(rec, reviewer, nil, negotiation.WithMaxIterations(2), negotiation.WithLogger(quiet))
	report, err := New(controller, &seqHarness{results: []float64{10, 9}}, Config{MaxRounds: 1}, WithLogger(quiet)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	idx := report.Last.Indexes
	if len(idx) != 1 || idx[0].Name != "idx_first" {
		t.Fatalf("expected the first index only, got %+v", idx)
	}
	if report.Rounds[0].State != string(negotiation.StateMaxIterExhausted) || report.Rounds[0].Reviews != 2 {
		t.Fatalf("unexpected round %+v", report.Rounds[0])
	}
}

func TestBaselineUnavailable(t *testing.T) {
	controller := negotiation.New(fixedRecommender{}, reviewerFunc(accept), nil, negotiation.WithLogger(quiet))
	_, err := New(controller, &seqHarness{results: []float64{evaluation.NotRunnable}}, Config{MaxRounds: 1}, WithLogger(quiet)).Run(context.Background())
	if !errors.Is(err, ErrBaselineUnavailable) {
		t.Fatalf("expected ErrBaselineUnavailable, got %v", err)
	}
}

func TestFailedRoundIsRecordedAndLoopContinues(t *testing.T) {
	mirror := &memMirror{}
	controller := negotiation.New(fixedRecommender{}, reviewerFunc(accept), nil, negotiation.WithLogger(quiet))
	report, err := New(controller, &seqHarness{results: []float64{100, -1, 90}}, Config{MaxRounds: 2},
		WithMirror(mirror), WithStore(&memStore{err: errors.New("db down")}), WithLogger(quiet)).Run(context.Background())
	if err != nil {
		t.Fatalf("persistence failures must not abort the run: %v", err)
	}
	if len(report.Rounds) != 2 || !report.Rounds[0].Failed || report.Rounds[0].Improvement != 0 {
		t.Fatalf("unexpected rounds %+v", report.Rounds)
	}
	if report.Best == nil || report.Best.Round != 2 {
		t.Fatalf("failed rounds cannot be best: %+v", report.Best)
	}
	if len(mirror.entries) != 2 || !mirror.entries[0].Failed {
		t.Fatalf("mirror should receive every round: %+v", mirror.entries)
	}
}

func TestTimeLimitStopsAtRoundBoundary(t *testing.T) {
	slow := reviewerFunc(func(p *plan.Plan, history []plan.HistoryEntry) plan.Decision {
		time.Sleep(20 * time.Millisecond)
		return plan.Decision{Opinion: plan.Accept}
	})
	controller := negotiation.New(fixedRecommender{}, slow, nil, negotiation.WithLogger(quiet))
	report, err := New(controller, &seqHarness{}, Config{Budget: budget.Config{MaxTime: 5 * time.Millisecond}}, WithLogger(quiet)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StopReason != StopTimeLimit || len(report.Rounds) != 1 {
		t.Fatalf("expected one round then time stop, got %s after %d", report.StopReason, len(report.Rounds))
	}
}

func TestTokenBudgetStops(t *testing.T) {
	limit := int64(10)
	monitor := budget.NewMonitor(budget.Config{MaxTokens: &limit})
	spend := reviewerFunc(func(p *plan.Plan, history []plan.HistoryEntry) plan.Decision {
		_ = monitor.Add(0, 6)
		return plan.Decision{Opinion: plan.Accept}
	})
	controller := negotiation.New(fixedRecommender{}, spend, nil, negotiation.WithLogger(quiet))
	report, _ := New(controller, &seqHarness{}, Config{}, WithMonitor(monitor), WithLogger(quiet)).Run(context.Background())
	if report.StopReason != StopBudget || len(report.Rounds) != 2 {
		t.Fatalf("expected budget stop after two rounds, got %s after %d", report.StopReason, len(report.Rounds))
	}
}

func TestCancellationStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rounds := 0
	reviewer := reviewerFunc(func(p *plan.Plan, history []plan.HistoryEntry) plan.Decision {
		rounds++
		if rounds == 2 {
			cancel()
		}
		return plan.Decision{Opinion: plan.Accept}
	})
	controller := negotiation.New(fixedRecommender{}, reviewer, nil, negotiation.WithLogger(quiet))
	store := &memStore{}
	report, err := New(controller, &seqHarness{}, Config{}, WithStore(store), WithLogger(quiet)).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.StopReason != StopCancelled || len(report.Rounds) != 2 {
		t.Fatalf("expected cancel after round 2, got %s after %d", report.StopReason, len(report.Rounds))
	}
	if store.finished != StopCancelled {
		t.Fatalf("finish should be recorded after cancellation")
	}
}

func TestResumeFromMirror(t *testing.T) {
	prev := plan.New()
	prev.Knobs["work_mem"] = plan.Knob{Value: json.RawMessage(`"32MB"`)}
	mirror := &memMirror{entries: []plan.HistoryEntry{
		{Round: 6, Plan: plan.New(), Result: 90},
		{Round: 7, Plan: prev, Result: 85},
	}}
	var gotPrev *plan.Plan
	rec := recorderRecommender{previous: &gotPrev}
	controller := negotiation.New(rec, reviewerFunc(accept), nil, negotiation.WithLogger(quiet))
	report, err := New(controller, &seqHarness{results: []float64{100, 80}}, Config{MaxRounds: 1, Resume: true, WindowSize: 1},
		WithMirror(mirror), WithLogger(quiet)).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Rounds[0].Round != 8 {
		t.Fatalf("round numbering should continue, got %d", report.Rounds[0].Round)
	}
	if gotPrev != prev {
		t.Fatalf("previous plan should come from the last mirrored entry")
	}
}

type recorderRecommender struct {
	previous **plan.Plan
}

func (r recorderRecommender) Recommend(ctx context.Context, domain oracle.Domain, previous *plan.Plan, wctx *workload.Context) plan.Recommendation {
	*r.previous = previous
	return plan.Recommendation{}
}

func (r recorderRecommender) Revise(ctx context.Context, domain oracle.Domain, comment string, original json.RawMessage, previous *plan.Plan, wctx *workload.Context) plan.Recommendation {
	return plan.Recommendation{}
}

func TestWindowBound(t *testing.T) {
	w := NewWindow(3)
	for r := 1; r <= 5; r++ {
		w.Push(plan.HistoryEntry{Round: r})
		want := r
		if want > 3 {
			want = 3
		}
		if w.Len() != want {
			t.Fatalf("after %d pushes expected %d entries, got %d", r, want, w.Len())
		}
	}
	got := w.Entries()
	if got[0].Round != 3 || got[1].Round != 4 || got[2].Round != 5 {
		t.Fatalf("unexpected window %+v", got)
	}
	got[0].Round = 99
	if w.Entries()[0].Round != 3 {
		t.Fatalf("Entries must return a copy")
	}
	if NewWindow(0).Size() != DefaultWindowSize {
		t.Fatalf("non-positive size should default")
	}
	w.Restore([]plan.HistoryEntry{{Round: 1}, {Round: 2}, {Round: 3}, {Round: 4}})
	if e := w.Entries(); len(e) != 3 || e[0].Round != 2 {
		t.Fatalf("restore should keep the newest entries, got %+v", e)
	}
}
