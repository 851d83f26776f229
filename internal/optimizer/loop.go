package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/dbadvisor/internal/auditlog"
	"github.com/mohammad-safakhou/dbadvisor/internal/budget"
	"github.com/mohammad-safakhou/dbadvisor/internal/evaluation"
	"github.com/mohammad-safakhou/dbadvisor/internal/negotiation"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
	"github.com/mohammad-safakhou/dbadvisor/internal/workload"
)

// ErrBaselineUnavailable means the empty plan could not be measured, so no
// round would have anything to compare against.
var ErrBaselineUnavailable = errors.New("baseline measurement failed")

// Stop reasons recorded on a Report.
const (
	StopTimeLimit = "time_limit"
	StopBudget    = "budget"
	StopCancelled = "cancelled"
	StopMaxRounds = "max_rounds"
)

// RoundRunner produces the plan of one round.
type RoundRunner interface {
	Run(ctx context.Context, previous *plan.Plan, history []plan.HistoryEntry, wctx *workload.Context) negotiation.Outcome
}

// FeatureSource refreshes workload features between rounds.
type FeatureSource interface {
	Refresh(ctx context.Context, wctx *workload.Context) error
}

// RoundStore persists runs and rounds.
type RoundStore interface {
	CreateRun(ctx context.Context, runID string, baseline float64, settings json.RawMessage) error
	SaveRound(ctx context.Context, rec RoundRecord) error
	FinishRun(ctx context.Context, runID, stopReason string) error
}

// HistoryMirror keeps a copy of the feedback window outside the process.
type HistoryMirror interface {
	Push(ctx context.Context, e plan.HistoryEntry) error
	Load(ctx context.Context) ([]plan.HistoryEntry, error)
}

// Archiver stores the final artifacts of a run.
type Archiver interface {
	PutRun(ctx context.Context, report Report) error
}

// RoundObserver is told about every evaluated round.
type RoundObserver interface {
	RoundCompleted(ctx context.Context, result, improvement float64, failed bool)
}

// RoundRecord is one evaluated round.
type RoundRecord struct {
	RunID       string     `json:"run_id"`
	Round       int        `json:"round"`
	Plan        *plan.Plan `json:"plan"`
	Result      float64    `json:"result"`
	Improvement float64    `json:"improvement"`
	Failed      bool       `json:"failed,omitempty"`
	State       string     `json:"state"`
	Reviews     int        `json:"reviews"`
	Elapsed     float64    `json:"elapsed"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Report summarises a finished run.
type Report struct {
	RunID      string        `json:"run_id"`
	Baseline   float64       `json:"baseline"`
	Rounds     []RoundRecord `json:"rounds"`
	Best       *RoundRecord  `json:"best,omitempty"`
	Last       *plan.Plan    `json:"last,omitempty"`
	StopReason string        `json:"stop_reason"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Config holds the loop parameters.
type Config struct {
	WindowSize int
	Direction  evaluation.Direction
	Budget     budget.Config
	MaxRounds  int
	Resume     bool
	PlanLog    *auditlog.Log
	ResultLog  *auditlog.Log
	Settings   json.RawMessage
	// RunID overrides the generated run id.
	RunID string
}

// Loop repeatedly produces, measures and feeds back plans.
type Loop struct {
	rounds   RoundRunner
	harness  evaluation.Harness
	cfg      Config
	features FeatureSource
	wctx     *workload.Context
	store    RoundStore
	mirror   HistoryMirror
	archiver Archiver
	observer RoundObserver
	monitor  *budget.Monitor
	prepare  func(ctx context.Context) error
	logger   *log.Logger
}

// Option configures a Loop.
type Option func(*Loop)

func WithFeatures(src FeatureSource, wctx *workload.Context) Option {
	return func(l *Loop) {
		l.features = src
		l.wctx = wctx
	}
}

func WithStore(s RoundStore) Option       { return func(l *Loop) { l.store = s } }
func WithMirror(m HistoryMirror) Option   { return func(l *Loop) { l.mirror = m } }
func WithArchiver(a Archiver) Option      { return func(l *Loop) { l.archiver = a } }
func WithObserver(o RoundObserver) Option { return func(l *Loop) { l.observer = o } }

// WithMonitor shares a budget monitor, typically the one the oracles record
// usage into.
func WithMonitor(m *budget.Monitor) Option { return func(l *Loop) { l.monitor = m } }

// WithPrepare runs fn once before the baseline measurement.
func WithPrepare(fn func(ctx context.Context) error) Option {
	return func(l *Loop) { l.prepare = fn }
}

func WithLogger(lg *log.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

func New(rounds RoundRunner, harness evaluation.Harness, cfg Config, opts ...Option) *Loop {
	if cfg.Direction == "" {
		cfg.Direction = evaluation.LowerIsBetter
	}
	l := &Loop{
		rounds:  rounds,
		harness: harness,
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[OPTIMIZER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.monitor == nil {
		l.monitor = budget.NewMonitor(cfg.Budget)
	}
	if l.wctx == nil {
		l.wctx = workload.NewContext("", nil)
	}
	return l
}

// Run executes rounds until a stop condition holds at a round boundary.
func (l *Loop) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: l.cfg.RunID, StartedAt: time.Now().UTC()}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}

	if l.prepare != nil {
		if err := l.prepare(ctx); err != nil {
			l.logger.Printf("prepare target: %v", err)
		}
	}

	baseline := l.harness.Evaluate(ctx, plan.New())
	if baseline < 0 {
		report.FinishedAt = time.Now().UTC()
		return report, ErrBaselineUnavailable
	}
	report.Baseline = baseline
	l.logger.Printf("run %s baseline result %g", report.RunID, baseline)
	l.refresh(ctx)

	if l.store != nil {
		if err := l.store.CreateRun(ctx, report.RunID, baseline, l.cfg.Settings); err != nil {
			l.logger.Printf("store run: %v", err)
		}
	}

	window := NewWindow(l.cfg.WindowSize)
	var previous *plan.Plan
	round := 0
	if l.cfg.Resume && l.mirror != nil {
		entries, err := l.mirror.Load(ctx)
		if err != nil {
			l.logger.Printf("resume history: %v", err)
		} else if len(entries) > 0 {
			window.Restore(entries)
			last := entries[len(entries)-1]
			previous = last.Plan
			round = last.Round
			l.logger.Printf("resumed %d history entries, continuing after round %d", window.Len(), round)
		}
	}

	if l.cfg.Budget.MaxTime <= 0 {
		l.logger.Printf("no total time limit set; the loop runs until cancelled or another limit is hit")
	}
	l.monitor.Restart()
	start := time.Now()

	for {
		if ctx.Err() != nil {
			report.StopReason = StopCancelled
			break
		}
		round++
		l.logger.Printf("=== Optimization Round %d ===", round)

		outcome := l.rounds.Run(ctx, previous, window.Entries(), l.wctx)
		if outcome.State == negotiation.StateCancelled {
			l.logger.Printf("round %d cancelled before evaluation", round)
			report.StopReason = StopCancelled
			break
		}

		result := l.harness.Evaluate(ctx, outcome.Plan)
		failed := result < 0
		improvement := 0.0
		if failed {
			l.logger.Printf("round %d: plan could not be evaluated", round)
		} else {
			improvement = evaluation.Improvement(baseline, result, l.cfg.Direction)
			l.logger.Printf("round %d: result %g (baseline %g), improvement %.2f%%", round, result, baseline, improvement)
		}

		l.refresh(ctx)
		elapsed := time.Since(start).Seconds()
		l.persistLogs(outcome.Plan, result, elapsed)

		entry := plan.HistoryEntry{Round: round, Plan: outcome.Plan, Result: result, Improvement: improvement, Failed: failed}
		window.Push(entry)
		if l.mirror != nil {
			if err := l.mirror.Push(ctx, entry); err != nil {
				l.logger.Printf("mirror history: %v", err)
			}
		}

		rec := RoundRecord{
			RunID:       report.RunID,
			Round:       round,
			Plan:        outcome.Plan,
			Result:      result,
			Improvement: improvement,
			Failed:      failed,
			State:       string(outcome.State),
			Reviews:     outcome.Reviews,
			Elapsed:     elapsed,
			CreatedAt:   time.Now().UTC(),
		}
		report.Rounds = append(report.Rounds, rec)
		if !failed && (report.Best == nil || evaluation.Better(result, report.Best.Result, l.cfg.Direction)) {
			best := rec
			report.Best = &best
		}
		if l.store != nil {
			if err := l.store.SaveRound(ctx, rec); err != nil {
				l.logger.Printf("store round %d: %v", round, err)
			}
		}
		if l.observer != nil {
			l.observer.RoundCompleted(ctx, result, improvement, failed)
		}

		previous = outcome.Plan
		report.Last = outcome.Plan

		if reason := l.stopReason(ctx, len(report.Rounds)); reason != "" {
			report.StopReason = reason
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	l.logger.Printf("run %s stopped after %d rounds: %s", report.RunID, len(report.Rounds), report.StopReason)
	l.finish(report)
	return report, nil
}

func (l *Loop) stopReason(ctx context.Context, rounds int) string {
	if err := l.monitor.Check(); err != nil {
		l.logger.Printf("%v", err)
		var exceeded budget.ErrExceeded
		if errors.As(err, &exceeded) && exceeded.TimeLimit() {
			return StopTimeLimit
		}
		return StopBudget
	}
	if l.cfg.MaxRounds > 0 && rounds >= l.cfg.MaxRounds {
		return StopMaxRounds
	}
	if ctx.Err() != nil {
		return StopCancelled
	}
	return ""
}

func (l *Loop) refresh(ctx context.Context) {
	if l.features == nil {
		return
	}
	if err := l.features.Refresh(ctx, l.wctx); err != nil {
		l.logger.Printf("refresh workload features: %v", err)
	}
}

type resultLine struct {
	Result  float64 `json:"result"`
	Elapsed float64 `json:"elapsed"`
}

func (l *Loop) persistLogs(p *plan.Plan, result, elapsed float64) {
	if err := l.cfg.PlanLog.AppendLine(p); err != nil {
		l.logger.Printf("plan log: %v", err)
	}
	if err := l.cfg.ResultLog.AppendLine(resultLine{Result: result, Elapsed: elapsed}); err != nil {
		l.logger.Printf("result log: %v", err)
	}
}

// finish records the end of the run. It uses a fresh context so a cancelled
// run still leaves its final state behind.
func (l *Loop) finish(report Report) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if l.store != nil {
		if err := l.store.FinishRun(ctx, report.RunID, report.StopReason); err != nil {
			l.logger.Printf("store finish: %v", err)
		}
	}
	if l.archiver != nil {
		if err := l.archiver.PutRun(ctx, report); err != nil {
			l.logger.Printf("archive run: %v", err)
		}
	}
}
