package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/dbadvisor/config"
	"github.com/mohammad-safakhou/dbadvisor/internal/archive"
	"github.com/mohammad-safakhou/dbadvisor/internal/auditlog"
	"github.com/mohammad-safakhou/dbadvisor/internal/budget"
	"github.com/mohammad-safakhou/dbadvisor/internal/evaluation"
	"github.com/mohammad-safakhou/dbadvisor/internal/negotiation"
	"github.com/mohammad-safakhou/dbadvisor/internal/optimizer"
	"github.com/mohammad-safakhou/dbadvisor/internal/oracle"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
	"github.com/mohammad-safakhou/dbadvisor/internal/search"
	"github.com/mohammad-safakhou/dbadvisor/internal/store"
	"github.com/mohammad-safakhou/dbadvisor/internal/telemetry"
	"github.com/mohammad-safakhou/dbadvisor/internal/workload"
)

const serviceName = "dbadvisor"

var version = "dev"

// app holds the long-lived connections shared by every command.
type app struct {
	cfg     *config.Config
	target  *sql.DB
	store   *store.Store
	rdb     *redis.Client
	archive *archive.S3Archive
	tel     *telemetry.Telemetry
	metrics *telemetry.Metrics
	logger  *log.Logger
}

// openApp loads config and connects the target database plus every optional
// backend that is configured. Optional backends that fail to connect are
// logged and left disabled.
func openApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log.New(log.Writer(), "[DBADVISOR] ", log.LstdFlags)}

	a.target, err = openTarget(ctx, cfg.Target)
	if err != nil {
		return nil, err
	}

	if cfg.Storage.Postgres.Enabled() {
		if a.store, err = store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN()); err != nil {
			a.logger.Printf("run store disabled: %v", err)
			a.store = nil
		}
	}
	if cfg.Storage.Redis.Enabled() {
		if a.rdb, err = store.Connect(ctx, cfg.Storage.Redis); err != nil {
			a.logger.Printf("redis disabled: %v", err)
			a.rdb = nil
		}
	}
	if cfg.Storage.S3.Enabled() {
		if a.archive, err = archive.New(cfg.Storage.S3, nil); err != nil {
			a.logger.Printf("archive disabled: %v", err)
			a.archive = nil
		}
	}

	tel, meter, err := telemetry.Setup(ctx, cfg.Telemetry, serviceName, version)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tel = tel
	if a.metrics, err = telemetry.NewMetrics(meter); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openTarget(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open target: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping target: %w", err)
	}
	return db, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Printf("telemetry shutdown: %v", err)
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.target != nil {
		_ = a.target.Close()
	}
}

func (a *app) logPath(name string) string {
	return filepath.Join(a.cfg.Optimizer.LogDir, name)
}

// runOptions override config for a single run.
type runOptions struct {
	RunID     string
	MaxRounds int
	Resume    bool
}

// newLoop wires the complete optimizer for one run.
func (a *app) newLoop(ctx context.Context, ro runOptions) (*optimizer.Loop, error) {
	cfg := a.cfg
	opt := cfg.Optimizer

	wctx, err := workload.LoadFromDir(opt.LogDir, nil)
	if err != nil {
		a.logger.Printf("saved features not loaded: %v", err)
	}
	extractor := workload.NewExtractor(a.target, nil)

	limits := budget.Config{MaxTime: opt.TotalTimeLimit}
	if opt.MaxCost > 0 {
		limits.MaxCost = &opt.MaxCost
	}
	if opt.MaxTokens > 0 {
		limits.MaxTokens = &opt.MaxTokens
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	monitor := budget.NewMonitor(limits)

	recommendModel, timeout, err := resolveModel(ctx, cfg, cfg.LLM.Routing.Recommend)
	if err != nil {
		return nil, err
	}
	reviewModel, reviewTimeout, err := resolveModel(ctx, cfg, cfg.LLM.Routing.Review)
	if err != nil {
		return nil, err
	}
	searchModel, searchTimeout, err := resolveModel(ctx, cfg, cfg.LLM.Routing.Search)
	if err != nil {
		return nil, err
	}

	direction, err := evaluation.ParseDirection(opt.MetricDirection)
	if err != nil {
		return nil, err
	}
	opts := oracle.Options{
		Timeout:  timeout,
		Prompter: oracle.Prompter{Metric: metricName(direction)},
		Audit:    auditlog.Open(a.logPath("log")),
		Usage:    a.metrics.MeterUsage(monitor),
		Failures: a.metrics,
	}
	aug, err := search.FromConfig(cfg.Search, searchModel, search.Options{
		Timeout: searchTimeout,
		Audit:   opts.Audit,
		Usage:   opts.Usage,
	})
	if err != nil {
		return nil, err
	}
	if aug != nil {
		opts.Search = aug
	}

	controller := negotiation.New(
		oracle.NewLLMRecommender(recommendModel, opts),
		oracle.NewLLMReviewer(reviewModel, withTimeout(opts, reviewTimeout)),
		plan.NewMerger(auditlog.Open(a.logPath("plan")), nil),
		negotiation.WithMaxIterations(opt.MaxIterations),
		negotiation.WithObserver(a.metrics),
	)

	applier := evaluation.NewPostgresApplier(a.target, nil)
	bench, err := a.benchmark()
	if err != nil {
		return nil, err
	}
	harness := evaluation.NewPlanHarness(applier, bench, opt.HarnessTimeout, nil)

	maxRounds := opt.MaxRounds
	if ro.MaxRounds > 0 {
		maxRounds = ro.MaxRounds
	}
	settings, _ := json.Marshal(opt)

	loopOpts := []optimizer.Option{
		optimizer.WithFeatures(extractor, wctx),
		optimizer.WithMonitor(monitor),
		optimizer.WithObserver(a.metrics),
		optimizer.WithPrepare(func(ctx context.Context) error {
			if err := applier.Reset(ctx); err != nil {
				return err
			}
			if opt.ResetTarget {
				return extractor.ResetStatements(ctx)
			}
			return nil
		}),
	}
	if a.store != nil {
		loopOpts = append(loopOpts, optimizer.WithStore(a.store))
	}
	if a.rdb != nil {
		mirror := store.NewRedisWindow(a.rdb, cfg.Storage.Redis.HistoryKey, opt.MemoryWindowSize, nil)
		if !ro.Resume {
			if err := mirror.Clear(ctx); err != nil {
				a.logger.Printf("clear history mirror: %v", err)
			}
		}
		loopOpts = append(loopOpts, optimizer.WithMirror(mirror))
	}
	if a.archive != nil {
		loopOpts = append(loopOpts, optimizer.WithArchiver(a.archive))
	}

	return optimizer.New(controller, harness, optimizer.Config{
		WindowSize: opt.MemoryWindowSize,
		Direction:  direction,
		Budget:     limits,
		MaxRounds:  maxRounds,
		Resume:     ro.Resume,
		PlanLog:    auditlog.Open(opt.PlanLog),
		ResultLog:  auditlog.Open(opt.ResultLog),
		Settings:   settings,
		RunID:      ro.RunID,
	}, loopOpts...), nil
}

func (a *app) benchmark() (evaluation.Benchmark, error) {
	b := a.cfg.Benchmark
	switch a.cfg.Optimizer.Benchmark {
	case config.BenchmarkCommand:
		return evaluation.NewCommandBenchmark(b.Command, b.MetricPattern, b.LogFile, nil)
	default:
		return evaluation.NewSQLBenchmark(a.target, b.QueryDir, b.LogFile, b.Repeat, nil), nil
	}
}

func resolveModel(ctx context.Context, cfg *config.Config, name string) (oracle.Model, time.Duration, error) {
	resolved, err := cfg.LLM.Resolve(name)
	if err != nil {
		return oracle.Model{}, 0, err
	}
	model, err := oracle.NewModel(ctx, resolved)
	if err != nil {
		return oracle.Model{}, 0, err
	}
	timeout := resolved.Provider.Timeout
	if timeout <= 0 {
		timeout = cfg.General.DefaultTimeout
	}
	return model, timeout, nil
}

// withTimeout copies opts for a route with its own call timeout.
func withTimeout(opts oracle.Options, d time.Duration) oracle.Options {
	opts.Timeout = d
	return opts
}

func metricName(d evaluation.Direction) string {
	if d == evaluation.HigherIsBetter {
		return "throughput"
	}
	return "latency"
}
