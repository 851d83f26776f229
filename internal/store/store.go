package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/dbadvisor/internal/optimizer"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

// ErrNotFound is returned when a run or round does not exist.
var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
)

// Store persists optimization runs and their rounds in Postgres.
type Store struct {
	DB *sql.DB
}

// Run is one row of optimization_runs.
type Run struct {
	ID         string          `json:"id"`
	Baseline   float64         `json:"baseline"`
	Status     string          `json:"status"`
	StopReason string          `json:"stop_reason,omitempty"`
	Settings   json.RawMessage `json:"settings,omitempty"`
	Rounds     int             `json:"rounds"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) CreateRun(ctx context.Context, runID string, baseline float64, settings json.RawMessage) error {
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO optimization_runs (id, baseline, status, settings, started_at)
VALUES ($1,$2,$3,$4,NOW())`, runID, baseline, RunStatusRunning, []byte(settings))
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) SaveRound(ctx context.Context, rec optimizer.RoundRecord) error {
	planJSON, err := json.Marshal(rec.Plan)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO optimization_rounds (run_id, round, plan, result, improvement, failed, state, reviews, elapsed_seconds, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (run_id, round) DO UPDATE SET
  plan = EXCLUDED.plan,
  result = EXCLUDED.result,
  improvement = EXCLUDED.improvement,
  failed = EXCLUDED.failed,
  state = EXCLUDED.state,
  reviews = EXCLUDED.reviews,
  elapsed_seconds = EXCLUDED.elapsed_seconds`,
		rec.RunID, rec.Round, planJSON, rec.Result, rec.Improvement, rec.Failed, rec.State, rec.Reviews, rec.Elapsed, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save round %d of %s: %w", rec.Round, rec.RunID, err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID, stopReason string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE optimization_runs SET status=$2, stop_reason=$3, finished_at=NOW() WHERE id=$1`,
		runID, RunStatusFinished, stopReason)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT r.id, r.baseline, r.status, COALESCE(r.stop_reason, ''), r.settings, r.started_at, r.finished_at,
       (SELECT COUNT(*) FROM optimization_rounds o WHERE o.run_id = r.id)
FROM optimization_runs r
ORDER BY r.started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r        Run
			settings []byte
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Baseline, &r.Status, &r.StopReason, &settings, &r.StartedAt, &finished, &r.Rounds); err != nil {
			return nil, err
		}
		r.Settings = json.RawMessage(settings)
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const roundColumns = `run_id, round, plan, result, improvement, failed, state, reviews, elapsed_seconds, created_at`

func scanRound(sc interface{ Scan(...any) error }) (optimizer.RoundRecord, error) {
	var (
		rec      optimizer.RoundRecord
		planJSON []byte
	)
	if err := sc.Scan(&rec.RunID, &rec.Round, &planJSON, &rec.Result, &rec.Improvement, &rec.Failed,
		&rec.State, &rec.Reviews, &rec.Elapsed, &rec.CreatedAt); err != nil {
		return rec, err
	}
	p, err := plan.Decode(planJSON)
	if err != nil {
		return rec, fmt.Errorf("decode plan of round %d: %w", rec.Round, err)
	}
	rec.Plan = p
	return rec, nil
}

// ListRounds returns every round of a run in ascending order.
func (s *Store) ListRounds(ctx context.Context, runID string) ([]optimizer.RoundRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+roundColumns+` FROM optimization_rounds WHERE run_id=$1 ORDER BY round ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []optimizer.RoundRecord
	for rows.Next() {
		rec, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestRound returns the highest-numbered round of a run.
func (s *Store) LatestRound(ctx context.Context, runID string) (optimizer.RoundRecord, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM optimization_rounds WHERE run_id=$1 ORDER BY round DESC LIMIT 1`, runID)
	rec, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

// LastRunTime returns the start time of the newest run; ok is false when no
// run exists yet.
func (s *Store) LastRunTime(ctx context.Context) (last time.Time, ok bool, err error) {
	var t sql.NullTime
	if err = s.DB.QueryRowContext(ctx, `SELECT MAX(started_at) FROM optimization_runs`).Scan(&t); err != nil {
		return time.Time{}, false, err
	}
	return t.Time, t.Valid, nil
}
