package workload

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/lib/pq"
)

// DefaultKnobs are the settings reported to the knob tuner.
var DefaultKnobs = []string{
	"shared_buffers",
	"work_mem",
	"maintenance_work_mem",
	"effective_cache_size",
	"random_page_cost",
	"seq_page_cost",
	"effective_io_concurrency",
	"max_parallel_workers_per_gather",
	"max_worker_processes",
	"wal_buffers",
	"checkpoint_completion_target",
	"default_statistics_target",
	"max_wal_size",
	"min_wal_size",
	"jit",
}

// Execution summarizes pg_stat_database for the current database.
type Execution struct {
	BlocksRead     int64   `json:"blocks_read"`
	BlocksHit      int64   `json:"blocks_hit"`
	TuplesReturned int64   `json:"tuples_returned"`
	TuplesFetched  int64   `json:"tuples_fetched"`
	Commits        int64   `json:"xact_commit"`
	Rollbacks      int64   `json:"xact_rollback"`
	HitRatio       float64 `json:"buffer_pool_hit_ratio"`
}

// Column carries the planner statistics of one column.
type Column struct {
	NDistinct float64 `json:"n_distinct"`
}

// Table is one user table with its columns and existing index names.
type Table struct {
	Schema  string            `json:"schema"`
	Name    string            `json:"table"`
	EstRows int64             `json:"est_rows"`
	Bytes   int64             `json:"total_bytes"`
	Columns map[string]Column `json:"columns"`
	Indexes []string          `json:"indexes"`
}

// Statement is one pg_stat_statements entry.
type Statement struct {
	Query      string  `json:"query"`
	Calls      int64   `json:"calls"`
	Rows       int64   `json:"rows"`
	ExecTimeMS float64 `json:"exec_time_ms"`
}

// Setting is one current server setting.
type Setting struct {
	Name    string `json:"name"`
	Value   string `json:"setting"`
	Unit    string `json:"unit,omitempty"`
	Context string `json:"context"`
}

// View is an existing materialized view.
type View struct {
	Schema     string `json:"schema"`
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// Snapshot is one pass over the statistics catalogs. A section that failed to
// load is nil and its error is kept in Errors.
type Snapshot struct {
	Execution  *Execution        `json:"execution,omitempty"`
	Tables     []Table           `json:"tables,omitempty"`
	Statements []Statement       `json:"queries,omitempty"`
	Settings   []Setting         `json:"settings,omitempty"`
	Views      []View            `json:"matviews,omitempty"`
	Errors     map[string]string `json:"errors,omitempty"`
}

func (s *Snapshot) fail(section string, err error) {
	if s.Errors == nil {
		s.Errors = map[string]string{}
	}
	s.Errors[section] = err.Error()
}

// Extractor reads workload features from the target Postgres database.
type Extractor struct {
	db             *sql.DB
	logger         *log.Logger
	StatementLimit int
	Knobs          []string
}

// NewExtractor wraps an open target connection.
func NewExtractor(db *sql.DB, logger *log.Logger) *Extractor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKLOAD] ", log.LstdFlags)
	}
	return &Extractor{db: db, logger: logger, StatementLimit: 100, Knobs: DefaultKnobs}
}

// Snapshot collects every section. Individual query failures are recorded in
// the snapshot and never abort the pass.
func (e *Extractor) Snapshot(ctx context.Context) Snapshot {
	var snap Snapshot
	if exec, err := e.execution(ctx); err != nil {
		snap.fail("execution", err)
	} else {
		snap.Execution = exec
	}
	if tables, err := e.tables(ctx); err != nil {
		snap.fail("tables", err)
	} else {
		snap.Tables = tables
	}
	if stmts, err := e.statements(ctx); err != nil {
		snap.fail("queries", err)
	} else {
		snap.Statements = stmts
	}
	if settings, err := e.settings(ctx); err != nil {
		snap.fail("settings", err)
	} else {
		snap.Settings = settings
	}
	if views, err := e.views(ctx); err != nil {
		snap.fail("matviews", err)
	} else {
		snap.Views = views
	}
	for section, msg := range snap.Errors {
		e.logger.Printf("feature section %s unavailable: %s", section, msg)
	}
	return snap
}

// Refresh takes a fresh snapshot and stores the per-domain documents in wctx.
func (e *Extractor) Refresh(ctx context.Context, wctx *Context) error {
	if wctx == nil {
		return nil
	}
	snap := e.Snapshot(ctx)
	docs, err := Documents(snap)
	if err != nil {
		return err
	}
	wctx.Update(docs)
	return nil
}

// Documents renders a snapshot into the per-domain feature documents.
func Documents(snap Snapshot) (map[Section]string, error) {
	shapes := map[Section]any{
		SectionKnobs: struct {
			Execution  *Execution        `json:"execution,omitempty"`
			Settings   []Setting         `json:"settings,omitempty"`
			Statements []Statement       `json:"queries,omitempty"`
			Errors     map[string]string `json:"errors,omitempty"`
		}{snap.Execution, snap.Settings, head(snap.Statements, 20), snap.Errors},
		SectionIndexes: struct {
			Tables     []Table           `json:"tables,omitempty"`
			Statements []Statement       `json:"queries,omitempty"`
			Errors     map[string]string `json:"errors,omitempty"`
		}{snap.Tables, snap.Statements, snap.Errors},
		SectionMatViews: struct {
			Tables     []Table           `json:"tables,omitempty"`
			Statements []Statement       `json:"queries,omitempty"`
			Views      []View            `json:"matviews,omitempty"`
			Errors     map[string]string `json:"errors,omitempty"`
		}{snap.Tables, snap.Statements, snap.Views, snap.Errors},
		SectionReview: struct {
			Execution  *Execution        `json:"execution,omitempty"`
			Tables     []Table           `json:"tables,omitempty"`
			Statements []Statement       `json:"queries,omitempty"`
			Errors     map[string]string `json:"errors,omitempty"`
		}{snap.Execution, snap.Tables, head(snap.Statements, 20), snap.Errors},
	}
	docs := make(map[Section]string, len(shapes))
	for s, v := range shapes {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("render %s features: %w", s, err)
		}
		docs[s] = string(b)
	}
	return docs, nil
}

func head(stmts []Statement, n int) []Statement {
	if len(stmts) > n {
		return stmts[:n]
	}
	return stmts
}

// ResetStatements makes sure pg_stat_statements is installed and clears it so
// the next snapshot reflects only the upcoming workload.
func (e *Extractor) ResetStatements(ctx context.Context) error {
	if _, err := e.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pg_stat_statements`); err != nil {
		return fmt.Errorf("install pg_stat_statements: %w", err)
	}
	if _, err := e.db.ExecContext(ctx, `SELECT pg_stat_statements_reset()`); err != nil {
		return fmt.Errorf("reset pg_stat_statements: %w", err)
	}
	return nil
}

func (e *Extractor) execution(ctx context.Context) (*Execution, error) {
	var x Execution
	err := e.db.QueryRowContext(ctx, `
		SELECT blks_read, blks_hit, tup_returned, tup_fetched, xact_commit, xact_rollback
		FROM pg_stat_database
		WHERE datname = current_database()`).
		Scan(&x.BlocksRead, &x.BlocksHit, &x.TuplesReturned, &x.TuplesFetched, &x.Commits, &x.Rollbacks)
	if err != nil {
		return nil, err
	}
	x.HitRatio = float64(x.BlocksHit) / (float64(x.BlocksRead+x.BlocksHit) + 1e-9)
	return &x, nil
}

func (e *Extractor) tables(ctx context.Context) ([]Table, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT n.nspname, c.relname, c.reltuples::BIGINT, pg_total_relation_size(c.oid)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'r' AND n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY n.nspname, c.relname`)
	if err != nil {
		return nil, err
	}
	var tables []Table
	byName := map[string]int{}
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Schema, &t.Name, &t.EstRows, &t.Bytes); err != nil {
			rows.Close()
			return nil, err
		}
		t.Columns = map[string]Column{}
		t.Indexes = []string{}
		byName[t.Schema+"."+t.Name] = len(tables)
		tables = append(tables, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cols, err := e.db.QueryContext(ctx, `
		SELECT schemaname, tablename, attname, n_distinct
		FROM pg_stats
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')`)
	if err != nil {
		return nil, err
	}
	for cols.Next() {
		var schema, table, column string
		var nd sql.NullFloat64
		if err := cols.Scan(&schema, &table, &column, &nd); err != nil {
			cols.Close()
			return nil, err
		}
		if i, ok := byName[schema+"."+table]; ok {
			tables[i].Columns[column] = Column{NDistinct: nd.Float64}
		}
	}
	cols.Close()
	if err := cols.Err(); err != nil {
		return nil, err
	}

	idx, err := e.db.QueryContext(ctx, `
		SELECT schemaname, tablename, indexname
		FROM pg_indexes
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY indexname`)
	if err != nil {
		return nil, err
	}
	defer idx.Close()
	for idx.Next() {
		var schema, table, name string
		if err := idx.Scan(&schema, &table, &name); err != nil {
			return nil, err
		}
		if i, ok := byName[schema+"."+table]; ok {
			tables[i].Indexes = append(tables[i].Indexes, name)
		}
	}
	return tables, idx.Err()
}

func (e *Extractor) statements(ctx context.Context) ([]Statement, error) {
	limit := e.StatementLimit
	if limit <= 0 {
		limit = 100
	}
	rows, err := e.db.QueryContext(ctx, `
		SELECT query, calls, rows, total_exec_time
		FROM pg_stat_statements
		ORDER BY total_exec_time DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Statement
	for rows.Next() {
		var s Statement
		if err := rows.Scan(&s.Query, &s.Calls, &s.Rows, &s.ExecTimeMS); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (e *Extractor) settings(ctx context.Context) ([]Setting, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT name, setting, COALESCE(unit, ''), context
		FROM pg_settings
		WHERE name = ANY($1)
		ORDER BY name`, pq.Array(e.Knobs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Name, &s.Value, &s.Unit, &s.Context); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (e *Extractor) views(ctx context.Context) ([]View, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT schemaname, matviewname, definition
		FROM pg_matviews
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY schemaname, matviewname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []View
	for rows.Next() {
		var v View
		if err := rows.Scan(&v.Schema, &v.Name, &v.Definition); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
