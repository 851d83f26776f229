package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

var quiet = log.New(io.Discard, "", 0)

func TestImprovementDirections(t *testing.T) {
	if got := Improvement(100, 80, LowerIsBetter); math.Abs(got-20) > 1e-9 {
		t.Fatalf("lower: got %v", got)
	}
	if got := Improvement(100, 120, HigherIsBetter); math.Abs(got-20) > 1e-9 {
		t.Fatalf("higher: got %v", got)
	}
	if got := Improvement(100, 120, LowerIsBetter); math.Abs(got+20) > 1e-9 {
		t.Fatalf("regression should be negative: got %v", got)
	}
	if Improvement(0, 5, LowerIsBetter) != 0 || Improvement(-1, 5, HigherIsBetter) != 0 {
		t.Fatalf("non-positive baseline must yield 0")
	}
	if !Better(1, 2, LowerIsBetter) || !Better(2, 1, HigherIsBetter) {
		t.Fatalf("Better disagrees with direction")
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Fatalf("expected error for unknown direction")
	}
	if d, _ := ParseDirection(" Higher "); d != HigherIsBetter {
		t.Fatalf("direction not normalised")
	}
}

type stubApplier struct {
	calls    []string
	applyErr error
}

func (s *stubApplier) Apply(ctx context.Context, p *plan.Plan) error {
	s.calls = append(s.calls, "apply")
	return s.applyErr
}

func (s *stubApplier) Reset(ctx context.Context) error {
	s.calls = append(s.calls, "reset")
	return nil
}

type stubBench struct {
	v   float64
	err error
}

func (b stubBench) Run(ctx context.Context) (float64, error) { return b.v, b.err }

func TestPlanHarnessResetsThenApplies(t *testing.T) {
	a := &stubApplier{}
	h := NewPlanHarness(a, stubBench{v: 12.5}, 0, quiet)
	if got := h.Evaluate(context.Background(), plan.New()); got != 12.5 {
		t.Fatalf("got %v", got)
	}
	if strings.Join(a.calls, ",") != "reset,apply" {
		t.Fatalf("unexpected call order %v", a.calls)
	}
}

func TestPlanHarnessSentinel(t *testing.T) {
	cases := []struct {
		applier Applier
		bench   Benchmark
	}{
		{&stubApplier{applyErr: errors.New("reload failed")}, stubBench{v: 1}},
		{nil, stubBench{err: ErrNoWorkload}},
		{nil, stubBench{v: -3}},
	}
	for i, c := range cases {
		if got := NewPlanHarness(c.applier, c.bench, 0, quiet).Evaluate(context.Background(), plan.New()); got != NotRunnable {
			t.Fatalf("case %d: expected sentinel, got %v", i, got)
		}
	}
}

func TestPostgresApplierApplyAndReset(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	p := plan.New()
	p.Knobs["work_mem"] = plan.Knob{Value: json.RawMessage(`"64MB"`)}
	p.Knobs["empty"] = plan.Knob{}
	p.Indexes = []plan.Index{
		{Name: "idx_orders_customer", Table: "public.orders", Columns: []string{"customer_id", "lower(email)"}},
		{Table: "lineitem", Columns: []string{"l_orderkey"}},
	}
	p.MatViews = []plan.MatView{{Name: "mv_totals", Query: "SELECT 1;"}}

	mock.ExpectQuery(`SELECT setting FROM pg_file_settings`).WithArgs("work_mem").
		WillReturnRows(sqlmock.NewRows([]string{"setting"}))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER SYSTEM SET "work_mem" = '64MB'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_reload_conf()`)).WillReturnResult(sqlmock.NewResult(0, 0))
	expectRegclass(mock, `"public"."idx_orders_customer"`, false)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "idx_orders_customer" ON "public"."orders" ("customer_id", (lower(email)))`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass($1) IS NOT NULL`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS "dbadvisor_idx_[0-9a-f]{12}" ON "lineitem" \("l_orderkey"\)`).
		WillReturnError(errors.New("relation does not exist"))
	expectRegclass(mock, `"mv_totals"`, false)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE MATERIALIZED VIEW IF NOT EXISTS "mv_totals" AS SELECT 1`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	a := NewPostgresApplier(db, quiet)
	if err := a.Apply(context.Background(), p); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if k, i, m := a.Tracked(); k != 1 || i != 1 || m != 1 {
		t.Fatalf("unexpected tracked objects %d %d %d", k, i, m)
	}

	mock.ExpectQuery(`SELECT schemaname, matviewname FROM pg_matviews`).
		WithArgs(`dbadvisor\_%`).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "matviewname"}))
	mock.ExpectQuery(`SELECT schemaname, indexname FROM pg_indexes`).
		WithArgs(`dbadvisor\_%`).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "indexname"}).AddRow("public", "dbadvisor_idx_old"))
	mock.ExpectExec(regexp.QuoteMeta(`DROP MATERIALIZED VIEW IF EXISTS "mv_totals" CASCADE`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(regexp.QuoteMeta(`DROP INDEX IF EXISTS "public"."idx_orders_customer"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DROP INDEX IF EXISTS "public"."dbadvisor_idx_old"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER SYSTEM RESET "work_mem"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_reload_conf()`)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := a.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if k, i, m := a.Tracked(); k != 0 || i != 0 || m != 0 {
		t.Fatalf("reset left tracked objects %d %d %d", k, i, m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func expectRegclass(mock sqlmock.Sqlmock, name string, exists bool) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass($1) IS NOT NULL`)).
		WithArgs(name).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestPostgresApplierLeavesExistingObjects(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	p := plan.New()
	p.Knobs["work_mem"] = plan.Knob{Value: json.RawMessage(`"64MB"`)}
	p.Indexes = []plan.Index{{Name: "orders_customer_idx", Table: "orders", Columns: []string{"customer_id"}}}
	p.MatViews = []plan.MatView{{Name: "reporting.daily", Query: "SELECT 1"}}

	mock.ExpectQuery(`SELECT setting FROM pg_file_settings`).WithArgs("work_mem").
		WillReturnRows(sqlmock.NewRows([]string{"setting"}).AddRow("8MB"))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER SYSTEM SET "work_mem" = '64MB'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_reload_conf()`)).WillReturnResult(sqlmock.NewResult(0, 0))
	expectRegclass(mock, `"orders_customer_idx"`, true)
	expectRegclass(mock, `"reporting"."daily"`, true)

	a := NewPostgresApplier(db, quiet)
	if err := a.Apply(context.Background(), p); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if k, i, m := a.Tracked(); k != 1 || i != 0 || m != 0 {
		t.Fatalf("existing objects must not be tracked, got %d %d %d", k, i, m)
	}

	mock.ExpectQuery(`SELECT schemaname, matviewname FROM pg_matviews`).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "matviewname"}))
	mock.ExpectQuery(`SELECT schemaname, indexname FROM pg_indexes`).
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "indexname"}))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER SYSTEM SET "work_mem" = '8MB'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_reload_conf()`)).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := a.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresApplierSkipsKnobWithUnknownPrior(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	p := plan.New()
	p.Knobs["work_mem"] = plan.Knob{Value: json.RawMessage(`"64MB"`)}
	mock.ExpectQuery(`SELECT setting FROM pg_file_settings`).WithArgs("work_mem").
		WillReturnError(errors.New("permission denied for view pg_file_settings"))

	a := NewPostgresApplier(db, quiet)
	if err := a.Apply(context.Background(), p); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if k, _, _ := a.Tracked(); k != 0 {
		t.Fatalf("knob with unreadable prior value must be skipped")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGeneratedNameIsStable(t *testing.T) {
	a, b := generatedName("mv", "SELECT 1"), generatedName("mv", "SELECT 1")
	if a != b || !strings.HasPrefix(a, GeneratedPrefix+"mv_") || len(a) > 63 {
		t.Fatalf("unexpected generated name %q / %q", a, b)
	}
	if generatedName("mv", "SELECT 2") == a {
		t.Fatalf("different keys should differ")
	}
}

func TestSQLBenchmark(t *testing.T) {
	dir := t.TempDir()
	for name, q := range map[string]string{"02.sql": "SELECT 2", "01.sql": "SELECT 1", "notes.txt": "ignored"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(q), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	for i := 0; i < 2; i++ {
		mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("SELECT 2").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	logFile := filepath.Join(dir, "log", "bench.log")
	v, err := NewSQLBenchmark(db, dir, logFile, 2, quiet).Run(context.Background())
	if err != nil || v < 0 {
		t.Fatalf("run: %v %v", v, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
	data, _ := os.ReadFile(logFile)
	if !strings.Contains(string(data), "run 2 02.sql") || !strings.Contains(string(data), "over 2 run(s)") {
		t.Fatalf("unexpected benchmark log:\n%s", data)
	}

	if _, err := NewSQLBenchmark(db, t.TempDir(), "", 1, quiet).Run(context.Background()); !errors.Is(err, ErrNoWorkload) {
		t.Fatalf("expected ErrNoWorkload, got %v", err)
	}
}

func TestCommandBenchmarkAverages(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "cmd.log")
	b, err := NewCommandBenchmark(`printf 'trx: 10\nnoise\ntrx: 20\n'`, `trx:\s*(\d+)`, logFile, quiet)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	v, err := b.Run(context.Background())
	if err != nil || v != 15 {
		t.Fatalf("expected average 15, got %v err=%v", v, err)
	}
	data, _ := os.ReadFile(logFile)
	if !strings.Contains(string(data), "metric average: 15.00") {
		t.Fatalf("unexpected log:\n%s", data)
	}

	b, _ = NewCommandBenchmark(`echo nothing`, `tps = ([0-9.]+)`, "", quiet)
	if v, err := b.Run(context.Background()); v != NotRunnable || !errors.Is(err, ErrNoWorkload) {
		t.Fatalf("expected sentinel, got %v %v", v, err)
	}
	if _, err := NewCommandBenchmark("true", `tps`, "", quiet); err == nil {
		t.Fatalf("pattern without capture group should be rejected")
	}
}
