package workload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestExtractorSnapshotDegradesPerSection(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("FROM pg_stat_database").
		WillReturnRows(sqlmock.NewRows([]string{"blks_read", "blks_hit", "tup_returned", "tup_fetched", "xact_commit", "xact_rollback"}).
			AddRow(10, 90, 1000, 500, 20, 1))
	mock.ExpectQuery("FROM pg_class c").
		WillReturnRows(sqlmock.NewRows([]string{"nspname", "relname", "reltuples", "size"}).
			AddRow("public", "orders", 5000, 81920))
	mock.ExpectQuery("FROM pg_stats").
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "tablename", "attname", "n_distinct"}).
			AddRow("public", "orders", "customer_id", -0.2).
			AddRow("public", "missing", "x", 1))
	mock.ExpectQuery("FROM pg_indexes").
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "tablename", "indexname"}).
			AddRow("public", "orders", "orders_pkey"))
	mock.ExpectQuery("FROM pg_stat_statements").
		WithArgs(100).
		WillReturnError(errors.New(`relation "pg_stat_statements" does not exist`))
	mock.ExpectQuery("FROM pg_settings").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"name", "setting", "unit", "context"}).
			AddRow("work_mem", "4096", "kB", "user"))
	mock.ExpectQuery("FROM pg_matviews").
		WillReturnRows(sqlmock.NewRows([]string{"schemaname", "matviewname", "definition"}))

	snap := NewExtractor(db, quiet()).Snapshot(context.Background())

	if snap.Execution == nil || snap.Execution.HitRatio < 0.89 || snap.Execution.HitRatio > 0.91 {
		t.Fatalf("unexpected execution section: %+v", snap.Execution)
	}
	if len(snap.Tables) != 1 || snap.Tables[0].Indexes[0] != "orders_pkey" {
		t.Fatalf("unexpected tables: %+v", snap.Tables)
	}
	if _, ok := snap.Tables[0].Columns["customer_id"]; !ok {
		t.Fatalf("column stats not attached")
	}
	if snap.Errors["queries"] == "" {
		t.Fatalf("expected statements error to be recorded")
	}
	if len(snap.Settings) != 1 {
		t.Fatalf("expected one setting")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDocumentsAndContextPersistence(t *testing.T) {
	dir := t.TempDir()
	wctx := NewContext(dir, quiet())
	docs, err := Documents(Snapshot{
		Execution:  &Execution{BlocksHit: 1},
		Statements: []Statement{{Query: "SELECT 1", Calls: 3}},
	})
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	wctx.Update(docs)

	if !strings.Contains(wctx.Features(SectionIndexes), "SELECT 1") {
		t.Fatalf("index features missing statements: %s", wctx.Features(SectionIndexes))
	}
	var knobs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(wctx.Features(SectionKnobs)), &knobs); err != nil {
		t.Fatalf("knob features not JSON: %v", err)
	}
	if _, ok := knobs["execution"]; !ok {
		t.Fatalf("knob features missing execution section")
	}
	if wctx.RefreshedAt().IsZero() {
		t.Fatalf("refresh time not set")
	}

	if _, err := os.Stat(filepath.Join(dir, SectionReview.FileName())); err != nil {
		t.Fatalf("review features not persisted: %v", err)
	}
	loaded, err := LoadFromDir(dir, quiet())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Features(SectionMatViews) != wctx.Features(SectionMatViews) {
		t.Fatalf("reloaded features differ")
	}
}

func TestLoadFromEmptyDir(t *testing.T) {
	wctx, err := LoadFromDir(t.TempDir(), quiet())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if wctx.Features(SectionKnobs) != "" || !wctx.RefreshedAt().IsZero() {
		t.Fatalf("expected empty context")
	}
}

func TestNilContextIsEmpty(t *testing.T) {
	var wctx *Context
	if wctx.Features(SectionReview) != "" {
		t.Fatalf("nil context should report no features")
	}
	wctx.Update(map[Section]string{SectionReview: "x"})
}

func TestResetStatements(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS pg_stat_statements").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_stat_statements_reset\(\)`).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := NewExtractor(db, quiet()).ResetStatements(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
