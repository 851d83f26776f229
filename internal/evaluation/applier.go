package evaluation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

// GeneratedPrefix marks objects named by the applier. Reset also sweeps
// prefixed objects left behind by earlier processes.
const GeneratedPrefix = "dbadvisor_"

var (
	simpleIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)
	nameSpace   = uuid.MustParse("8f1b2d3c-5e4a-4c7b-9d6e-0a1b2c3d4e5f")
)

type qualified struct {
	schema string
	name   string
}

func (q qualified) sql() string {
	if q.schema == "" {
		return pq.QuoteIdentifier(q.name)
	}
	return pq.QuoteIdentifier(q.schema) + "." + pq.QuoteIdentifier(q.name)
}

// PostgresApplier installs plans on a Postgres target with ALTER SYSTEM,
// CREATE INDEX and CREATE MATERIALIZED VIEW. Objects it creates are tracked
// so Reset can remove them; objects that already existed are never tracked.
type PostgresApplier struct {
	db     *sql.DB
	logger *log.Logger

	mu sync.Mutex
	// knobs maps a touched knob to its prior ALTER SYSTEM value, if any.
	knobs    map[string]sql.NullString
	indexes  map[qualified]struct{}
	matviews map[qualified]struct{}
}

func NewPostgresApplier(db *sql.DB, logger *log.Logger) *PostgresApplier {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	return &PostgresApplier{
		db:       db,
		logger:   logger,
		knobs:    map[string]sql.NullString{},
		indexes:  map[qualified]struct{}{},
		matviews: map[qualified]struct{}{},
	}
}

// Apply installs p. Individual item failures are logged and skipped; only a
// failed configuration reload fails the whole apply.
func (a *PostgresApplier) Apply(ctx context.Context, p *plan.Plan) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(p.Knobs))
	for name := range p.Knobs {
		names = append(names, name)
	}
	sort.Strings(names)
	set := 0
	for _, name := range names {
		value := p.Knobs[name].ValueString()
		if value == "" {
			a.logger.Printf("knob %s has no value; skipped", name)
			continue
		}
		prior, tracked := a.knobs[name]
		if !tracked {
			var err error
			if prior, err = a.priorKnob(ctx, name); err != nil {
				a.logger.Printf("read prior value of knob %s: %v; skipped", name, err)
				continue
			}
		}
		stmt := fmt.Sprintf("ALTER SYSTEM SET %s = %s", pq.QuoteIdentifier(name), pq.QuoteLiteral(value))
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			a.logger.Printf("set knob %s: %v", name, err)
			continue
		}
		a.knobs[name] = prior
		set++
	}
	if set > 0 {
		if _, err := a.db.ExecContext(ctx, "SELECT pg_reload_conf()"); err != nil {
			return fmt.Errorf("reload configuration: %w", err)
		}
	}

	for _, idx := range p.Indexes {
		if idx.Table == "" || len(idx.Columns) == 0 {
			a.logger.Printf("index %q lacks table or columns; skipped", idx.Name)
			continue
		}
		table := splitQualified(idx.Table)
		name := qualified{schema: table.schema, name: idx.Name}
		if name.name == "" {
			name.name = generatedName("idx", idx.Table+"("+strings.Join(idx.Columns, ",")+")")
		}
		if !a.claim(ctx, name, a.indexes) {
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			pq.QuoteIdentifier(name.name), table.sql(), columnList(idx.Columns))
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			a.logger.Printf("create index %s: %v", name.name, err)
			continue
		}
		a.indexes[name] = struct{}{}
	}

	for _, mv := range p.MatViews {
		query := strings.TrimRight(strings.TrimSpace(mv.Query), "; \n\t")
		if query == "" {
			continue
		}
		name := splitQualified(mv.Name)
		if name.name == "" {
			name = qualified{name: generatedName("mv", query)}
		}
		if !a.claim(ctx, name, a.matviews) {
			continue
		}
		stmt := fmt.Sprintf("CREATE MATERIALIZED VIEW IF NOT EXISTS %s AS %s", name.sql(), query)
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			a.logger.Printf("create materialized view %s: %v", name.name, err)
			continue
		}
		a.matviews[name] = struct{}{}
	}
	return nil
}

// Reset drops the materialized views and indexes the advisor created, puts
// touched knobs back to their prior ALTER SYSTEM state and reloads the
// configuration. Knobs that need a server
// restart keep their running value until the next restart.
func (a *PostgresApplier) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.sweepGenerated(ctx); err != nil {
		a.logger.Printf("discover generated objects: %v", err)
	}
	for mv := range a.matviews {
		if _, err := a.db.ExecContext(ctx, "DROP MATERIALIZED VIEW IF EXISTS "+mv.sql()+" CASCADE"); err != nil {
			a.logger.Printf("drop materialized view %s: %v", mv.name, err)
			continue
		}
		delete(a.matviews, mv)
	}
	for idx := range a.indexes {
		if _, err := a.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+idx.sql()); err != nil {
			a.logger.Printf("drop index %s: %v", idx.name, err)
			continue
		}
		delete(a.indexes, idx)
	}
	if len(a.knobs) == 0 {
		return nil
	}
	for name, prior := range a.knobs {
		stmt := "ALTER SYSTEM RESET " + pq.QuoteIdentifier(name)
		if prior.Valid {
			stmt = fmt.Sprintf("ALTER SYSTEM SET %s = %s", pq.QuoteIdentifier(name), pq.QuoteLiteral(prior.String))
		}
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			a.logger.Printf("reset knob %s: %v", name, err)
			continue
		}
		delete(a.knobs, name)
	}
	if _, err := a.db.ExecContext(ctx, "SELECT pg_reload_conf()"); err != nil {
		return fmt.Errorf("reload configuration: %w", err)
	}
	return nil
}

// claim reports whether name may be created and tracked. A relation that
// already exists and is not tracked belongs to someone else.
func (a *PostgresApplier) claim(ctx context.Context, name qualified, owned map[qualified]struct{}) bool {
	if _, ok := owned[name]; ok {
		return true
	}
	var exists bool
	if err := a.db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", name.sql()).Scan(&exists); err != nil {
		a.logger.Printf("look up %s: %v; skipped", name.name, err)
		return false
	}
	if exists {
		a.logger.Printf("%s already exists on the target; left untouched", name.name)
		return false
	}
	return true
}

// priorKnob returns the value a knob carries in postgresql.auto.conf before
// the applier touches it.
func (a *PostgresApplier) priorKnob(ctx context.Context, name string) (sql.NullString, error) {
	var prior sql.NullString
	err := a.db.QueryRowContext(ctx,
		`SELECT setting FROM pg_file_settings WHERE name = $1 AND sourcefile LIKE '%postgresql.auto.conf' ORDER BY seqno DESC LIMIT 1`,
		name).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.NullString{}, nil
	}
	return prior, err
}

func (a *PostgresApplier) sweepGenerated(ctx context.Context) error {
	pattern := strings.ReplaceAll(GeneratedPrefix, "_", `\_`) + "%"
	for _, q := range []struct {
		query string
		into  map[qualified]struct{}
	}{
		{"SELECT schemaname, matviewname FROM pg_matviews WHERE matviewname LIKE $1", a.matviews},
		{"SELECT schemaname, indexname FROM pg_indexes WHERE indexname LIKE $1", a.indexes},
	} {
		rows, err := a.db.QueryContext(ctx, q.query, pattern)
		if err != nil {
			return err
		}
		for rows.Next() {
			var obj qualified
			if err := rows.Scan(&obj.schema, &obj.name); err != nil {
				rows.Close()
				return err
			}
			q.into[obj] = struct{}{}
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Tracked returns the number of knobs, indexes and materialized views the
// applier currently owns.
func (a *PostgresApplier) Tracked() (knobs, indexes, matviews int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.knobs), len(a.indexes), len(a.matviews)
}

func splitQualified(s string) qualified {
	s = strings.TrimSpace(s)
	if schema, name, ok := strings.Cut(s, "."); ok {
		return qualified{schema: unquote(schema), name: unquote(name)}
	}
	return qualified{name: unquote(s)}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return s
}

// columnList quotes plain column names and passes expressions through in
// parentheses, e.g. lower(email).
func columnList(cols []string) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		c = strings.TrimSpace(c)
		switch {
		case simpleIdent.MatchString(c):
			parts = append(parts, pq.QuoteIdentifier(c))
		case strings.HasPrefix(c, `"`):
			parts = append(parts, c)
		default:
			parts = append(parts, "("+c+")")
		}
	}
	return strings.Join(parts, ", ")
}

func generatedName(kind, key string) string {
	id := uuid.NewSHA1(nameSpace, []byte(key)).String()
	return GeneratedPrefix + kind + "_" + strings.ReplaceAll(id, "-", "")[:12]
}
