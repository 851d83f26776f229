package evaluation

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SQLBenchmark runs every *.sql file of a directory against the target and
// reports the total elapsed seconds. Lower is better.
type SQLBenchmark struct {
	db       *sql.DB
	queryDir string
	logFile  string
	repeat   int
	logger   *log.Logger
}

func NewSQLBenchmark(db *sql.DB, queryDir, logFile string, repeat int, logger *log.Logger) *SQLBenchmark {
	if repeat <= 0 {
		repeat = 1
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	return &SQLBenchmark{db: db, queryDir: queryDir, logFile: logFile, repeat: repeat, logger: logger}
}

func (b *SQLBenchmark) files() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.queryDir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (b *SQLBenchmark) Run(ctx context.Context) (float64, error) {
	files, err := b.files()
	if err != nil {
		return NotRunnable, err
	}
	if len(files) == 0 {
		return NotRunnable, fmt.Errorf("%s: %w", b.queryDir, ErrNoWorkload)
	}
	queries := make([]string, len(files))
	for i, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return NotRunnable, fmt.Errorf("read %s: %w", f, err)
		}
		queries[i] = string(data)
	}

	var (
		total  time.Duration
		report strings.Builder
	)
	for r := 1; r <= b.repeat; r++ {
		for i, q := range queries {
			if err := ctx.Err(); err != nil {
				return NotRunnable, err
			}
			start := time.Now()
			if _, err := b.db.ExecContext(ctx, q); err != nil {
				return NotRunnable, fmt.Errorf("run %s: %w", filepath.Base(files[i]), err)
			}
			elapsed := time.Since(start)
			total += elapsed
			fmt.Fprintf(&report, "run %d %s %.4fs\n", r, filepath.Base(files[i]), elapsed.Seconds())
		}
	}
	fmt.Fprintf(&report, "total %.4fs over %d run(s)\n", total.Seconds(), b.repeat)
	b.writeLog(report.String())
	return total.Seconds(), nil
}

func (b *SQLBenchmark) writeLog(text string) {
	if b.logFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(b.logFile), 0o755); err != nil {
		b.logger.Printf("benchmark log dir: %v", err)
		return
	}
	f, err := os.OpenFile(b.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		b.logger.Printf("benchmark log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString("=== " + time.Now().UTC().Format(time.RFC3339) + " ===\n" + text + "\n"); err != nil {
		b.logger.Printf("benchmark log: %v", err)
	}
}
