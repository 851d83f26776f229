package evaluation

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
)

// CommandBenchmark runs an external load generator such as pgbench and
// averages every metric the pattern captures in its output.
type CommandBenchmark struct {
	command string
	pattern *regexp.Regexp
	logFile string
	logger  *log.Logger
}

// NewCommandBenchmark compiles pattern, whose first capture group must be
// a number.
func NewCommandBenchmark(command, pattern, logFile string, logger *log.Logger) (*CommandBenchmark, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("metric pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("metric pattern %q has no capture group", pattern)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	return &CommandBenchmark{command: command, pattern: re, logFile: logFile, logger: logger}, nil
}

func (b *CommandBenchmark) Run(ctx context.Context) (float64, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", b.command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	runErr := cmd.Run()

	var w io.Writer = io.Discard
	if b.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(b.logFile), 0o755); err == nil {
			if f, err := os.OpenFile(b.logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				defer f.Close()
				w = f
			} else {
				b.logger.Printf("benchmark log: %v", err)
			}
		}
	}

	var (
		sum   float64
		count int
	)
	sc := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		fmt.Fprintln(w, line)
		m := b.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		sum += v
		count++
	}
	if runErr != nil {
		fmt.Fprintf(w, "error: %v\n", runErr)
		return NotRunnable, fmt.Errorf("benchmark command: %w", runErr)
	}
	if count == 0 {
		fmt.Fprintln(w, "error: no metric values found")
		return NotRunnable, fmt.Errorf("no output matched %q: %w", b.pattern, ErrNoWorkload)
	}
	avg := sum / float64(count)
	fmt.Fprintf(w, "metric average: %.2f\n", avg)
	return avg, nil
}
