// Package auditlog appends JSON snapshots to plain text files. Two layouts are
// supported: headed blocks ("=== Heading ===" followed by indented JSON and a
// blank line) for human inspection, and JSON lines for replay tooling.
package auditlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log is an append-only file. A nil *Log discards everything, which lets
// callers keep auditing optional without nil checks.
type Log struct {
	path string
	mu   sync.Mutex
}

// Discard is a Log that writes nothing.
var Discard *Log

// Open returns a Log writing to path. The parent directory is created lazily
// on first write.
func Open(path string) *Log {
	return &Log{path: path}
}

// Path returns the backing file path.
func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// AppendBlock writes v as an indented JSON block under heading.
func (l *Log) AppendBlock(heading string, v any) error {
	if l == nil {
		return nil
	}
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("audit %s: %w", heading, err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=== %s ===\n", heading)
	buf.Write(body)
	buf.WriteString("\n\n")
	return l.write(buf.Bytes())
}

// AppendText writes free text under heading. Blank lines inside text are
// collapsed so the block boundary stays unambiguous.
func (l *Log) AppendText(heading, text string) error {
	if l == nil {
		return nil
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=== %s ===\n", heading)
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return l.write(buf.Bytes())
}

// AppendLine writes v as a single compact JSON line.
func (l *Log) AppendLine(v any) error {
	if l == nil {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit line: %w", err)
	}
	return l.write(append(body, '\n'))
}

func (l *Log) write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("audit mkdir: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit open: %w", err)
	}
	if _, err := f.Write(p); err != nil {
		f.Close()
		return fmt.Errorf("audit write: %w", err)
	}
	return f.Close()
}

// ReadBlocks returns the JSON bodies of every block with the given heading.
// Bodies that are not valid JSON are skipped.
func ReadBlocks(r io.Reader, heading string) ([]json.RawMessage, error) {
	marker := fmt.Sprintf("=== %s ===", heading)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		out     []json.RawMessage
		body    bytes.Buffer
		inBlock bool
	)
	flush := func() {
		if inBlock && json.Valid(body.Bytes()) {
			out = append(out, append(json.RawMessage(nil), body.Bytes()...))
		}
		body.Reset()
		inBlock = false
	}
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "=== ") && strings.HasSuffix(line, " ==="):
			flush()
			inBlock = line == marker
		case strings.TrimSpace(line) == "":
			flush()
		case inBlock:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read blocks: %w", err)
	}
	return out, nil
}

// ReadLines returns every non-empty JSON line. Invalid lines are skipped.
func ReadLines(r io.Reader) ([]json.RawMessage, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var out []json.RawMessage
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		out = append(out, append(json.RawMessage(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read lines: %w", err)
	}
	return out, nil
}
