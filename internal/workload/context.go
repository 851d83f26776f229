package workload

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Section names one per-domain feature document. The values double as the
// file name stem under the log directory.
type Section string

const (
	SectionKnobs    Section = "knob_tuning"
	SectionIndexes  Section = "indexes_recommendation"
	SectionMatViews Section = "materialised_views_recommendation"
	SectionReview   Section = "optimization_plan_review"
)

// Sections lists every feature document in a stable order.
var Sections = []Section{SectionKnobs, SectionIndexes, SectionMatViews, SectionReview}

// FileName returns the on-disk name of the section's feature document.
func (s Section) FileName() string {
	return string(s) + "_features.json"
}

// Context is the workload description shared by every oracle call of a run.
// It is built once at loop start, refreshed between rounds and passed
// explicitly; there is no package level copy.
type Context struct {
	mu          sync.RWMutex
	features    map[Section]string
	refreshedAt time.Time
	dir         string
	logger      *log.Logger
}

// NewContext returns an empty context. When dir is non-empty every update is
// also written to <dir>/<section>_features.json.
func NewContext(dir string, logger *log.Logger) *Context {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKLOAD] ", log.LstdFlags)
	}
	return &Context{features: map[Section]string{}, dir: dir, logger: logger}
}

// LoadFromDir seeds a context from feature documents saved by a previous run.
// Missing files are skipped; the context is still usable.
func LoadFromDir(dir string, logger *log.Logger) (*Context, error) {
	c := NewContext(dir, logger)
	loaded := 0
	for _, s := range Sections {
		data, err := os.ReadFile(filepath.Join(dir, s.FileName()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return c, fmt.Errorf("load %s: %w", s, err)
		}
		c.features[s] = string(data)
		loaded++
	}
	if loaded > 0 {
		c.refreshedAt = time.Now()
	}
	return c, nil
}

// Features returns the document for s, or "" when none is known.
func (c *Context) Features(s Section) string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.features[s]
}

// RefreshedAt is the time of the last successful update.
func (c *Context) RefreshedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Update replaces the documents present in docs and persists them. Persistence
// failures are logged only.
func (c *Context) Update(docs map[Section]string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	for s, doc := range docs {
		c.features[s] = doc
	}
	c.refreshedAt = time.Now()
	dir := c.dir
	c.mu.Unlock()

	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Printf("feature dir %s: %v", dir, err)
		return
	}
	for s, doc := range docs {
		path := filepath.Join(dir, s.FileName())
		if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
			c.logger.Printf("save features %s: %v", path, err)
		}
	}
}
