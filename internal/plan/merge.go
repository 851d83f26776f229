package plan

import (
	"encoding/json"
	"log"
	"sync"
)

// UpdatedHeading is the audit block heading written after every merge.
const UpdatedHeading = "Plan Updated"

// Auditor receives a snapshot of the plan after each merge.
type Auditor interface {
	AppendBlock(heading string, v any) error
}

// MergeStats counts what a single merge did to the plan.
type MergeStats struct {
	Added       int
	Overwritten int
	Duplicates  int
	Skipped     int
}

// Merger folds recommendations into a plan. All merges through one Merger are
// serialized, so concurrent producers cannot interleave partial updates.
type Merger struct {
	mu     sync.Mutex
	audit  Auditor
	logger *log.Logger
}

// NewMerger builds a merger. A nil auditor disables snapshots.
func NewMerger(audit Auditor, logger *log.Logger) *Merger {
	if logger == nil {
		logger = log.New(log.Writer(), "[MERGE] ", log.LstdFlags)
	}
	return &Merger{audit: audit, logger: logger}
}

// Merge applies rec to p in place.
//
// Knobs are last-writer-wins by name. Indexes are deduplicated by table and
// ordered column list, materialized views by query text; in both cases the
// first occurrence is kept and later duplicates are dropped untouched.
// Recommendations from unknown agents leave the plan unchanged. A failed audit
// write is logged and otherwise ignored.
func (m *Merger) Merge(p *Plan, rec Recommendation) MergeStats {
	var stats MergeStats
	if p == nil {
		return stats
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p.normalize()
	switch rec.Agent {
	case KnobTuner:
		stats = mergeKnobs(p, rec.Items)
	case IndexRecommender:
		stats = mergeIndexes(p, rec.Items)
	case MatViewRecommender:
		stats = mergeMatViews(p, rec.Items)
	default:
		m.logger.Printf("ignoring recommendation from unknown agent %q", rec.Agent)
		return stats
	}

	if m.audit != nil {
		if err := m.audit.AppendBlock(UpdatedHeading, p); err != nil {
			m.logger.Printf("plan audit write failed: %v", err)
		}
	}
	return stats
}

func mergeKnobs(p *Plan, items []Item) MergeStats {
	var stats MergeStats
	for _, it := range items {
		if it.Name == "" {
			stats.Skipped++
			continue
		}
		if _, ok := p.Knobs[it.Name]; ok {
			stats.Overwritten++
		} else {
			stats.Added++
		}
		p.Knobs[it.Name] = Knob{Value: append(json.RawMessage(nil), it.Value...), Details: it.Details}
	}
	return stats
}

func mergeIndexes(p *Plan, items []Item) MergeStats {
	var stats MergeStats
	seen := make(map[IndexKey]struct{}, len(p.Indexes)+len(items))
	for _, idx := range p.Indexes {
		seen[idx.Key()] = struct{}{}
	}
	for _, it := range items {
		idx := Index{
			Name:    it.Name,
			Table:   it.Table,
			Columns: append([]string{}, it.Columns...),
			Details: it.Details,
		}
		key := idx.Key()
		if _, dup := seen[key]; dup {
			stats.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		p.Indexes = append(p.Indexes, idx)
		stats.Added++
	}
	return stats
}

func mergeMatViews(p *Plan, items []Item) MergeStats {
	var stats MergeStats
	seen := make(map[string]struct{}, len(p.MatViews)+len(items))
	for _, mv := range p.MatViews {
		seen[mv.Query] = struct{}{}
	}
	for _, it := range items {
		if it.Query == "" {
			stats.Skipped++
			continue
		}
		if _, dup := seen[it.Query]; dup {
			stats.Duplicates++
			continue
		}
		seen[it.Query] = struct{}{}
		p.MatViews = append(p.MatViews, MatView{Name: it.Name, Query: it.Query, Details: it.Details})
		stats.Added++
	}
	return stats
}
