package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Agent names the recommender that produced a Recommendation.
type Agent string

const (
	KnobTuner          Agent = "KnobTuner"
	IndexRecommender   Agent = "IndexRecommender"
	MatViewRecommender Agent = "MatViewRecommender"
)

// Agents lists the recommenders in the order they are consulted during collection.
var Agents = []Agent{KnobTuner, IndexRecommender, MatViewRecommender}

// Valid reports whether a is one of the known recommenders.
func (a Agent) Valid() bool {
	switch a {
	case KnobTuner, IndexRecommender, MatViewRecommender:
		return true
	}
	return false
}

// Knob is a single parameter setting. Value keeps the raw JSON the recommender
// produced so "512MB", 4 and true all survive a round trip.
type Knob struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Details string          `json:"details,omitempty"`
}

// ValueString renders the knob value the way it is written into a SET statement.
func (k Knob) ValueString() string {
	raw := bytes.TrimSpace(k.Value)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Index is a recommended secondary index.
type Index struct {
	Name    string   `json:"name,omitempty"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Details string   `json:"details,omitempty"`
}

// IndexKey identifies an index for deduplication. Column order is significant.
type IndexKey struct {
	Table   string
	Columns string
}

// Key returns the (table, ordered columns) identity of the index.
func (i Index) Key() IndexKey {
	return IndexKey{Table: i.Table, Columns: strings.Join(i.Columns, "\x1f")}
}

// MatView is a recommended materialized view. Its identity is the query text.
type MatView struct {
	Name    string `json:"name,omitempty"`
	Query   string `json:"query"`
	Details string `json:"details,omitempty"`
}

// Plan is the bundle of knobs, indexes and materialized views under negotiation.
// It is mutated only through a Merger.
type Plan struct {
	Knobs    map[string]Knob   `json:"knobs"`
	Indexes  []Index           `json:"indexes"`
	MatViews []MatView         `json:"matviews"`
	History  []json.RawMessage `json:"history"`
}

// New returns an empty plan with every collection allocated.
func New() *Plan {
	return &Plan{
		Knobs:    map[string]Knob{},
		Indexes:  []Index{},
		MatViews: []MatView{},
		History:  []json.RawMessage{},
	}
}

// Decode parses the interchange JSON form of a plan.
func Decode(data []byte) (*Plan, error) {
	p := New()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	p.normalize()
	return p, nil
}

// MarshalJSON keeps the key set stable: empty collections encode as {} or [],
// never null, so offline tooling can replay a run without special cases.
func (p Plan) MarshalJSON() ([]byte, error) {
	type wire Plan
	cp := p
	cp.Indexes = append([]Index(nil), p.Indexes...)
	cp.normalize()
	return json.Marshal(wire(cp))
}

func (p *Plan) normalize() {
	if p.Knobs == nil {
		p.Knobs = map[string]Knob{}
	}
	if p.Indexes == nil {
		p.Indexes = []Index{}
	}
	for i := range p.Indexes {
		if p.Indexes[i].Columns == nil {
			p.Indexes[i].Columns = []string{}
		}
	}
	if p.MatViews == nil {
		p.MatViews = []MatView{}
	}
	if p.History == nil {
		p.History = []json.RawMessage{}
	}
}

// Clone returns a deep copy. Frozen plans are handed off as clones so the
// evaluator and the next round never share storage with a live round.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := New()
	for name, k := range p.Knobs {
		out.Knobs[name] = Knob{Value: append(json.RawMessage(nil), k.Value...), Details: k.Details}
	}
	for _, idx := range p.Indexes {
		idx.Columns = append([]string{}, idx.Columns...)
		out.Indexes = append(out.Indexes, idx)
	}
	out.MatViews = append(out.MatViews, p.MatViews...)
	for _, h := range p.History {
		out.History = append(out.History, append(json.RawMessage(nil), h...))
	}
	return out
}

// IsEmpty reports whether the plan carries no knobs, indexes or views.
func (p *Plan) IsEmpty() bool {
	return p == nil || (len(p.Knobs) == 0 && len(p.Indexes) == 0 && len(p.MatViews) == 0)
}

// Fragment returns the JSON of the collection owned by agent. A nil plan or an
// unknown agent yields nil.
func (p *Plan) Fragment(agent Agent) json.RawMessage {
	if p == nil {
		return nil
	}
	var v any
	switch agent {
	case KnobTuner:
		v = nonNilKnobs(p.Knobs)
	case IndexRecommender:
		v = nonNilIndexes(p.Indexes)
	case MatViewRecommender:
		v = nonNilMatViews(p.MatViews)
	default:
		return nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil
	}
	return b
}

// Summary is a short human readable description used in logs.
func (p *Plan) Summary() string {
	if p == nil {
		return "no plan"
	}
	return fmt.Sprintf("%d knobs, %d indexes, %d matviews", len(p.Knobs), len(p.Indexes), len(p.MatViews))
}

func nonNilKnobs(m map[string]Knob) map[string]Knob {
	if m == nil {
		return map[string]Knob{}
	}
	return m
}

func nonNilIndexes(s []Index) []Index {
	if s == nil {
		return []Index{}
	}
	return s
}

func nonNilMatViews(s []MatView) []MatView {
	if s == nil {
		return []MatView{}
	}
	return s
}

// Item is one proposed plan entry as it comes out of the parse boundary. Which
// fields are meaningful depends on the producing agent.
type Item struct {
	Name    string          `json:"name,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Table   string          `json:"table,omitempty"`
	Columns []string        `json:"columns,omitempty"`
	Query   string          `json:"query,omitempty"`
	Details string          `json:"details,omitempty"`
}

// Recommendation is a normalized recommender response.
type Recommendation struct {
	Agent     Agent  `json:"agent"`
	Items     []Item `json:"items"`
	Rationale string `json:"rationale,omitempty"`
}

// HistoryEntry is one past optimization round as fed back to the reviewer.
type HistoryEntry struct {
	Round       int     `json:"round"`
	Plan        *Plan   `json:"plan"`
	Result      float64 `json:"result"`
	Improvement float64 `json:"improvement"`
	Failed      bool    `json:"failed,omitempty"`
}

// Opinion is the reviewer verdict on a plan.
type Opinion string

const (
	Accept Opinion = "Accept"
	Reject Opinion = "Reject"
)

// Revision asks one recommender to rework its part of the plan.
type Revision struct {
	Agent   Agent  `json:"agent"`
	Comment string `json:"comment"`
}

// Decision is a normalized reviewer response.
type Decision struct {
	Opinion   Opinion    `json:"opinion"`
	Revisions []Revision `json:"revisions"`
}
