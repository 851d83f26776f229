package plan

import (
	"fmt"
	"sort"
	"strings"
)

// KnobChange records a knob whose value differs between two plans.
type KnobChange struct {
	Name string
	From string
	To   string
}

// Diff is the set of changes needed to go from one plan to the next.
type Diff struct {
	KnobsAdded      []KnobChange
	KnobsChanged    []KnobChange
	KnobsRemoved    []string
	IndexesAdded    []Index
	IndexesRemoved  []Index
	MatViewsAdded   []MatView
	MatViewsRemoved []MatView
}

// Empty reports whether the two plans were equivalent.
func (d Diff) Empty() bool {
	return len(d.KnobsAdded) == 0 && len(d.KnobsChanged) == 0 && len(d.KnobsRemoved) == 0 &&
		len(d.IndexesAdded) == 0 && len(d.IndexesRemoved) == 0 &&
		len(d.MatViewsAdded) == 0 && len(d.MatViewsRemoved) == 0
}

// Compare computes the diff from prev to next using the same identities the
// merger uses: knob name, index (table, columns) and view query text.
func Compare(prev, next *Plan) Diff {
	if prev == nil {
		prev = New()
	}
	if next == nil {
		next = New()
	}
	var d Diff

	for _, name := range sortedKnobNames(next.Knobs) {
		nk := next.Knobs[name]
		pk, ok := prev.Knobs[name]
		switch {
		case !ok:
			d.KnobsAdded = append(d.KnobsAdded, KnobChange{Name: name, To: nk.ValueString()})
		case pk.ValueString() != nk.ValueString():
			d.KnobsChanged = append(d.KnobsChanged, KnobChange{Name: name, From: pk.ValueString(), To: nk.ValueString()})
		}
	}
	for _, name := range sortedKnobNames(prev.Knobs) {
		if _, ok := next.Knobs[name]; !ok {
			d.KnobsRemoved = append(d.KnobsRemoved, name)
		}
	}

	prevIdx := indexSet(prev.Indexes)
	nextIdx := indexSet(next.Indexes)
	for _, idx := range next.Indexes {
		if _, ok := prevIdx[idx.Key()]; !ok {
			d.IndexesAdded = append(d.IndexesAdded, idx)
		}
	}
	for _, idx := range prev.Indexes {
		if _, ok := nextIdx[idx.Key()]; !ok {
			d.IndexesRemoved = append(d.IndexesRemoved, idx)
		}
	}

	prevMV := viewSet(prev.MatViews)
	nextMV := viewSet(next.MatViews)
	for _, mv := range next.MatViews {
		if _, ok := prevMV[mv.Query]; !ok {
			d.MatViewsAdded = append(d.MatViewsAdded, mv)
		}
	}
	for _, mv := range prev.MatViews {
		if _, ok := nextMV[mv.Query]; !ok {
			d.MatViewsRemoved = append(d.MatViewsRemoved, mv)
		}
	}
	return d
}

// String renders the diff one change per line.
func (d Diff) String() string {
	if d.Empty() {
		return "  (no changes)\n"
	}
	var b strings.Builder
	for _, k := range d.KnobsAdded {
		fmt.Fprintf(&b, "  + knob %s = %s\n", k.Name, k.To)
	}
	for _, k := range d.KnobsChanged {
		fmt.Fprintf(&b, "  ~ knob %s: %s -> %s\n", k.Name, k.From, k.To)
	}
	for _, name := range d.KnobsRemoved {
		fmt.Fprintf(&b, "  - knob %s\n", name)
	}
	for _, idx := range d.IndexesAdded {
		fmt.Fprintf(&b, "  + index %s on %s(%s)\n", displayName(idx.Name), idx.Table, strings.Join(idx.Columns, ", "))
	}
	for _, idx := range d.IndexesRemoved {
		fmt.Fprintf(&b, "  - index %s on %s(%s)\n", displayName(idx.Name), idx.Table, strings.Join(idx.Columns, ", "))
	}
	for _, mv := range d.MatViewsAdded {
		fmt.Fprintf(&b, "  + matview %s\n", displayName(mv.Name))
	}
	for _, mv := range d.MatViewsRemoved {
		fmt.Fprintf(&b, "  - matview %s\n", displayName(mv.Name))
	}
	return b.String()
}

func displayName(name string) string {
	if name == "" {
		return "<unnamed>"
	}
	return name
}

func sortedKnobNames(m map[string]Knob) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func indexSet(idx []Index) map[IndexKey]struct{} {
	out := make(map[IndexKey]struct{}, len(idx))
	for _, i := range idx {
		out[i.Key()] = struct{}{}
	}
	return out
}

func viewSet(mvs []MatView) map[string]struct{} {
	out := make(map[string]struct{}, len(mvs))
	for _, mv := range mvs {
		out[mv.Query] = struct{}{}
	}
	return out
}
