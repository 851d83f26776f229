package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

// ExtractFirstJSON returns the first balanced top-level JSON object in s.
// Braces inside string literals are ignored, which keeps SQL in "query"
// fields from confusing the scan.
func ExtractFirstJSON(s string) (string, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1], nil
				}
			}
		}
	}
	return "", ErrNoJSON
}

// ParseRecommendation turns raw model output into a Recommendation for agent.
// Output without a decodable JSON object yields no items and keeps the raw
// text as rationale.
func ParseRecommendation(agent plan.Agent, raw string) Recommendation {
	rec, err := parseRecommendation(agent, raw)
	if err != nil {
		return Recommendation{Agent: agent, Items: []Item{}, Rationale: raw}
	}
	return rec
}

func parseRecommendation(agent plan.Agent, raw string) (Recommendation, error) {
	obj, err := ExtractFirstJSON(raw)
	if err != nil {
		return Recommendation{}, err
	}
	var env struct {
		Items     json.RawMessage `json:"items"`
		Rationale json.RawMessage `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(obj), &env); err != nil {
		return Recommendation{}, fmt.Errorf("decode recommendation: %w", err)
	}
	rec := Recommendation{Agent: agent, Items: []Item{}, Rationale: textField(env.Rationale)}
	if isNull(env.Items) {
		return rec, nil
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(env.Items, &items); err != nil {
		return Recommendation{}, fmt.Errorf("decode items: %w", err)
	}
	for _, fields := range items {
		if fields == nil {
			continue
		}
		rec.Items = append(rec.Items, decodeItem(fields))
	}
	return rec, nil
}

// decodeItem copies only the enumerated fields; anything else the model
// invents is dropped here.
func decodeItem(fields map[string]json.RawMessage) Item {
	it := Item{
		Name:    textField(fields["name"]),
		Table:   textField(fields["table"]),
		Query:   textField(fields["query"]),
		Details: textField(fields["details"]),
		Columns: columnsField(fields["columns"]),
	}
	if v := bytes.TrimSpace(fields["value"]); len(v) > 0 && !isNull(v) {
		it.Value = append(json.RawMessage(nil), v...)
	}
	return it
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

// textField renders a JSON string as its value and any other JSON as compact text.
func textField(raw json.RawMessage) string {
	if isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// columnsField accepts ["a","b"] or "a, b".
func columnsField(raw json.RawMessage) []string {
	if isNull(raw) {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		cols := make([]string, 0, len(list))
		for _, c := range list {
			if s := strings.TrimSpace(textField(c)); s != "" {
				cols = append(cols, s)
			}
		}
		return cols
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var cols []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cols = append(cols, part)
			}
		}
		return cols
	}
	return nil
}

// ParseDecision decodes reviewer output. The opinion is matched
// case-insensitively and revisions may appear under "revisions" or
// "Revisions". An absent or unrecognized opinion is an error so the caller
// can fall back deterministically.
func ParseDecision(raw string) (Decision, error) {
	obj, err := ExtractFirstJSON(raw)
	if err != nil {
		return Decision{}, err
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &env); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	var d Decision
	switch strings.ToLower(strings.TrimSpace(textField(lookup(env, "opinion")))) {
	case "accept", "accepted":
		d.Opinion = plan.Accept
	case "reject", "rejected", "revise":
		d.Opinion = plan.Reject
	default:
		return Decision{}, fmt.Errorf("unrecognized opinion in %q", obj)
	}
	d.Revisions = []Revision{}
	revs := lookup(env, "revisions")
	if isNull(revs) {
		return d, nil
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(revs, &items); err != nil {
		return Decision{}, fmt.Errorf("decode revisions: %w", err)
	}
	for _, it := range items {
		if it == nil {
			continue
		}
		d.Revisions = append(d.Revisions, Revision{
			Agent:   plan.Agent(strings.TrimSpace(textField(lookup(it, "agent")))),
			Comment: textField(lookup(it, "comment")),
		})
	}
	return d, nil
}

// lookup finds key, falling back to a case-insensitive match.
func lookup(m map[string]json.RawMessage, key string) json.RawMessage {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

// FallbackDecision is used whenever the reviewer cannot produce a usable
// answer: a plan with anything in it is accepted, an empty one rejected, and
// no revisions are requested either way.
func FallbackDecision(p *plan.Plan) Decision {
	if p.IsEmpty() {
		return Decision{Opinion: plan.Reject, Revisions: []Revision{}}
	}
	return Decision{Opinion: plan.Accept, Revisions: []Revision{}}
}
