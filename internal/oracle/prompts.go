package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

const noFeatures = "No workload features available yet."

// Prompter renders oracle prompts. Metric names the optimized quantity, for
// example "latency" or "throughput".
type Prompter struct {
	Metric string
}

func (p Prompter) metric() string {
	if p.Metric == "" {
		return "latency"
	}
	return p.Metric
}

// SpecialistSystem is the system prompt of a recommender for domain.
func SpecialistSystem(domain Domain) string {
	return fmt.Sprintf("You are an experienced database administrator, skilled in database %s. "+
		"You work on a PostgreSQL instance and answer with a single JSON object only.", domain)
}

// ReviewerSystem is the system prompt of the reviewer.
func ReviewerSystem() string {
	return "You are an experienced database administrator, skilled in database optimization. " +
		"You coordinate a knob tuner, an index recommender and a materialized view recommender " +
		"and answer with a single JSON object only."
}

// outputFormat describes the expected JSON for each recommendation domain.
var outputFormat = map[Domain]string{
	DomainKnobs: `Output Format:
- Output must be a valid JSON object.
- The object must contain:
  - "items": a list of parameter recommendations. Each item must have at least:
    - "name": the parameter name
    - "value": the suggested value
    - "details": (optional) explanation of why this setting is recommended
  - "rationale": a short overall explanation for the recommendations.

Example:
{
  "items": [
    {"name": "work_mem", "value": "512MB", "details": "Larger work_mem speeds up hash joins"},
    {"name": "shared_buffers", "value": "4GB"}
  ],
  "rationale": "Adjusted memory-related parameters for OLAP workload efficiency."
}`,
	DomainIndexes: `Output Format:
- Output must be a valid JSON object.
- The object must contain:
  - "items": a list of index recommendations. Each item must have:
    - "name": the index name
    - "table": the table where the index will be created
    - "columns": the columns to be indexed, in index order
    - "details": (optional) explanation of why this index helps
  - "rationale": a short overall explanation for the recommendations.

Example:
{
  "items": [
    {"name": "idx_orders_customer", "table": "orders", "columns": ["customer_id"], "details": "Speeds up lookups by customer"}
  ],
  "rationale": "Adding selective indexes reduces scan costs for common queries."
}`,
	DomainMatViews: `Output Format:
- Output must be a valid JSON object.
- The object must contain:
  - "items": a list of materialized view recommendations. Each item must have:
    - "name": the materialized view name
    - "query": the SQL query that defines the materialized view
    - "details": (optional) explanation of why this materialized view helps
  - "rationale": a short overall explanation for the recommendations.

Example:
{
  "items": [
    {"name": "mv_top_customers", "query": "SELECT customer_id, SUM(amount) FROM orders GROUP BY customer_id", "details": "Precomputes aggregation for top customers"}
  ],
  "rationale": "Pre-aggregating common queries reduces repeated computation."
}`,
}

// Recommend renders the initial recommendation prompt for domain.
func (p Prompter) Recommend(domain Domain, features string, search [][]string, previous *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task Overview:\nRecommend %s changes for the PostgreSQL instance described below in order to optimize the %s metric.\n", domain, p.metric())
	b.WriteString("Only propose changes you expect to help the observed workload; an empty item list is acceptable.\n\n")
	fmt.Fprintf(&b, "Current Configuration:\n%s\n\n", CurrentConfiguration(domain, previous))
	fmt.Fprintf(&b, "Workload Features:\n%s\n\n", orDefault(features, noFeatures))
	fmt.Fprintf(&b, "Extra info:\n%s\n\n", FormatSearch(search))
	b.WriteString(outputFormat[domain])
	b.WriteString("\nNow, let's think step by step.\n")
	return b.String()
}

// Revise renders the revision prompt carrying the reviewer's comment.
func (p Prompter) Revise(domain Domain, comment string, original json.RawMessage, features string, search [][]string, previous *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task Overview:\nRevise your previous %s recommendations in order to optimize the %s metric.\n", domain, p.metric())
	b.WriteString("Carefully read the ControlAgent's feedback. Modify your previous recommendations accordingly to address the raised concerns.\n\n")
	fmt.Fprintf(&b, "Here is the feedback from the ControlAgent:\n%s\n\n", orDefault(comment, "(no comment)"))
	fmt.Fprintf(&b, "Here is your original recommendation report:\n%s\n\n", orDefault(string(original), "None"))
	fmt.Fprintf(&b, "Current Configuration:\n%s\n\n", CurrentConfiguration(domain, previous))
	fmt.Fprintf(&b, "Workload Features:\n%s\n\n", orDefault(features, noFeatures))
	fmt.Fprintf(&b, "Extra info:\n%s\n\n", FormatSearch(search))
	b.WriteString(outputFormat[domain])
	b.WriteString("\nNow, let's think step by step.\n")
	return b.String()
}

// Review renders the reviewer prompt for the assembled plan.
func (p Prompter) Review(candidate *plan.Plan, previous *plan.Plan, history []HistoryEntry, features string, search [][]string) string {
	report, _ := json.MarshalIndent(candidate, "", "  ")
	current := "Default"
	if previous != nil {
		if b, err := json.MarshalIndent(previous, "", "  "); err == nil {
			current = string(b)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task Overview:\nReview the optimization plan assembled by the specialists. The goal is to optimize the %s metric.\n", p.metric())
	b.WriteString("Check the knobs, indexes and materialized views for conflicts, redundancy and risk, using the past rounds below to judge what worked.\n\n")
	fmt.Fprintf(&b, "Proposed Plan:\n%s\n\n", report)
	fmt.Fprintf(&b, "Plan Currently Applied:\n%s\n\n", current)
	fmt.Fprintf(&b, "Optimization History:\n%s\n\n", FormatHistory(history))
	fmt.Fprintf(&b, "Workload Features:\n%s\n\n", orDefault(features, noFeatures))
	fmt.Fprintf(&b, "Extra info:\n%s\n\n", FormatSearch(search))
	b.WriteString(`Output Format:
- Output must be a valid JSON object.
- "opinion": "Accept" if the plan should be benchmarked as is, otherwise "Reject".
- "revisions": when rejecting, a list of revision requests. Each has:
  - "agent": one of "KnobTuner", "IndexRecommender", "MatViewRecommender"
  - "comment": what that specialist must change and why

Example:
{
  "opinion": "Reject",
  "revisions": [
    {"agent": "IndexRecommender", "comment": "idx_orders_status duplicates the existing orders_status_idx."}
  ]
}
`)
	return b.String()
}

// CurrentConfiguration renders the fragment of previous owned by domain, or
// "Default" when there is no previous plan.
func CurrentConfiguration(domain Domain, previous *plan.Plan) string {
	if previous == nil {
		return "Default"
	}
	agent, ok := AgentForDomain(domain)
	if !ok {
		return "Default"
	}
	frag := previous.Fragment(agent)
	if len(frag) == 0 {
		return "Default"
	}
	return string(frag)
}

// FormatHistory renders the history window for the reviewer.
func FormatHistory(history []HistoryEntry) string {
	if len(history) == 0 {
		return "No previous optimization history available."
	}
	parts := make([]string, 0, len(history))
	for _, h := range history {
		knobs := []byte("{}")
		indexes, views := 0, 0
		if h.Plan != nil {
			if b, err := json.Marshal(h.Plan.Knobs); err == nil && h.Plan.Knobs != nil {
				knobs = b
			}
			indexes, views = len(h.Plan.Indexes), len(h.Plan.MatViews)
		}
		result := fmt.Sprintf("%g", h.Result)
		if h.Failed {
			result += " (benchmark could not run)"
		}
		parts = append(parts, fmt.Sprintf("Round %d: Result=%s, Improvement=%.2f%%\nKnobs: %s\nIndexes: %d items\nMatViews: %d items",
			h.Round, result, h.Improvement, knobs, indexes, views))
	}
	return strings.Join(parts, "\n\n")
}

// FormatSearch renders search lines per keyword, or "None".
func FormatSearch(search [][]string) string {
	if len(search) == 0 {
		return "None"
	}
	var b strings.Builder
	for i, lines := range search {
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "[source %d]\n%s\n", i+1, strings.Join(lines, "\n"))
	}
	if b.Len() == 0 {
		return "None"
	}
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
