package oracle

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
	"github.com/mohammad-safakhou/dbadvisor/internal/workload"
)

// Domain is the question area an oracle call is about. The strings appear
// verbatim in prompts.
type Domain string

const (
	DomainKnobs    Domain = "knob tuning"
	DomainIndexes  Domain = "indexes recommendation"
	DomainMatViews Domain = "materialised views recommendation"
	DomainReview   Domain = "optimization plan review"
)

type (
	Agent          = plan.Agent
	Item           = plan.Item
	Recommendation = plan.Recommendation
	Opinion        = plan.Opinion
	Revision       = plan.Revision
	Decision       = plan.Decision
	HistoryEntry   = plan.HistoryEntry
)

var (
	ErrNoJSON       = errors.New("no JSON object in model output")
	ErrUnknownAgent = errors.New("unknown agent")
)

// AgentForDomain maps a recommendation domain to the agent that owns it.
func AgentForDomain(d Domain) (plan.Agent, bool) {
	switch d {
	case DomainKnobs:
		return plan.KnobTuner, true
	case DomainIndexes:
		return plan.IndexRecommender, true
	case DomainMatViews:
		return plan.MatViewRecommender, true
	}
	return "", false
}

// DomainForAgent is the inverse of AgentForDomain.
func DomainForAgent(a plan.Agent) (Domain, error) {
	switch a {
	case plan.KnobTuner:
		return DomainKnobs, nil
	case plan.IndexRecommender:
		return DomainIndexes, nil
	case plan.MatViewRecommender:
		return DomainMatViews, nil
	}
	return "", ErrUnknownAgent
}

// Section returns the workload feature document used for the domain.
func (d Domain) Section() workload.Section {
	switch d {
	case DomainKnobs:
		return workload.SectionKnobs
	case DomainIndexes:
		return workload.SectionIndexes
	case DomainMatViews:
		return workload.SectionMatViews
	default:
		return workload.SectionReview
	}
}

// Recommender proposes plan items for one domain. Implementations never fail:
// any error degrades to an empty recommendation with the cause as rationale.
type Recommender interface {
	Recommend(ctx context.Context, domain Domain, previous *plan.Plan, wctx *workload.Context) Recommendation
	Revise(ctx context.Context, domain Domain, comment string, original json.RawMessage, previous *plan.Plan, wctx *workload.Context) Recommendation
}

// Reviewer judges an assembled plan. Implementations never fail: any error
// degrades to FallbackDecision.
type Reviewer interface {
	Review(ctx context.Context, p *plan.Plan, previous *plan.Plan, history []HistoryEntry, wctx *workload.Context) Decision
}

// FailureObserver is told when an oracle call degraded.
type FailureObserver interface {
	OracleFailure(ctx context.Context, kind string)
}
