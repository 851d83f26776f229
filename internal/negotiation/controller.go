package negotiation

import (
	"context"
	"log"

	"github.com/mohammad-safakhou/dbadvisor/internal/oracle"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
	"github.com/mohammad-safakhou/dbadvisor/internal/workload"
)

// State is a step of one revision round.
type State string

const (
	StateInit             State = "Init"
	StateCollecting       State = "Collecting"
	StateReviewing        State = "Reviewing"
	StateRevising         State = "Revising"
	StateAccepted         State = "Accepted"
	StateMaxIterExhausted State = "MaxIterExhausted"
	StateCancelled        State = "Cancelled"
)

// Terminal reports whether the round ends in s.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateMaxIterExhausted, StateCancelled:
		return true
	}
	return false
}

// Observer receives round events, typically for metrics.
type Observer interface {
	ReviewRecorded(ctx context.Context, opinion string)
	MergeRecorded(ctx context.Context, agent string, added, overwritten, duplicates, skipped int)
}

// Outcome is the result of one round.
type Outcome struct {
	Plan      *plan.Plan
	State     State
	Reviews   int
	Decisions []plan.Decision
}

// Controller drives one revision round: collect from every recommender,
// then alternate review and targeted revision until the reviewer accepts
// or the iteration bound is reached.
type Controller struct {
	recommender   oracle.Recommender
	reviewer      oracle.Reviewer
	merger        *plan.Merger
	maxIterations int
	logger        *log.Logger
	observer      Observer
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxIterations bounds the number of review calls per round. Values
// below 1 are treated as 1.
func WithMaxIterations(n int) Option {
	return func(c *Controller) { c.maxIterations = n }
}

// WithLogger sets the controller logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// New creates a Controller. A nil merger gets a non-auditing one.
func New(recommender oracle.Recommender, reviewer oracle.Reviewer, merger *plan.Merger, opts ...Option) *Controller {
	c := &Controller{
		recommender:   recommender,
		reviewer:      reviewer,
		merger:        merger,
		maxIterations: 1,
		logger:        log.New(log.Writer(), "[ROUND] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxIterations < 1 {
		c.maxIterations = 1
	}
	if c.merger == nil {
		c.merger = plan.NewMerger(nil, c.logger)
	}
	return c
}

// MaxIterations returns the effective review bound.
func (c *Controller) MaxIterations() int { return c.maxIterations }

// Run executes one round. previous is the plan of the prior round (nil on the
// first) and is passed unchanged to every recommender call; history is the
// bounded feedback window for the reviewer. Run never fails: oracle problems
// degrade inside the oracles and cancellation returns the plan built so far.
func (c *Controller) Run(ctx context.Context, previous *plan.Plan, history []plan.HistoryEntry, wctx *workload.Context) Outcome {
	out := Outcome{Plan: plan.New(), State: StateInit}

	out.State = StateCollecting
	for _, agent := range plan.Agents {
		if ctx.Err() != nil {
			return c.cancelled(out)
		}
		domain, _ := oracle.DomainForAgent(agent)
		rec := c.recommender.Recommend(ctx, domain, previous, wctx)
		rec.Agent = agent
		c.logger.Printf("%s suggested %d items", agent, len(rec.Items))
		c.merge(ctx, out.Plan, rec)
	}

	for i := 1; i <= c.maxIterations; i++ {
		if ctx.Err() != nil {
			return c.cancelled(out)
		}
		out.State = StateReviewing
		c.logger.Printf("Iteration %d: reviewer analysing plan (%s)", i, out.Plan.Summary())
		decision := c.reviewer.Review(ctx, out.Plan, previous, history, wctx)
		out.Reviews++
		out.Decisions = append(out.Decisions, decision)
		if c.observer != nil {
			c.observer.ReviewRecorded(ctx, string(decision.Opinion))
		}
		c.logger.Printf("Iteration %d: reviewer returned %s with %d revisions", i, decision.Opinion, len(decision.Revisions))

		if decision.Opinion == plan.Accept {
			out.State = StateAccepted
			return out
		}

		out.State = StateRevising
		for _, rev := range decision.Revisions {
			domain, err := oracle.DomainForAgent(rev.Agent)
			if err != nil {
				c.logger.Printf("Iteration %d: skipping revision for unknown agent %q", i, rev.Agent)
				continue
			}
			if ctx.Err() != nil {
				return c.cancelled(out)
			}
			rec := c.recommender.Revise(ctx, domain, rev.Comment, out.Plan.Fragment(rev.Agent), previous, wctx)
			rec.Agent = rev.Agent
			c.logger.Printf("%s refinement -> %d items", rev.Agent, len(rec.Items))
			c.merge(ctx, out.Plan, rec)
		}
	}

	c.logger.Printf("max iterations (%d) reached; returning current plan", c.maxIterations)
	out.State = StateMaxIterExhausted
	return out
}

func (c *Controller) merge(ctx context.Context, p *plan.Plan, rec plan.Recommendation) {
	stats := c.merger.Merge(p, rec)
	if c.observer != nil {
		c.observer.MergeRecorded(ctx, string(rec.Agent), stats.Added, stats.Overwritten, stats.Duplicates, stats.Skipped)
	}
}

func (c *Controller) cancelled(out Outcome) Outcome {
	c.logger.Printf("round cancelled in state %s", out.State)
	out.State = StateCancelled
	return out
}
