package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/dbadvisor/internal/auditlog"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
	"github.com/mohammad-safakhou/dbadvisor/internal/workload"
)

// CallHeading is the audit heading of every model exchange.
const CallHeading = "LLM Call"

// Augmenter supplies web search snippets for a prompt.
type Augmenter interface {
	Lines(ctx context.Context, domain Domain, features string) [][]string
}

// UsageRecorder accumulates spend; budget.Monitor satisfies it.
type UsageRecorder interface {
	Add(cost float64, tokens int64) error
}

// Options are the collaborators shared by the LLM-backed oracles. Every field
// is optional.
type Options struct {
	Timeout  time.Duration
	Prompter Prompter
	Search   Augmenter
	Audit    *auditlog.Log
	Usage    UsageRecorder
	Failures FailureObserver
	Logger   *log.Logger
}

type callRecord struct {
	Model          string  `json:"model"`
	System         string  `json:"system"`
	User           string  `json:"user"`
	Output         string  `json:"output,omitempty"`
	Error          string  `json:"error,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	InputTokens    int64   `json:"input_tokens,omitempty"`
	OutputTokens   int64   `json:"output_tokens,omitempty"`
}

type caller struct {
	model Model
	opts  Options
}

func newCaller(model Model, opts Options) caller {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[ORACLE] ", log.LstdFlags)
	}
	return caller{model: model, opts: opts}
}

// Call runs one JSON completion on model bounded by opts.Timeout. The
// exchange is written to opts.Audit and its spend to opts.Usage.
func Call(ctx context.Context, model Model, opts Options, system, user string) (string, error) {
	return newCaller(model, opts).call(ctx, system, user)
}

func (c caller) call(ctx context.Context, system, user string) (string, error) {
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := c.model.LLM.Complete(ctx, CompletionRequest{
		Model:       c.model.Name,
		System:      system,
		User:        user,
		Temperature: c.model.Temperature,
		MaxTokens:   c.model.MaxTokens,
		JSON:        true,
	})
	rec := callRecord{
		Model:          c.model.Name,
		System:         system,
		User:           user,
		Output:         resp.Text,
		ElapsedSeconds: time.Since(start).Seconds(),
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if aerr := c.opts.Audit.AppendBlock(CallHeading, rec); aerr != nil {
		c.opts.Logger.Printf("llm audit write failed: %v", aerr)
	}
	if err != nil {
		return "", err
	}
	if c.opts.Usage != nil {
		cost := c.model.CalculateCost(resp.InputTokens, resp.OutputTokens)
		if uerr := c.opts.Usage.Add(cost, resp.InputTokens+resp.OutputTokens); uerr != nil {
			c.opts.Logger.Printf("usage: %v", uerr)
		}
	}
	return resp.Text, nil
}

func (c caller) search(ctx context.Context, domain Domain, features string) [][]string {
	if c.opts.Search == nil {
		return nil
	}
	return c.opts.Search.Lines(ctx, domain, features)
}

func (c caller) failed(ctx context.Context, kind string) {
	if c.opts.Failures != nil {
		c.opts.Failures.OracleFailure(ctx, kind)
	}
}

// LLMRecommender asks a chat model for plan items.
type LLMRecommender struct {
	caller
}

// NewLLMRecommender builds a recommender on model.
func NewLLMRecommender(model Model, opts Options) *LLMRecommender {
	return &LLMRecommender{caller: newCaller(model, opts)}
}

func (r *LLMRecommender) Recommend(ctx context.Context, domain Domain, previous *plan.Plan, wctx *workload.Context) Recommendation {
	agent, ok := AgentForDomain(domain)
	if !ok {
		return Recommendation{Items: []Item{}, Rationale: fmt.Sprintf("no recommender for domain %q", domain)}
	}
	features := wctx.Features(domain.Section())
	user := r.opts.Prompter.Recommend(domain, features, r.search(ctx, domain, features), previous)
	return r.complete(ctx, agent, domain, user)
}

func (r *LLMRecommender) Revise(ctx context.Context, domain Domain, comment string, original json.RawMessage, previous *plan.Plan, wctx *workload.Context) Recommendation {
	agent, ok := AgentForDomain(domain)
	if !ok {
		return Recommendation{Items: []Item{}, Rationale: fmt.Sprintf("no recommender for domain %q", domain)}
	}
	features := wctx.Features(domain.Section())
	user := r.opts.Prompter.Revise(domain, comment, original, features, r.search(ctx, domain, features), previous)
	return r.complete(ctx, agent, domain, user)
}

func (r *LLMRecommender) complete(ctx context.Context, agent plan.Agent, domain Domain, user string) Recommendation {
	raw, err := r.call(ctx, SpecialistSystem(domain), user)
	if err != nil {
		r.opts.Logger.Printf("%s call failed: %v", agent, err)
		r.failed(ctx, "recommend_call")
		return Recommendation{Agent: agent, Items: []Item{}, Rationale: err.Error()}
	}
	rec, err := parseRecommendation(agent, raw)
	if err != nil {
		r.opts.Logger.Printf("%s returned unusable output: %v", agent, err)
		r.failed(ctx, "recommend_parse")
		return Recommendation{Agent: agent, Items: []Item{}, Rationale: raw}
	}
	return rec
}

// LLMReviewer asks a chat model to accept or reject a plan.
type LLMReviewer struct {
	caller
}

// NewLLMReviewer builds a reviewer on model.
func NewLLMReviewer(model Model, opts Options) *LLMReviewer {
	return &LLMReviewer{caller: newCaller(model, opts)}
}

func (r *LLMReviewer) Review(ctx context.Context, p *plan.Plan, previous *plan.Plan, history []HistoryEntry, wctx *workload.Context) Decision {
	features := wctx.Features(workload.SectionReview)
	user := r.opts.Prompter.Review(p, previous, history, features, r.search(ctx, DomainReview, features))
	raw, err := r.call(ctx, ReviewerSystem(), user)
	if err != nil {
		r.opts.Logger.Printf("reviewer call failed: %v; using fallback", err)
		r.failed(ctx, "review_call")
		return FallbackDecision(p)
	}
	d, err := ParseDecision(raw)
	if err != nil {
		r.opts.Logger.Printf("reviewer returned unusable output: %v; using fallback", err)
		r.failed(ctx, "review_parse")
		return FallbackDecision(p)
	}
	return d
}
