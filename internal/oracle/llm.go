package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/dbadvisor/config"
	"golang.org/x/time/rate"
)

// CompletionRequest is one system+user exchange with a chat model.
type CompletionRequest struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	JSON        bool
}

// Completion is the model reply plus accounting.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	Model        string
}

// LLM is the transport used by the LLM-backed oracles.
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// LLMFunc adapts a plain function to LLM.
type LLMFunc func(ctx context.Context, req CompletionRequest) (Completion, error)

func (f LLMFunc) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	return f(ctx, req)
}

// Model binds a transport to a routed model and its pricing.
type Model struct {
	LLM             LLM
	Name            string
	Temperature     float64
	MaxTokens       int
	CostPer1K       float64
	CostPer1KOutput float64
}

// CalculateCost prices a completion with the model's per-1K rates.
func (m Model) CalculateCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000.0*m.CostPer1K + float64(outputTokens)/1000.0*m.CostPer1KOutput
}

// NewModel builds the transport for a routed model.
func NewModel(ctx context.Context, r config.ResolvedModel) (Model, error) {
	var (
		llm LLM
		err error
	)
	switch r.Provider.Type {
	case "openai":
		llm = NewOpenAI(r.Provider.APIKey, r.Provider.BaseURL)
	case "gemini":
		llm, err = NewGemini(ctx, r.Provider.APIKey, r.Provider.BaseURL)
	default:
		err = fmt.Errorf("unsupported llm provider type %q", r.Provider.Type)
	}
	if err != nil {
		return Model{}, err
	}
	return Model{
		LLM:             WithRateLimit(llm, r.Provider.RequestsPerMinute),
		Name:            r.APIName(),
		Temperature:     r.Model.Temperature,
		MaxTokens:       r.Model.MaxTokens,
		CostPer1K:       r.Model.CostPer1K,
		CostPer1KOutput: r.Model.CostPer1KOutput,
	}, nil
}

type rateLimited struct {
	next    LLM
	limiter *rate.Limiter
}

// WithRateLimit spaces calls to at most rpm per minute. rpm <= 0 disables it.
func WithRateLimit(next LLM, rpm int) LLM {
	if rpm <= 0 {
		return next
	}
	return &rateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}
}

func (r *rateLimited) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Completion{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Complete(ctx, req)
}
