package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/dbadvisor/config"
	"github.com/mohammad-safakhou/dbadvisor/internal/auditlog"
	"github.com/mohammad-safakhou/dbadvisor/internal/oracle"
)

// Mode selects when prompts are augmented with web results.
type Mode string

const (
	ModeOff  Mode = "off"
	ModeOn   Mode = "on"
	ModeAuto Mode = "auto"
)

// Augmenter asks the model for search keywords and turns the hits into text
// lines, one slice per keyword.
type Augmenter struct {
	llm         oracle.Model
	searcher    Searcher
	fetcher     Fetcher
	mode        Mode
	lineLimit   int
	perKeyword  int
	concurrency int
	cache       *lru.Cache[string, []string]
	call        oracle.Options
	logger      *log.Logger
}

// Options configures an Augmenter. Zero values get defaults.
type Options struct {
	Mode              Mode
	LineLimit         int
	ResultsPerKeyword int
	Concurrency       int
	CacheSize         int
	// Timeout bounds each keyword call. Audit and Usage receive the call
	// like any other model exchange.
	Timeout time.Duration
	Audit   *auditlog.Log
	Usage   oracle.UsageRecorder
	Logger  *log.Logger
}

// New builds an Augmenter.
func New(llm oracle.Model, searcher Searcher, fetcher Fetcher, opts Options) (*Augmenter, error) {
	if opts.Mode == "" {
		opts.Mode = ModeOff
	}
	if opts.LineLimit <= 0 {
		opts.LineLimit = 20
	}
	if opts.ResultsPerKeyword <= 0 {
		opts.ResultsPerKeyword = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[SEARCH] ", log.LstdFlags)
	}
	cache, err := lru.New[string, []string](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Augmenter{
		llm:         llm,
		searcher:    searcher,
		fetcher:     fetcher,
		mode:        opts.Mode,
		lineLimit:   opts.LineLimit,
		perKeyword:  opts.ResultsPerKeyword,
		concurrency: opts.Concurrency,
		cache:       cache,
		call:        oracle.Options{Timeout: opts.Timeout, Audit: opts.Audit, Usage: opts.Usage, Logger: opts.Logger},
		logger:      opts.Logger,
	}, nil
}

// FromConfig wires an Augmenter from the search section; opts supplies the
// keyword call bounds and sinks. A disabled section yields nil, which the
// oracles treat as no augmentation.
func FromConfig(cfg config.SearchConfig, llm oracle.Model, opts Options) (*Augmenter, error) {
	cfg = cfg.Normalize()
	if Mode(cfg.Mode) == ModeOff {
		return nil, nil
	}
	client := &http.Client{Timeout: cfg.Timeout}
	searcher, err := NewSearcher(cfg.Provider, cfg.APIKey, client)
	if err != nil {
		return nil, err
	}
	var fetcher Fetcher = HTTPFetcher{Client: client, Timeout: cfg.Timeout}
	if cfg.RenderJS {
		fetcher = BrowserFetcher{Timeout: cfg.Timeout}
	}
	opts.Mode = Mode(cfg.Mode)
	opts.LineLimit = cfg.LineLimit
	opts.ResultsPerKeyword = cfg.ResultsPerKeyword
	opts.Concurrency = cfg.Concurrency
	opts.CacheSize = cfg.CacheSize
	return New(llm, searcher, fetcher, opts)
}

type keywordReply struct {
	Sufficient any      `json:"sufficient"`
	Keywords   []string `json:"keywords"`
}

// Lines returns the search lines for a domain, or nil when search is off,
// judged unnecessary, or the keyword reply is unusable.
func (a *Augmenter) Lines(ctx context.Context, domain oracle.Domain, features string) [][]string {
	if a == nil || a.mode == ModeOff || a.searcher == nil {
		return nil
	}
	reply, ok := a.keywords(ctx, domain, features)
	if !ok {
		return nil
	}
	if a.mode == ModeAuto && sufficient(reply.Sufficient) {
		return nil
	}
	out := make([][]string, len(reply.Keywords))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, kw := range reply.Keywords {
		g.Go(func() error {
			lines, err := a.searchLines(gctx, kw)
			if err != nil {
				a.logger.Printf("keyword %q: %v", kw, err)
				lines = []string{}
			}
			out[i] = lines
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Augmenter) keywords(ctx context.Context, domain oracle.Domain, features string) (keywordReply, bool) {
	text, err := oracle.Call(ctx, a.llm, a.call, keywordSystem(domain), keywordPrompt(a.mode, domain, features))
	if err != nil {
		a.logger.Printf("keyword call for %s failed: %v", domain, err)
		return keywordReply{}, false
	}
	raw, err := oracle.ExtractFirstJSON(text)
	if err != nil {
		return keywordReply{}, false
	}
	var reply keywordReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		a.logger.Printf("keyword reply for %s unusable: %v", domain, err)
		return keywordReply{}, false
	}
	return reply, true
}

// sufficient treats anything other than an explicit false as sufficient.
func sufficient(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return t
	case string:
		return !strings.EqualFold(strings.TrimSpace(t), "false")
	}
	return true
}

func (a *Augmenter) searchLines(ctx context.Context, keyword string) ([]string, error) {
	if lines, ok := a.cache.Get(keyword); ok {
		return lines, nil
	}
	results, err := a.searcher.Discover(ctx, keyword, a.perKeyword)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	lines := []string{}
	for _, r := range results {
		if len(lines) >= a.lineLimit {
			break
		}
		if !parseable(r.URL) {
			continue
		}
		text, err := a.fetcher.Text(ctx, r.URL)
		if err != nil {
			a.logger.Printf("fetch %s: %v", r.URL, err)
			continue
		}
		for _, line := range SplitLines(text) {
			if len(lines) >= a.lineLimit {
				break
			}
			lines = append(lines, line)
		}
	}
	a.cache.Add(keyword, lines)
	return lines, nil
}
