package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/dbadvisor/internal/auditlog"
	"github.com/mohammad-safakhou/dbadvisor/internal/oracle"
)

type stubSearcher struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string][]Result
	fail    map[string]bool
}

func (s *stubSearcher) Discover(ctx context.Context, q string, k int) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[q]++
	if s.fail[q] {
		return nil, errors.New("quota exceeded")
	}
	return s.results[q], nil
}

type stubFetcher map[string]string

func (f stubFetcher) Text(ctx context.Context, pageURL string) (string, error) {
	text, ok := f[pageURL]
	if !ok {
		return "", errors.New("404")
	}
	return text, nil
}

func model(reply string) oracle.Model {
	return oracle.Model{LLM: oracle.LLMFunc(func(ctx context.Context, req oracle.CompletionRequest) (oracle.Completion, error) {
		return oracle.Completion{Text: reply}, nil
	})}
}

func quiet(mode Mode, limit int) Options {
	return Options{Mode: mode, LineLimit: limit, Logger: log.New(io.Discard, "", 0)}
}

func TestLinesOnModeSkipsPDFAndRespectsLimit(t *testing.T) {
	s := &stubSearcher{
		results: map[string][]Result{
			"work_mem tuning": {
				{URL: "https://example.com/manual.pdf"},
				{URL: "https://example.com/a"},
				{URL: "https://example.com/b"},
			},
			"pg sorts": {{URL: "https://example.com/missing"}},
		},
		fail: map[string]bool{"broken": true},
	}
	f := stubFetcher{
		"https://example.com/manual.pdf": "never\nread",
		"https://example.com/a":          "  first  \n\n second\n",
		"https://example.com/b":          "third\nfourth",
	}
	a, err := New(model(`{"keywords": ["work_mem tuning", "broken", "pg sorts"]}`), s, f, quiet(ModeOn, 3))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got := a.Lines(context.Background(), oracle.DomainKnobs, "{}")
	if len(got) != 3 {
		t.Fatalf("expected one slice per keyword, got %v", got)
	}
	if strings.Join(got[0], "|") != "first|second|third" {
		t.Fatalf("unexpected lines %v", got[0])
	}
	if got[1] == nil || len(got[1]) != 0 {
		t.Fatalf("failed keyword should yield an empty slice, got %v", got[1])
	}
	if len(got[2]) != 0 {
		t.Fatalf("unfetchable page should yield no lines, got %v", got[2])
	}
}

func TestLinesAutoModeHonoursSufficient(t *testing.T) {
	s := &stubSearcher{results: map[string][]Result{"q": {{URL: "u"}}}}
	f := stubFetcher{"u": "line"}
	for _, reply := range []string{`{"sufficient": "True", "keywords": ["q"]}`, `{"sufficient": true}`, `{}`} {
		a, _ := New(model(reply), s, f, quiet(ModeAuto, 5))
		if got := a.Lines(context.Background(), oracle.DomainIndexes, ""); got != nil {
			t.Fatalf("reply %s should not search, got %v", reply, got)
		}
	}
	a, _ := New(model(`{"sufficient": "False", "keywords": ["q"]}`), s, f, quiet(ModeAuto, 5))
	if got := a.Lines(context.Background(), oracle.DomainIndexes, ""); len(got) != 1 || got[0][0] != "line" {
		t.Fatalf("expected search on insufficient, got %v", got)
	}
}

func TestLinesOffAndMalformed(t *testing.T) {
	s := &stubSearcher{}
	a, _ := New(model(`{"keywords": ["q"]}`), s, stubFetcher{}, quiet(ModeOff, 5))
	if a.Lines(context.Background(), oracle.DomainKnobs, "") != nil {
		t.Fatalf("off mode should return nil")
	}
	a, _ = New(model("I would search for things"), s, stubFetcher{}, quiet(ModeOn, 5))
	if a.Lines(context.Background(), oracle.DomainKnobs, "") != nil {
		t.Fatalf("malformed reply should return nil")
	}
	var nilAug *Augmenter
	if nilAug.Lines(context.Background(), oracle.DomainKnobs, "") != nil {
		t.Fatalf("nil augmenter should return nil")
	}
	if len(s.calls) != 0 {
		t.Fatalf("searcher should not be called: %v", s.calls)
	}
}

func TestLinesCachesPerKeyword(t *testing.T) {
	s := &stubSearcher{results: map[string][]Result{"q": {{URL: "u"}}}}
	a, _ := New(model(`{"keywords": ["q"]}`), s, stubFetcher{"u": "x"}, quiet(ModeOn, 5))
	a.Lines(context.Background(), oracle.DomainKnobs, "")
	a.Lines(context.Background(), oracle.DomainIndexes, "")
	if s.calls["q"] != 1 {
		t.Fatalf("expected cached second lookup, got %d calls", s.calls["q"])
	}
}

type tokens struct {
	mu    sync.Mutex
	total int64
}

func (u *tokens) Add(cost float64, n int64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.total += n
	return nil
}

func stalled() oracle.Model {
	return oracle.Model{LLM: oracle.LLMFunc(func(ctx context.Context, req oracle.CompletionRequest) (oracle.Completion, error) {
		<-ctx.Done()
		return oracle.Completion{}, ctx.Err()
	})}
}

func TestKeywordCallIsBounded(t *testing.T) {
	opts := quiet(ModeOn, 3)
	opts.Timeout = 50 * time.Millisecond
	a, err := New(stalled(), &stubSearcher{}, stubFetcher{}, opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan [][]string, 1)
	go func() { done <- a.Lines(ctx, oracle.DomainKnobs, "{}") }()
	select {
	case got := <-done:
		if got != nil {
			t.Fatalf("expected no lines after keyword timeout, got %v", got)
		}
	case <-ctx.Done():
		t.Fatalf("keyword call ignored its timeout")
	}

	rec := oracle.NewLLMRecommender(model(`{"items": []}`), oracle.Options{
		Timeout: 50 * time.Millisecond,
		Search:  a,
		Logger:  log.New(io.Discard, "", 0),
	})
	start := time.Now()
	rec.Recommend(ctx, oracle.DomainKnobs, nil, nil)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("recommend blocked %s behind the search keyword call", elapsed)
	}
}

func TestKeywordCallIsAuditedAndMetered(t *testing.T) {
	kw := oracle.Model{Name: "kw", LLM: oracle.LLMFunc(func(ctx context.Context, req oracle.CompletionRequest) (oracle.Completion, error) {
		return oracle.Completion{Text: `{"keywords": []}`, InputTokens: 7, OutputTokens: 3}, nil
	})}
	u := &tokens{}
	opts := quiet(ModeOn, 3)
	opts.Usage = u
	opts.Audit = auditlog.Open(filepath.Join(t.TempDir(), "log"))
	a, err := New(kw, &stubSearcher{}, stubFetcher{}, opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a.Lines(context.Background(), oracle.DomainIndexes, "{}")
	if u.total != 10 {
		t.Fatalf("expected keyword tokens to reach the budget, got %d", u.total)
	}
	data, err := os.ReadFile(opts.Audit.Path())
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	blocks, _ := auditlog.ReadBlocks(strings.NewReader(string(data)), oracle.CallHeading)
	if len(blocks) != 1 {
		t.Fatalf("expected one audited keyword call, got %d", len(blocks))
	}
}

func TestBraveDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "key" || r.URL.Query().Get("q") != "pg tuning" {
			t.Errorf("unexpected request %s %v", r.URL, r.Header)
		}
		_, _ = w.Write([]byte(`{"web": {"results": [
			{"title": "A", "url": "https://a", "description": "da"},
			{"title": "B", "url": "https://b", "description": "db"}]}}`))
	}))
	defer srv.Close()

	got, err := Brave{APIKey: "key", Endpoint: srv.URL}.Discover(context.Background(), "pg tuning", 1)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(got) != 1 || got[0].URL != "https://a" || got[0].Snippet != "da" {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestSerperDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.Method != http.MethodPost || r.Header.Get("X-API-KEY") != "key" || body["q"] != "vacuum" {
			t.Errorf("unexpected request %s %v", r.Method, body)
		}
		_, _ = w.Write([]byte(`{"organic": [{"title": "V", "link": "https://v", "snippet": "s"}]}`))
	}))
	defer srv.Close()

	got, err := Serper{APIKey: "key", Endpoint: srv.URL}.Discover(context.Background(), "vacuum", 3)
	if err != nil || len(got) != 1 || got[0].URL != "https://v" {
		t.Fatalf("unexpected results %+v err=%v", got, err)
	}

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer fail.Close()
	if _, err := (Serper{Endpoint: fail.URL}).Discover(context.Background(), "x", 1); err == nil {
		t.Fatalf("expected status error")
	}
}

func TestHTTPFetcherExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Tuning</title></head><body><article>
			<h1>Tuning work_mem</h1>
			<p>Raise work_mem when sorts spill to disk. Each sort node can use up to work_mem bytes before
			writing temporary files, so the right value depends on concurrency and the size of the sorts
			that appear in the workload.</p>
			<p>Measure temporary file usage with pg_stat_database before and after every change.</p>
			</article></body></html>`))
	}))
	defer srv.Close()

	text, err := HTTPFetcher{}.Text(context.Background(), srv.URL+"/post")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(text, "Raise work_mem when sorts spill to disk.") {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestNewSearcherUnknownProvider(t *testing.T) {
	if _, err := NewSearcher("bing", "", nil); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestParseable(t *testing.T) {
	for link, want := range map[string]bool{
		"https://x/doc.PDF":       false,
		"https://x/doc.pdf?dl=1":  false,
		"https://x/post":          true,
		"":                        false,
		"https://x/pdf-tips.html": true,
	} {
		if parseable(link) != want {
			t.Fatalf("parseable(%q) != %v", link, want)
		}
	}
}
