package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
)

const userAgent = "dbadvisor/1.0 (+https://github.com/mohammad-safakhou/dbadvisor)"

// Fetcher returns the readable text of a page.
type Fetcher interface {
	Text(ctx context.Context, pageURL string) (string, error)
}

// HTTPFetcher downloads pages with a plain GET.
type HTTPFetcher struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxBytes int64
}

func (f HTTPFetcher) Text(ctx context.Context, pageURL string) (string, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := httpClient(f.Client).Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: status %d", pageURL, resp.StatusCode)
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = 4 << 20
	}
	html, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", err
	}
	return readableText(string(html), pageURL)
}

// BrowserFetcher renders pages in headless Chrome before extraction, for
// documentation sites that build their content client side.
type BrowserFetcher struct {
	Timeout time.Duration
}

func (f BrowserFetcher) Text(ctx context.Context, pageURL string) (string, error) {
	if strings.TrimSpace(pageURL) == "" {
		return "", errors.New("invalid url")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", pageURL, err)
	}
	return readableText(html, pageURL)
}

func readableText(html, pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(html), u)
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", pageURL, err)
	}
	return article.TextContent, nil
}

// SplitLines returns the non-empty trimmed lines of text.
func SplitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// parseable reports whether a result link can be turned into text.
func parseable(link string) bool {
	if link == "" {
		return false
	}
	if u, err := url.Parse(link); err == nil {
		return !strings.HasSuffix(strings.ToLower(u.Path), ".pdf")
	}
	return !strings.Contains(strings.ToLower(link), ".pdf")
}
