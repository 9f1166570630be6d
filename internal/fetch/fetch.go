package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
)

const (
	userAgent      = "ReviewMiner/1.0 (review analysis)"
	pageLimit      = 5 << 20
	redirectLimit  = 10
	defaultTimeout = 15 * time.Second
)

// Product is what enrichment learns about the reviewed product.
type Product struct {
	URL   string
	Title string
}

// ProductFetcher resolves a product URL to its page title.
type ProductFetcher struct {
	client *http.Client
	logger *slog.Logger
}

func NewProductFetcher(timeout time.Duration) *ProductFetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ProductFetcher{
		client: &http.Client{Timeout: timeout, CheckRedirect: capRedirects},
		logger: slog.With("component", "fetch"),
	}
}

var errTooManyRedirects = fmt.Errorf("product page redirected more than %d times", redirectLimit)

func capRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) >= redirectLimit {
		return errTooManyRedirects
	}
	return nil
}

// MostCommonProductURL picks the product_url carried by the most records.
// On a tie the URL that reached the count first wins; "" means no record
// has one.
func MostCommonProductURL(records []analysis.ReviewRecord) string {
	var (
		seen  = map[string]int{}
		best  string
		count int
	)
	for _, r := range records {
		if r.ProductURL == nil {
			continue
		}
		u := strings.TrimSpace(*r.ProductURL)
		if u == "" {
			continue
		}
		seen[u]++
		if seen[u] > count {
			best, count = u, seen[u]
		}
	}
	return best
}

// PageError is a non-2xx status from the product page.
type PageError struct {
	URL  string
	Code int
}

func (e *PageError) Error() string {
	return fmt.Sprintf("product page returned %d %s", e.Code, http.StatusText(e.Code))
}

var errNoTitle = errors.New("product page has no title")

// Fetch loads rawURL and extracts the product title.
func (f *ProductFetcher) Fetch(ctx context.Context, rawURL string) (*Product, error) {
	page, err := url.Parse(rawURL)
	if err != nil || (page.Scheme != "http" && page.Scheme != "https") || page.Host == "" {
		return nil, fmt.Errorf("not an http(s) product url: %q", rawURL)
	}

	body, err := f.download(ctx, page)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	article, err := readability.FromReader(io.LimitReader(body, pageLimit), page)
	if err != nil {
		return nil, fmt.Errorf("parsing product page: %w", err)
	}
	title := strings.Join(strings.Fields(article.Title), " ")
	if title == "" {
		return nil, errNoTitle
	}

	f.logger.Debug("product page resolved", "url", rawURL, "title", title)
	return &Product{URL: rawURL, Title: title}, nil
}

func (f *ProductFetcher) download(ctx context.Context, page *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting product page: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		resp.Body.Close()
		return nil, &PageError{URL: page.String(), Code: resp.StatusCode}
	}
	return resp.Body, nil
}
