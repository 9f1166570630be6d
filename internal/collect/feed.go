package collect

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

const defaultMaxItems = 10000

var feedColumns = []string{"review_id", "title", "body", "rating", "date", "reviewer", "product_url"}

var starsRe = regexp.MustCompile(`(?i)\b([1-5])(?:\.0)?\s*(?:/\s*5\s*)?(?:stars?|★)`)

// Import is a review feed converted to an upload.
type Import struct {
	Filename string
	CSV      []byte
	Rows     int
	Skipped  int
}

// FeedImporter converts RSS/Atom review feeds into CSV uploads.
type FeedImporter struct {
	parser   *gofeed.Parser
	maxItems int
	logger   *slog.Logger
}

// NewFeedImporter creates a new FeedImporter. A zero timeout uses 30s.
func NewFeedImporter(timeout time.Duration, maxItems int) *FeedImporter {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxItems <= 0 {
		maxItems = defaultMaxItems
	}
	parser := gofeed.NewParser()
	parser.UserAgent = "ReviewMiner/1.0 (review import)"
	parser.Client = &http.Client{Timeout: timeout}
	return &FeedImporter{
		parser:   parser,
		maxItems: maxItems,
		logger:   slog.With("component", "collect"),
	}
}

// ImportURL fetches a feed and converts its entries into CSV rows.
func (fi *FeedImporter) ImportURL(ctx context.Context, feedURL string) (*Import, error) {
	feed, err := fi.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", feedURL, err)
	}
	return fi.convert(feed, feedURL)
}

// ImportString converts an already downloaded feed document.
func (fi *FeedImporter) ImportString(doc, source string) (*Import, error) {
	feed, err := fi.parser.ParseString(doc)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	return fi.convert(feed, source)
}

func (fi *FeedImporter) convert(feed *gofeed.Feed, source string) (*Import, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(feedColumns); err != nil {
		return nil, err
	}

	imp := &Import{Filename: feedFilename(feed, source)}
	for _, item := range feed.Items {
		if imp.Rows >= fi.maxItems {
			break
		}
		row, ok := parseItem(item, feed.Link)
		if !ok {
			imp.Skipped++
			continue
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
		imp.Rows++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("writing csv: %w", err)
	}
	if imp.Rows == 0 {
		return nil, fmt.Errorf("feed %s has no review entries", source)
	}

	imp.CSV = buf.Bytes()
	fi.logger.Info("imported review feed", "source", source, "rows", imp.Rows, "skipped", imp.Skipped)
	return imp, nil
}

// parseItem maps one entry to a CSV row. Entries without any text are
// skipped; a missing rating is kept so ingestion reports it as a defect.
func parseItem(item *gofeed.Item, productURL string) ([]string, bool) {
	title := strings.TrimSpace(item.Title)

	var body string
	if item.Content != "" {
		body = stripHTML(item.Content)
	} else if item.Description != "" {
		body = stripHTML(item.Description)
	}
	if title == "" && body == "" {
		return nil, false
	}

	id := item.GUID
	if id == "" {
		id = item.Link
	}

	var date string
	if item.PublishedParsed != nil {
		date = item.PublishedParsed.UTC().Format("2006-01-02")
	} else if item.UpdatedParsed != nil {
		date = item.UpdatedParsed.UTC().Format("2006-01-02")
	}

	var reviewer string
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		reviewer = item.Authors[0].Name
	}

	return []string{id, title, body, itemRating(item), date, reviewer, productURL}, true
}

// itemRating reads the im:rating extension used by app store review feeds,
// falling back to an "N stars" token in the title or categories.
func itemRating(item *gofeed.Item) string {
	if im, ok := item.Extensions["im"]; ok {
		if vals := im["rating"]; len(vals) > 0 {
			if v := strings.TrimSpace(vals[0].Value); v != "" {
				return v
			}
		}
	}

	candidates := append([]string{item.Title}, item.Categories...)
	for _, c := range candidates {
		if m := starsRe.FindStringSubmatch(c); m != nil {
			n, _ := strconv.Atoi(m[1])
			return strconv.Itoa(n)
		}
	}
	return ""
}

func feedFilename(feed *gofeed.Feed, source string) string {
	name := strings.TrimSpace(feed.Title)
	if name == "" {
		name = extractSourceName(source)
	}
	return name + ".csv"
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
			result.WriteRune(' ')
		case r == '>':
			inTag = false
		case !inTag:
			result.WriteRune(r)
		}
	}

	s := strings.NewReplacer(
		"&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'",
	).Replace(result.String())
	return strings.Join(strings.Fields(s), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return "feed"
	}
	host := strings.ToLower(u.Hostname())
	for _, prefix := range []string{"www.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}
	return host
}
