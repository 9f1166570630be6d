package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/llm"
)

const (
	maxPromptBody   = 800
	maxPromptTitle  = 100
	minQuoteBodyLen = 20
	snippetLength   = 200
)

const extractPrompt = `You are analyzing customer product reviews.

Each review below has an "index". For EVERY review assign a sentiment: "positive", "negative" or "neutral".
Then group the reviews into recurring THEMES (short noun phrases of 1-4 words such as "battery life", "ice retention", "customer support").
For each theme give:
- "label": the theme name
- "polarity": "positive" if reviewers praise it, "negative" if they complain about it, "mixed" if both
- "review_indices": the indices of the reviews that discuss it
- "quote": an exact excerpt (50-150 characters) copied from one of those reviews

Reviews:
%s

Respond with ONLY this JSON, no markdown and no commentary:
{
  "reviews": [{"index": 0, "sentiment": "positive"}],
  "themes": [{"label": "battery life", "polarity": "negative", "review_indices": [0, 3], "quote": "battery barely lasts a day"}]
}`

// Options controls batching, concurrency and retries.
type Options struct {
	BatchSize            int
	MaxConcurrency       int
	MaxRetries           int
	RetryInitialInterval time.Duration
	CallTimeout          time.Duration
	MaxTokens            int
}

// Candidate is a possible quote for a theme, tied to the record it came from.
// Short candidates come from very brief reviews and are only used when a
// theme has nothing longer.
type Candidate struct {
	Record int
	Quote  analysis.Quote
	Short  bool
}

// Mention is one theme as reported by one batch. Members are global record
// indices.
type Mention struct {
	Batch    int
	Label    string
	Polarity analysis.Polarity
	Members  []int
	Quotes   []Candidate
}

// Output is the joined result of all batches.
type Output struct {
	Mentions       []Mention
	ModelSentiment map[int]analysis.Sentiment
	Batches        int
	FailedBatches  int
}

// Extractor drives the language model over batches of reviews.
type Extractor struct {
	provider llm.Provider
	opts     Options
	logger   *slog.Logger
}

// NewExtractor creates an extractor. A nil provider makes every batch fail.
func NewExtractor(provider llm.Provider, opts Options) *Extractor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 35
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Extractor{
		provider: provider,
		opts:     opts,
		logger:   slog.With("component", "extract"),
	}
}

type batchReply struct {
	Reviews []struct {
		Index     int    `json:"index"`
		Sentiment string `json:"sentiment"`
	} `json:"reviews"`
	Themes []struct {
		Label         string `json:"label"`
		Polarity      string `json:"polarity"`
		ReviewIndices []int  `json:"review_indices"`
		Quote         string `json:"quote"`
	} `json:"themes"`
}

type batchResult struct {
	mentions  []Mention
	sentiment map[int]analysis.Sentiment
	err       error
}

// Extract runs every batch and joins the results. Failed batches contribute
// nothing; only when all of them fail is an ExtractionTotalFailureError
// returned.
func (e *Extractor) Extract(ctx context.Context, records []analysis.ReviewRecord) (*Output, error) {
	batches := split(len(records), e.opts.BatchSize)
	results := make([]batchResult, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrency)

	for i, b := range batches {
		g.Go(func() error {
			mentions, sentiments, err := e.runBatch(gctx, i, b.start, records[b.start:b.end])
			results[i] = batchResult{mentions: mentions, sentiment: sentiments, err: err}
			// Never cancel siblings; failures are tallied after the join.
			return nil
		})
	}
	_ = g.Wait()

	out := &Output{
		ModelSentiment: make(map[int]analysis.Sentiment),
		Batches:        len(batches),
	}
	var lastErr error
	for _, r := range results {
		if r.err != nil {
			out.FailedBatches++
			lastErr = r.err
			continue
		}
		out.Mentions = append(out.Mentions, r.mentions...)
		for idx, s := range r.sentiment {
			out.ModelSentiment[idx] = s
		}
	}

	if len(batches) > 0 && out.FailedBatches == len(batches) {
		return nil, &analysis.ExtractionTotalFailureError{Batches: len(batches), Last: lastErr}
	}
	if out.FailedBatches > 0 {
		e.logger.Warn("some extraction batches failed",
			"failed", out.FailedBatches, "batches", out.Batches, "last_error", lastErr)
	}
	return out, nil
}

type span struct{ start, end int }

func split(n, size int) []span {
	var spans []span
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		spans = append(spans, span{start, end})
	}
	return spans
}

func (e *Extractor) runBatch(ctx context.Context, batch, offset int, records []analysis.ReviewRecord) ([]Mention, map[int]analysis.Sentiment, error) {
	prompt, err := buildPrompt(records)
	if err != nil {
		return nil, nil, &analysis.ExtractionBatchError{Batch: batch, Err: err}
	}

	policy := llm.RetryPolicy{
		MaxRetries:      e.opts.MaxRetries,
		InitialInterval: e.opts.RetryInitialInterval,
		CallTimeout:     e.opts.CallTimeout,
	}

	type parsed struct {
		mentions  []Mention
		sentiment map[int]analysis.Sentiment
	}

	start := time.Now()
	res, err := llm.GenerateWithRetry(ctx, e.provider, prompt, e.opts.MaxTokens, policy,
		func(text string) (parsed, error) {
			m, s, err := parseBatch(text, batch, offset, records)
			if err != nil {
				return parsed{}, &analysis.ExtractionBatchError{Batch: batch, Err: err}
			}
			return parsed{m, s}, nil
		},
		func(attempt int, err error) {
			e.logger.Warn("extraction batch attempt failed, retrying",
				"batch", batch, "attempt", attempt, "error", err)
		},
	)
	if err != nil {
		var be *analysis.ExtractionBatchError
		if !errors.As(err, &be) {
			err = &analysis.ExtractionBatchError{Batch: batch, Err: err}
		}
		e.logger.Error("extraction batch failed", "batch", batch, "reviews", len(records), "error", err)
		return nil, nil, err
	}

	e.logger.Debug("extraction batch done",
		"batch", batch, "reviews", len(records), "themes", len(res.mentions), "duration", time.Since(start).Round(time.Millisecond))
	return res.mentions, res.sentiment, nil
}

func buildPrompt(records []analysis.ReviewRecord) (string, error) {
	type item struct {
		Index   int    `json:"index"`
		Title   string `json:"title,omitempty"`
		Content string `json:"content"`
		Rating  int    `json:"rating"`
	}
	items := make([]item, len(records))
	for i, r := range records {
		items[i] = item{
			Index:   i,
			Title:   clip(r.Title, maxPromptTitle),
			Content: clip(r.Body, maxPromptBody),
			Rating:  r.Rating,
		}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encoding reviews: %w", err)
	}
	return fmt.Sprintf(extractPrompt, data), nil
}

// parseBatch validates a model reply against the batch and converts local
// indices to global ones.
func parseBatch(text string, batch, offset int, records []analysis.ReviewRecord) ([]Mention, map[int]analysis.Sentiment, error) {
	var reply batchReply
	if err := llm.DecodeJSON(text, &reply); err != nil {
		return nil, nil, err
	}

	sentiments := make(map[int]analysis.Sentiment)
	for _, r := range reply.Reviews {
		s := analysis.Sentiment(strings.ToLower(strings.TrimSpace(r.Sentiment)))
		if r.Index < 0 || r.Index >= len(records) || !s.Valid() {
			continue
		}
		sentiments[offset+r.Index] = s
	}

	var mentions []Mention
	for i, th := range reply.Themes {
		label := strings.TrimSpace(th.Label)
		if label == "" {
			return nil, nil, fmt.Errorf("theme %d has an empty label", i)
		}
		polarity, ok := parsePolarity(th.Polarity)
		if !ok {
			return nil, nil, fmt.Errorf("theme %q has invalid polarity %q", label, th.Polarity)
		}

		seen := make(map[int]bool)
		var members []int
		for _, idx := range th.ReviewIndices {
			if idx < 0 || idx >= len(records) || seen[idx] || records[idx].Text() == "" {
				continue
			}
			seen[idx] = true
			members = append(members, idx)
		}
		if len(members) == 0 {
			continue
		}

		m := Mention{Batch: batch, Label: label, Polarity: polarity}
		for _, idx := range members {
			m.Members = append(m.Members, offset+idx)
			if c, ok := quoteFor(records[idx], label, th.Quote); ok {
				c.Record = offset + idx
				m.Quotes = append(m.Quotes, c)
			}
		}
		mentions = append(mentions, m)
	}

	if len(mentions) == 0 && len(sentiments) == 0 {
		return nil, nil, errors.New("reply contained no usable themes or sentiments")
	}
	return mentions, sentiments, nil
}

func parsePolarity(s string) (analysis.Polarity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "love":
		return analysis.PolarityPositive, true
	case "negative", "improve":
		return analysis.PolarityNegative, true
	case "mixed":
		return analysis.PolarityMixed, true
	}
	return "", false
}

// quoteFor picks the model's quote when it occurs in the review, otherwise a
// keyword-centered snippet. Reviews with a very short body are marked Short;
// reviews without any text give no quote.
func quoteFor(r analysis.ReviewRecord, label, modelQuote string) (Candidate, bool) {
	text := r.Text()
	if text == "" {
		return Candidate{}, false
	}
	c := Candidate{
		Quote: analysis.Quote{Title: r.Title},
		Short: len([]rune(strings.TrimSpace(r.Body))) < minQuoteBodyLen,
	}

	modelQuote = strings.Trim(strings.TrimSpace(modelQuote), `"`)
	switch {
	case modelQuote != "" && strings.Contains(strings.ToLower(text), strings.ToLower(modelQuote)):
		c.Quote.Snippet = clip(modelQuote, snippetLength)
	case c.Short:
		c.Quote.Snippet = clip(shortText(r), snippetLength)
	default:
		c.Quote.Snippet = SnippetForTheme(r.Body, label, snippetLength)
	}
	return c, true
}

// shortText is the body of a brief review, or its title when the body is empty.
func shortText(r analysis.ReviewRecord) string {
	if body := strings.TrimSpace(r.Body); body != "" {
		return body
	}
	return strings.TrimSpace(r.Title)
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
