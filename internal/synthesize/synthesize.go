package synthesize

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/llm"
)

const briefPrompt = `You are a business analyst writing an executive summary of customer product reviews.

Write a concise executive brief of 3-4 paragraphs covering:

1. Overall sentiment
2. The most loved aspects, with context
3. The areas that most need improvement, with context
4. Recent trends: the last %d days compared to the whole dataset
5. Actionable recommendations for product improvements and for content or marketing

Analysis data:
%s

Write in a professional, specific, data-driven tone. The text is shown directly on a web page: use plain paragraphs, no markdown, no headings, no bullet lists.`

const briefMaxTokens = 2000

// Options controls retries for the brief call.
type Options struct {
	MaxRetries           int
	RetryInitialInterval time.Duration
	CallTimeout          time.Duration
}

// Synthesizer writes the executive brief for an aggregated result.
type Synthesizer struct {
	provider llm.Provider
	opts     Options
	logger   *slog.Logger
}

// NewSynthesizer creates a new brief synthesizer. A nil provider always
// yields the templated brief.
func NewSynthesizer(provider llm.Provider, opts Options) *Synthesizer {
	return &Synthesizer{
		provider: provider,
		opts:     opts,
		logger:   slog.With("component", "synthesize"),
	}
}

// Brief returns the executive brief for res. It never returns an empty
// string: when the model cannot produce one, the templated brief is returned
// together with a *analysis.SynthesisError for the caller to log.
func (s *Synthesizer) Brief(ctx context.Context, res *analysis.Result, product string) (string, error) {
	prompt, err := buildPrompt(res, product)
	if err != nil {
		return FallbackBrief(res), &analysis.SynthesisError{Err: err}
	}

	policy := llm.RetryPolicy{
		MaxRetries:      s.opts.MaxRetries,
		InitialInterval: s.opts.RetryInitialInterval,
		CallTimeout:     s.opts.CallTimeout,
	}
	brief, err := llm.GenerateWithRetry(ctx, s.provider, prompt, briefMaxTokens, policy,
		func(text string) (string, error) {
			text = llm.StripCodeFence(text)
			if text == "" {
				return "", llm.ErrEmptyResponse
			}
			return text, nil
		},
		func(attempt int, err error) {
			s.logger.Warn("brief attempt failed, retrying", "attempt", attempt, "error", err)
		},
	)
	if err != nil {
		return FallbackBrief(res), &analysis.SynthesisError{Err: err}
	}
	return brief, nil
}

type themeStat struct {
	Theme string `json:"theme"`
	Count int    `json:"count"`
}

func buildPrompt(res *analysis.Result, product string) (string, error) {
	themes := func(list []analysis.ThemeSummary) []themeStat {
		out := make([]themeStat, 0, len(list))
		for _, t := range list {
			out = append(out, themeStat{Theme: t.Label, Count: t.Count})
		}
		return out
	}

	stats := map[string]any{
		"total_reviews":          res.TotalReviews,
		"rating_distribution":    res.RatingDistribution,
		"sentiment":              res.SentimentSummary,
		"positive_sentiment_pct": res.PositiveSentimentPct,
		"top_loved_themes":       themes(res.TopLovedThemes),
		"top_improvement_themes": themes(res.TopImprovementThemes),
		"recent_trends": map[string]any{
			"window_days":        res.Trends.WindowDays,
			"recent_reviews":     res.Trends.TotalReviews,
			"recent_positive":    res.Trends.PositiveCount,
			"recent_negative":    res.Trends.NegativeCount,
			"recent_improvement": themes(res.Trends.ThemesImprove),
		},
	}
	if product != "" {
		stats["product"] = product
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return "", fmt.Errorf("encoding stats: %w", err)
	}
	return fmt.Sprintf(briefPrompt, res.Trends.WindowDays, data), nil
}

// FallbackBrief builds a deterministic brief from the numbers alone.
func FallbackBrief(res *analysis.Result) string {
	labels := func(list []analysis.ThemeSummary, n int, none string) string {
		var names []string
		for i, t := range list {
			if i == n {
				break
			}
			names = append(names, t.Label)
		}
		if len(names) == 0 {
			return none
		}
		return strings.Join(names, ", ")
	}

	var b strings.Builder
	b.WriteString("Executive Summary:\n\n")
	fmt.Fprintf(&b, "Overall sentiment is %s. Based on %d reviews, %.1f%% are positive",
		res.SentimentSummary, res.TotalReviews, res.PositiveSentimentPct)
	if len(res.TopLovedThemes) > 0 {
		fmt.Fprintf(&b, ", and the product performs best in %s", labels(res.TopLovedThemes, 3, ""))
	}
	b.WriteString(".\n\n")

	if len(res.TopLovedThemes) > 0 {
		top := res.TopLovedThemes[0]
		fmt.Fprintf(&b, "Key strengths include %s, mentioned in %d reviews.\n\n", top.Label, top.Count)
	}

	fmt.Fprintf(&b, "Areas for improvement include %s.\n\n",
		labels(res.TopImprovementThemes, 3, "general feedback"))

	tw := res.Trends
	switch {
	case tw.TotalReviews == 0:
		fmt.Fprintf(&b, "No dated reviews fall in the last %d days, so no recent trend is available.\n", tw.WindowDays)
	case tw.PositiveCount > tw.NegativeCount:
		fmt.Fprintf(&b, "Recent trends indicate improving sentiment in the last %d days (%d of %d reviews positive).\n",
			tw.WindowDays, tw.PositiveCount, tw.TotalReviews)
	default:
		fmt.Fprintf(&b, "Recent trends indicate declining sentiment in the last %d days (%d of %d reviews negative).\n",
			tw.WindowDays, tw.NegativeCount, tw.TotalReviews)
	}
	return b.String()
}
