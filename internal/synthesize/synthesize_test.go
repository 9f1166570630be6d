package synthesize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
)

type mockProvider struct {
	response string
	err      error
	prompts  []string
}

func (m *mockProvider) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.response, m.err
}

func (m *mockProvider) IsConfigured() bool { return true }

var testOpts = Options{MaxRetries: 1, RetryInitialInterval: time.Millisecond, CallTimeout: time.Second}

func sampleResult() *analysis.Result {
	return &analysis.Result{
		TotalReviews:         5,
		RatingDistribution:   analysis.RatingDistribution{One: 2, Four: 1, Five: 2},
		SentimentSummary:     analysis.Positive,
		PositiveSentimentPct: 60,
		TopLovedThemes: []analysis.ThemeSummary{
			{Label: "ice retention", Count: 3, Polarity: analysis.PolarityPositive},
		},
		TopImprovementThemes: []analysis.ThemeSummary{
			{Label: "lid leaks", Count: 2, Polarity: analysis.PolarityNegative},
		},
		Trends: analysis.TrendWindow{WindowDays: 60, TotalReviews: 3, PositiveCount: 2, NegativeCount: 1},
	}
}

func TestBriefFromModel(t *testing.T) {
	mock := &mockProvider{response: "```\nCustomers love the ice retention.\n\nThe lid needs work.\n```"}
	s := NewSynthesizer(mock, testOpts)

	brief, err := s.Brief(context.Background(), sampleResult(), "Frost Tumbler 30oz")
	if err != nil {
		t.Fatalf("Brief: %v", err)
	}
	if brief != "Customers love the ice retention.\n\nThe lid needs work." {
		t.Errorf("unexpected brief %q", brief)
	}
	if len(mock.prompts) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.prompts))
	}
	for _, want := range []string{`"ice retention"`, `"total_reviews":5`, "Frost Tumbler 30oz", "last 60 days"} {
		if !strings.Contains(mock.prompts[0], want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}

func TestBriefFallsBackOnError(t *testing.T) {
	mock := &mockProvider{err: errors.New("connection refused")}
	s := NewSynthesizer(mock, testOpts)

	brief, err := s.Brief(context.Background(), sampleResult(), "")
	var synthErr *analysis.SynthesisError
	if !errors.As(err, &synthErr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if brief == "" || !strings.Contains(brief, "ice retention") {
		t.Errorf("expected templated brief, got %q", brief)
	}
	if len(mock.prompts) != 2 {
		t.Errorf("expected 1 attempt + 1 retry, got %d", len(mock.prompts))
	}
}

func TestBriefFallsBackOnEmptyContent(t *testing.T) {
	s := NewSynthesizer(&mockProvider{response: "   \n"}, testOpts)
	brief, err := s.Brief(context.Background(), sampleResult(), "")
	if err == nil {
		t.Error("expected SynthesisError for empty content")
	}
	if strings.TrimSpace(brief) == "" {
		t.Error("expected non-empty brief")
	}
}

func TestBriefWithoutProvider(t *testing.T) {
	s := NewSynthesizer(nil, testOpts)
	brief, err := s.Brief(context.Background(), sampleResult(), "")
	if err == nil {
		t.Error("expected SynthesisError without provider")
	}
	if !strings.HasPrefix(brief, "Executive Summary:") {
		t.Errorf("expected templated brief, got %q", brief)
	}
}

func TestFallbackBriefWithoutThemes(t *testing.T) {
	res := &analysis.Result{
		TotalReviews:     2,
		SentimentSummary: analysis.Neutral,
		Trends:           analysis.TrendWindow{WindowDays: 60},
	}
	brief := FallbackBrief(res)
	if !strings.Contains(brief, "general feedback") {
		t.Errorf("expected generic improvement wording, got %q", brief)
	}
	if !strings.Contains(brief, "No dated reviews") {
		t.Errorf("expected missing-trend wording, got %q", brief)
	}
}
