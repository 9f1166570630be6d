package aggregate

import (
	"testing"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/extract"
)

func TestCrossCheck(t *testing.T) {
	records := []analysis.ReviewRecord{
		{Rating: 5, Body: "Love it"},
		{Rating: 1, Body: "Broke after a week"},
		{Rating: 4, Body: "Absolutely terrible, I hate it, worst purchase ever"},
		{Rating: 3},
		{Rating: 2},
	}
	ext := &extract.Output{ModelSentiment: map[int]analysis.Sentiment{
		0: analysis.Positive,
		1: analysis.Positive,
		4: analysis.Negative,
	}}

	got := CrossCheck(records, ext)
	want := analysis.SentimentCheck{Checked: 4, Agreed: 2, ModelJudged: 3}
	if got != want {
		t.Errorf("CrossCheck = %+v, want %+v", got, want)
	}
	if got.AgreementPct() != 50 {
		t.Errorf("AgreementPct = %v, want 50", got.AgreementPct())
	}
}

func TestCrossCheckWithoutModel(t *testing.T) {
	records := []analysis.ReviewRecord{
		{Rating: 5, Body: "This is wonderful, I love it so much"},
		{Rating: 1, Body: "Awful, horrible and useless"},
		{Rating: 4},
	}
	got := CrossCheck(records, nil)
	if got.Checked != 2 || got.Agreed != 2 || got.ModelJudged != 0 {
		t.Errorf("unexpected lexicon-only check %+v", got)
	}
	if (analysis.SentimentCheck{}).AgreementPct() != 0 {
		t.Error("empty check should report 0%")
	}
}
