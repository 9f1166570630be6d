package sentiment

import (
	"regexp"
	"strings"

	"github.com/jonreiter/govader"
	"github.com/russross/blackfriday/v2"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
)

var (
	analyzer = govader.NewSentimentIntensityAnalyzer()

	linkPattern = regexp.MustCompile(`\[(.*?)\]\((https?://[^\s)]+)\)`)
	urlPattern  = regexp.MustCompile(`https?://\S+|www\.\S+`)
	tagPattern  = regexp.MustCompile(`<[^>]+>`)
)

// FromRating maps a star rating to a sentiment: 4-5 positive, 3 neutral,
// 1-2 negative. It is the only source for rating-derived statistics.
func FromRating(rating int) analysis.Sentiment {
	switch {
	case rating >= 4:
		return analysis.Positive
	case rating == 3:
		return analysis.Neutral
	default:
		return analysis.Negative
	}
}

// Score returns the VADER compound score of text in [-1, 1].
func Score(text string) float64 {
	plain := PlainText(text)
	if plain == "" {
		return 0
	}
	return analyzer.PolarityScores(plain).Compound
}

// Label classifies a compound score using symmetric 0.2 thresholds.
func Label(compound float64) analysis.Sentiment {
	switch {
	case compound >= 0.20:
		return analysis.Positive
	case compound <= -0.20:
		return analysis.Negative
	default:
		return analysis.Neutral
	}
}

// PlainText renders markdown to HTML, drops tags and links, and collapses
// whitespace so review text scores the same regardless of formatting.
func PlainText(input string) string {
	input = linkPattern.ReplaceAllString(input, "$1")
	html := blackfriday.Run([]byte(input), blackfriday.WithNoExtensions())
	text := tagPattern.ReplaceAllString(string(html), " ")
	text = urlPattern.ReplaceAllString(text, "")
	text = strings.NewReplacer("&amp;", "&", "&quot;", `"`, "&#39;", "'", "&lt;", "<", "&gt;", ">").Replace(text)
	return strings.Join(strings.Fields(text), " ")
}
