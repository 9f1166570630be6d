package aggregate

import (
	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/extract"
	"github.com/TobiSchelling/ReviewMiner/internal/sentiment"
)

// CrossCheck compares each review's rating-derived sentiment with the
// model's verdict, or with the lexicon label of its text when the model gave
// none. Reviews without text and without a model verdict are not checked.
// The result is diagnostic only; statistics always use the rating.
func CrossCheck(records []analysis.ReviewRecord, ext *extract.Output) analysis.SentimentCheck {
	var c analysis.SentimentCheck
	for i, r := range records {
		var (
			verdict analysis.Sentiment
			judged  bool
		)
		if ext != nil {
			verdict, judged = ext.ModelSentiment[i]
		}
		if judged {
			c.ModelJudged++
		} else {
			text := r.Text()
			if text == "" {
				continue
			}
			verdict = sentiment.Label(sentiment.Score(text))
		}
		c.Checked++
		if verdict == sentiment.FromRating(r.Rating) {
			c.Agreed++
		}
	}
	return c
}
