package analysis

import "time"

// Sentiment is the polarity assigned to a single review.
type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
)

// Valid reports whether s is one of the three known sentiments.
func (s Sentiment) Valid() bool {
	return s == Positive || s == Negative || s == Neutral
}

// Polarity is the orientation of a theme.
type Polarity string

const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
	PolarityMixed    Polarity = "mixed"
)

// Valid reports whether p is one of the three known polarities.
func (p Polarity) Valid() bool {
	return p == PolarityPositive || p == PolarityNegative || p == PolarityMixed
}

// ReviewRecord is one customer review after normalization.
type ReviewRecord struct {
	ReviewID   string
	Title      string
	Body       string
	Rating     int
	Date       *time.Time
	Verified   bool
	ProductURL *string
	Reviewer   *string
}

// Text returns the title and body joined for scoring.
func (r ReviewRecord) Text() string {
	if r.Title == "" {
		return r.Body
	}
	if r.Body == "" {
		return r.Title
	}
	return r.Title + ". " + r.Body
}

// Quote is a representative excerpt from a review.
type Quote struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// ThemeSummary is an aggregated theme with supporting quotes.
type ThemeSummary struct {
	Label    string   `json:"label"`
	Count    int      `json:"count"`
	Polarity Polarity `json:"polarity"`
	Quotes   []Quote  `json:"quotes"`
}

// RatingDistribution holds review counts per star rating.
type RatingDistribution struct {
	One   int `json:"1"`
	Two   int `json:"2"`
	Three int `json:"3"`
	Four  int `json:"4"`
	Five  int `json:"5"`
}

// Add tallies one review with the given rating. Ratings outside 1-5 are ignored.
func (d *RatingDistribution) Add(rating int) {
	switch rating {
	case 1:
		d.One++
	case 2:
		d.Two++
	case 3:
		d.Three++
	case 4:
		d.Four++
	case 5:
		d.Five++
	}
}

// Count returns the number of reviews with the given rating.
func (d RatingDistribution) Count(rating int) int {
	switch rating {
	case 1:
		return d.One
	case 2:
		return d.Two
	case 3:
		return d.Three
	case 4:
		return d.Four
	case 5:
		return d.Five
	}
	return 0
}

// Total returns the sum of all rating counts.
func (d RatingDistribution) Total() int {
	return d.One + d.Two + d.Three + d.Four + d.Five
}

// TrendWindow compares a trailing time slice to the whole dataset.
type TrendWindow struct {
	WindowDays    int            `json:"window_days"`
	TotalReviews  int            `json:"total_reviews"`
	PositiveCount int            `json:"positive_count"`
	NegativeCount int            `json:"negative_count"`
	NeutralCount  int            `json:"neutral_count"`
	ThemesImprove []ThemeSummary `json:"themes_improve"`
}

// Result is the durable output of an analysis job.
type Result struct {
	JobID                string             `json:"job_id"`
	TotalReviews         int                `json:"total_reviews"`
	DefectCount          int                `json:"defect_count"`
	RatingDistribution   RatingDistribution `json:"rating_distribution"`
	SentimentSummary     Sentiment          `json:"sentiment_summary"`
	PositiveSentimentPct float64            `json:"positive_sentiment_pct"`
	TopLovedThemes       []ThemeSummary     `json:"top_loved_themes"`
	TopImprovementThemes []ThemeSummary     `json:"top_improvement_themes"`
	MixedThemes          []ThemeSummary     `json:"mixed_themes"`
	Trends               TrendWindow        `json:"trends"`
	ExecutiveBrief       string             `json:"executive_brief"`
	AnalysisTimeSeconds  float64            `json:"analysis_time_seconds"`
	Filename             string             `json:"filename"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// SentimentCheck compares rating-derived sentiment with an independent
// verdict for each review that has one. ModelJudged counts the verdicts that
// came from the language model; the rest come from the lexicon.
type SentimentCheck struct {
	Checked     int `json:"checked"`
	Agreed      int `json:"agreed"`
	ModelJudged int `json:"model_judged"`
}

// AgreementPct is the share of checked reviews that agree, in percent.
func (c SentimentCheck) AgreementPct() float64 {
	if c.Checked == 0 {
		return 0
	}
	return float64(c.Agreed) / float64(c.Checked) * 100
}
