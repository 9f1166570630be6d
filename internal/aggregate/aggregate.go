package aggregate

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/extract"
	"github.com/TobiSchelling/ReviewMiner/internal/sentiment"
)

const quoteLength = 200

// Options controls ranking and the trend window.
type Options struct {
	TopN            int
	QuotesPerTheme  int
	TrendWindowDays int
}

// Aggregate merges extractor output with deterministic statistics into a
// result. Job identity, timing and the brief are left for the caller.
func Aggregate(records []analysis.ReviewRecord, ext *extract.Output, opts Options) *analysis.Result {
	if opts.TopN <= 0 {
		opts.TopN = 5
	}
	if opts.QuotesPerTheme <= 0 {
		opts.QuotesPerTheme = 3
	}
	if opts.TrendWindowDays <= 0 {
		opts.TrendWindowDays = 60
	}

	sentiments := make([]analysis.Sentiment, len(records))
	scores := make([]float64, len(records))
	res := &analysis.Result{TotalReviews: len(records)}
	for i, r := range records {
		res.RatingDistribution.Add(r.Rating)
		sentiments[i] = sentiment.FromRating(r.Rating)
		scores[i] = sentiment.Score(r.Text())
	}

	res.SentimentSummary, res.PositiveSentimentPct = summarize(sentiments)

	var mentions []extract.Mention
	if ext != nil {
		mentions = ext.Mentions
	}
	themes := mergeThemes(mentions, len(records), scores, nil)
	res.TopLovedThemes = top(themes, analysis.PolarityPositive, opts, records)
	res.TopImprovementThemes = top(themes, analysis.PolarityNegative, opts, records)
	res.MixedThemes = top(themes, analysis.PolarityMixed, opts, records)
	res.Trends = trend(records, sentiments, mentions, scores, opts)

	return res
}

// summarize returns the majority sentiment (neutral on any tie for the top
// count) and the positive share in percent rounded to two decimals.
func summarize(sentiments []analysis.Sentiment) (analysis.Sentiment, float64) {
	counts := map[analysis.Sentiment]int{}
	for _, s := range sentiments {
		counts[s]++
	}

	total := len(sentiments)
	pct := 0.0
	if total > 0 {
		pct = math.Round(float64(counts[analysis.Positive])/float64(total)*10000) / 100
	}

	best, bestCount, tie := analysis.Neutral, -1, false
	for _, s := range []analysis.Sentiment{analysis.Positive, analysis.Negative, analysis.Neutral} {
		switch c := counts[s]; {
		case c > bestCount:
			best, bestCount, tie = s, c, false
		case c == bestCount:
			tie = true
		}
	}
	if tie || total == 0 {
		return analysis.Neutral, pct
	}
	return best, pct
}

var (
	punctRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	spaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeLabel lowercases a theme label, strips punctuation and collapses
// whitespace so spellings from different batches group together.
func NormalizeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = punctRe.ReplaceAllString(s, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

type theme struct {
	label    string
	polarity analysis.Polarity
	members  []int
	strength float64
	quotes   []extract.Candidate
}

type group struct {
	spellings  map[string]int
	polarities map[analysis.Polarity]int
	members    map[int]bool
	quotes     []extract.Candidate
}

// mergeThemes groups mentions by normalized label. When include is non-nil
// only member records it accepts are counted or quoted.
func mergeThemes(mentions []extract.Mention, total int, scores []float64, include func(int) bool) []theme {
	groups := make(map[string]*group)
	for _, m := range mentions {
		key := NormalizeLabel(m.Label)
		if key == "" {
			continue
		}

		var members []int
		for _, idx := range m.Members {
			if idx < 0 || idx >= total || (include != nil && !include(idx)) {
				continue
			}
			members = append(members, idx)
		}
		if len(members) == 0 {
			continue
		}

		g, ok := groups[key]
		if !ok {
			g = &group{
				spellings:  make(map[string]int),
				polarities: make(map[analysis.Polarity]int),
				members:    make(map[int]bool),
			}
			groups[key] = g
		}
		g.spellings[strings.TrimSpace(m.Label)]++
		g.polarities[m.Polarity]++
		for _, idx := range members {
			g.members[idx] = true
		}
		for _, q := range m.Quotes {
			if include == nil || include(q.Record) {
				g.quotes = append(g.quotes, q)
			}
		}
	}

	themes := make([]theme, 0, len(groups))
	for _, g := range groups {
		t := theme{
			label:    displayLabel(g.spellings),
			polarity: reconcile(g.polarities),
			quotes:   g.quotes,
		}
		for idx := range g.members {
			t.members = append(t.members, idx)
		}
		sort.Ints(t.members)

		sum := 0.0
		for _, idx := range t.members {
			sum += math.Abs(scores[idx])
		}
		t.strength = sum / float64(len(t.members))
		themes = append(themes, t)
	}
	return themes
}

func displayLabel(spellings map[string]int) string {
	best, bestCount := "", -1
	for s, c := range spellings {
		if c > bestCount || (c == bestCount && s < best) {
			best, bestCount = s, c
		}
	}
	return best
}

// reconcile takes the majority polarity across mentions; a tie is mixed.
func reconcile(votes map[analysis.Polarity]int) analysis.Polarity {
	best, bestCount, tie := analysis.PolarityMixed, -1, false
	for _, p := range []analysis.Polarity{analysis.PolarityPositive, analysis.PolarityNegative, analysis.PolarityMixed} {
		switch c := votes[p]; {
		case c > bestCount:
			best, bestCount, tie = p, c, false
		case c == bestCount && c > 0:
			tie = true
		}
	}
	if tie {
		return analysis.PolarityMixed
	}
	return best
}

// top filters themes by polarity and returns the first n ranked by count,
// then polarity strength, then label.
func top(themes []theme, polarity analysis.Polarity, opts Options, records []analysis.ReviewRecord) []analysis.ThemeSummary {
	var picked []theme
	for _, t := range themes {
		if t.polarity == polarity {
			picked = append(picked, t)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		a, b := picked[i], picked[j]
		if len(a.members) != len(b.members) {
			return len(a.members) > len(b.members)
		}
		if a.strength != b.strength {
			return a.strength > b.strength
		}
		return strings.ToLower(a.label) < strings.ToLower(b.label)
	})
	if len(picked) > opts.TopN {
		picked = picked[:opts.TopN]
	}

	out := make([]analysis.ThemeSummary, 0, len(picked))
	for _, t := range picked {
		quotes := rankQuotes(t.quotes, t.polarity, opts.QuotesPerTheme)
		if len(quotes) == 0 {
			quotes = memberQuotes(records, t, opts.QuotesPerTheme)
		}
		out = append(out, analysis.ThemeSummary{
			Label:    t.label,
			Count:    len(t.members),
			Polarity: t.polarity,
			Quotes:   quotes,
		})
	}
	return out
}

// rankQuotes deduplicates candidates by snippet and orders them by how well
// their lexicon score matches the theme polarity. Short candidates are used
// only when there is nothing else.
func rankQuotes(candidates []extract.Candidate, polarity analysis.Polarity, k int) []analysis.Quote {
	type scored struct {
		extract.Candidate
		score float64
	}

	collect := func(short bool) []scored {
		seen := make(map[string]bool)
		var pool []scored
		for _, c := range candidates {
			key := strings.ToLower(strings.TrimSpace(c.Quote.Snippet))
			if c.Short != short || key == "" || seen[key] {
				continue
			}
			seen[key] = true
			pool = append(pool, scored{Candidate: c, score: sentiment.Score(c.Quote.Snippet)})
		}
		return pool
	}
	pool := collect(false)
	if len(pool) == 0 {
		pool = collect(true)
	}

	aligned := func(s float64) float64 {
		switch polarity {
		case analysis.PolarityPositive:
			return s
		case analysis.PolarityNegative:
			return -s
		default:
			return math.Abs(s)
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		ai, aj := aligned(pool[i].score), aligned(pool[j].score)
		if ai != aj {
			return ai > aj
		}
		return pool[i].Record < pool[j].Record
	})

	quotes := make([]analysis.Quote, 0, min(k, len(pool)))
	for _, s := range pool {
		if len(quotes) == k {
			break
		}
		quotes = append(quotes, s.Quote)
	}
	return quotes
}

// memberQuotes builds quotes straight from member reviews for a theme whose
// mentions carried no usable candidates.
func memberQuotes(records []analysis.ReviewRecord, t theme, k int) []analysis.Quote {
	quotes := []analysis.Quote{}
	seen := make(map[string]bool)
	for _, idx := range t.members {
		if len(quotes) == k {
			break
		}
		r := records[idx]
		snippet := extract.SnippetForTheme(r.Body, t.label, quoteLength)
		if snippet == "" {
			snippet = extract.SnippetForTheme(r.Title, t.label, quoteLength)
		}
		key := strings.ToLower(snippet)
		if snippet == "" || seen[key] {
			continue
		}
		seen[key] = true
		quotes = append(quotes, analysis.Quote{Title: r.Title, Snippet: snippet})
	}
	return quotes
}

// trend compares the trailing window ending at the newest dated review.
func trend(records []analysis.ReviewRecord, sentiments []analysis.Sentiment, mentions []extract.Mention, scores []float64, opts Options) analysis.TrendWindow {
	tw := analysis.TrendWindow{
		WindowDays:    opts.TrendWindowDays,
		ThemesImprove: []analysis.ThemeSummary{},
	}

	var latest time.Time
	for _, r := range records {
		if r.Date != nil && r.Date.After(latest) {
			latest = *r.Date
		}
	}
	if latest.IsZero() {
		return tw
	}

	cutoff := latest.AddDate(0, 0, -(opts.TrendWindowDays - 1))
	inWindow := make(map[int]bool)
	for i, r := range records {
		if r.Date == nil || r.Date.Before(cutoff) {
			continue
		}
		inWindow[i] = true
		tw.TotalReviews++
		switch sentiments[i] {
		case analysis.Positive:
			tw.PositiveCount++
		case analysis.Negative:
			tw.NegativeCount++
		default:
			tw.NeutralCount++
		}
	}

	windowed := mergeThemes(mentions, len(records), scores, func(idx int) bool { return inWindow[idx] })
	tw.ThemesImprove = top(windowed, analysis.PolarityNegative, opts, records)
	return tw
}
