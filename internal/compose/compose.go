package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/database"
)

const maxDefectsListed = 20

// Report renders a completed result as a markdown document.
func Report(res *analysis.Result, defects []analysis.RowDefect) string {
	var b strings.Builder

	title := res.Filename
	if title == "" {
		title = res.JobID
	}
	fmt.Fprintf(&b, "# Review Analysis: %s\n\n", title)
	fmt.Fprintf(&b, "*Job %s, analyzed %s in %.1fs*\n\n",
		res.JobID, res.UpdatedAt.UTC().Format("2006-01-02 15:04 MST"), res.AnalysisTimeSeconds)

	if brief := strings.TrimSpace(res.ExecutiveBrief); brief != "" {
		b.WriteString("## Executive Brief\n\n")
		b.WriteString(brief)
		b.WriteString("\n\n")
	}

	b.WriteString("## Overview\n\n")
	fmt.Fprintf(&b, "- **Reviews analyzed:** %d\n", res.TotalReviews)
	if res.DefectCount > 0 {
		fmt.Fprintf(&b, "- **Rows skipped:** %d\n", res.DefectCount)
	}
	fmt.Fprintf(&b, "- **Overall sentiment:** %s\n", res.SentimentSummary)
	fmt.Fprintf(&b, "- **Positive share:** %.2f%%\n\n", res.PositiveSentimentPct)

	b.WriteString("## Rating Distribution\n\n")
	b.WriteString("| Stars | Reviews |\n|---|---|\n")
	for rating := 5; rating >= 1; rating-- {
		fmt.Fprintf(&b, "| %s | %d |\n", strings.Repeat("★", rating), res.RatingDistribution.Count(rating))
	}
	b.WriteString("\n")

	writeThemes(&b, "What Customers Love", res.TopLovedThemes)
	writeThemes(&b, "What Needs Improvement", res.TopImprovementThemes)
	if len(res.MixedThemes) > 0 {
		writeThemes(&b, "Mixed Feedback", res.MixedThemes)
	}

	tw := res.Trends
	fmt.Fprintf(&b, "## Last %d Days\n\n", tw.WindowDays)
	if tw.TotalReviews == 0 {
		b.WriteString("No dated reviews fall in this window.\n\n")
	} else {
		fmt.Fprintf(&b, "%d reviews: %d positive, %d negative, %d neutral.\n\n",
			tw.TotalReviews, tw.PositiveCount, tw.NegativeCount, tw.NeutralCount)
		if len(tw.ThemesImprove) > 0 {
			b.WriteString("Recent complaints:\n\n")
			for _, t := range tw.ThemesImprove {
				fmt.Fprintf(&b, "- %s (%d)\n", t.Label, t.Count)
			}
			b.WriteString("\n")
		}
	}

	if len(defects) > 0 {
		b.WriteString("## Skipped Rows\n\n")
		for i, d := range defects {
			if i == maxDefectsListed {
				fmt.Fprintf(&b, "- ...and %d more\n", len(defects)-maxDefectsListed)
				break
			}
			fmt.Fprintf(&b, "- Row %d: %s\n", d.RowIndex, d.Reason)
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeThemes(b *strings.Builder, heading string, themes []analysis.ThemeSummary) {
	fmt.Fprintf(b, "## %s\n\n", heading)
	if len(themes) == 0 {
		b.WriteString("No recurring themes found.\n\n")
		return
	}
	for i, t := range themes {
		fmt.Fprintf(b, "### %d. %s (%d %s)\n\n", i+1, t.Label, t.Count, plural(t.Count, "review", "reviews"))
		for _, q := range t.Quotes {
			fmt.Fprintf(b, "> %s\n", q.Snippet)
			if q.Title != "" {
				fmt.Fprintf(b, ">\n> *%s*\n", q.Title)
			}
			b.WriteString("\n")
		}
	}
}

// Summary is the short plain-text digest printed by the CLI.
func Summary(res *analysis.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job:        %s\n", res.JobID)
	fmt.Fprintf(&b, "Reviews:    %d (%d skipped)\n", res.TotalReviews, res.DefectCount)
	fmt.Fprintf(&b, "Sentiment:  %s (%.2f%% positive)\n", res.SentimentSummary, res.PositiveSentimentPct)
	fmt.Fprintf(&b, "Loved:      %s\n", labels(res.TopLovedThemes))
	fmt.Fprintf(&b, "Improve:    %s\n", labels(res.TopImprovementThemes))
	fmt.Fprintf(&b, "Took:       %.1fs\n", res.AnalysisTimeSeconds)
	return b.String()
}

// Runs renders a job's run history, one line per run.
func Runs(runs []database.JobRun) string {
	if len(runs) == 0 {
		return "No runs recorded.\n"
	}
	var b strings.Builder
	for _, r := range runs {
		outcome := "running"
		if r.Outcome != nil {
			outcome = *r.Outcome
		}
		took := "-"
		if r.FinishedAt != nil {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(&b, "#%d  %-9s  %s  took %s  batches %d/%d ok",
			r.RunNumber, outcome, r.StartedAt.Local().Format(time.DateTime), took,
			r.Batches-r.FailedBatches, r.Batches)
		if c := r.Check; c.Checked > 0 {
			fmt.Fprintf(&b, "  sentiment agreement %.0f%% of %d (%d by model)",
				c.AgreementPct(), c.Checked, c.ModelJudged)
		}
		b.WriteByte('\n')
		if r.Error != nil {
			fmt.Fprintf(&b, "    %s\n", *r.Error)
		}
	}
	return b.String()
}

func labels(themes []analysis.ThemeSummary) string {
	if len(themes) == 0 {
		return "-"
	}
	names := make([]string, len(themes))
	for i, t := range themes {
		names[i] = fmt.Sprintf("%s (%d)", t.Label, t.Count)
	}
	return strings.Join(names, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
