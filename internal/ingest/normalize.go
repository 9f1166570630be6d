package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"golang.org/x/text/encoding/charmap"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
)

const (
	DefaultMaxRows = 10000
	MaxTitleLength = 500
	MaxBodyLength  = 5000
)

// Options controls normalization limits.
type Options struct {
	MaxRows int
}

type field int

const (
	fieldTitle field = iota
	fieldBody
	fieldRating
	fieldDate
	fieldVerified
	fieldProductURL
	fieldReviewID
	fieldReviewer
)

// columnSynonyms maps each canonical field to the header spellings it
// accepts. Headers are compared after normalizeHeader.
var columnSynonyms = map[field][]string{
	fieldTitle:      {"title", "reviewtitle", "summary", "headline", "subject"},
	fieldBody:       {"body", "content", "reviewcontent", "review", "reviewtext", "reviewbody", "text", "comment", "comments", "description"},
	fieldRating:     {"rating", "reviewrating", "stars", "star", "starrating", "score", "ratingvalue"},
	fieldDate:       {"date", "reviewdate", "reviewedon", "datereviewed", "createdat", "posted", "timestamp"},
	fieldVerified:   {"verified", "verifiedpurchase", "isverified", "reviewbadge", "badge"},
	fieldProductURL: {"producturl", "productlink", "url", "link"},
	fieldReviewID:   {"reviewid", "id"},
	fieldReviewer:   {"reviewer", "reviewername", "reviewersname", "author", "name", "username", "user"},
}

var (
	ratingRe = regexp.MustCompile(`[-+]?\d+(?:[.,]\d+)?`)

	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\bon\s+([A-Za-z]+\.?\s+\d{1,2},?\s+\d{4})`),
		regexp.MustCompile(`\b(\d{4}-\d{1,2}-\d{1,2})\b`),
		regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{4})\b`),
		regexp.MustCompile(`\b(\d{1,2}\s+[A-Za-z]{3,9}\.?\s+\d{4})\b`),
		regexp.MustCompile(`\b([A-Za-z]{3,9}\.?\s+\d{1,2},?\s+\d{4})\b`),
	}
)

// Normalize parses a raw CSV upload into review records. Rows that cannot be
// used are reported as defects; the upload as a whole only fails when it is
// not a readable table, exceeds the row limit, or yields no records.
func Normalize(raw []byte, opts Options) ([]analysis.ReviewRecord, []analysis.RowDefect, error) {
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}

	text, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, &analysis.MalformedInputError{Reason: "file has no header row"}
	}
	if err != nil {
		return nil, nil, &analysis.MalformedInputError{Reason: fmt.Sprintf("reading header: %v", err)}
	}

	columns := mapColumns(header)
	if _, ok := columns[fieldRating]; !ok {
		return nil, nil, &analysis.MalformedInputError{Reason: "no rating column found"}
	}

	var (
		records []analysis.ReviewRecord
		defects []analysis.RowDefect
		rowNum  int
	)

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowNum++
		if rowNum > opts.MaxRows {
			return nil, nil, &analysis.MalformedInputError{
				Reason: fmt.Sprintf("exceeds maximum row limit of %d", opts.MaxRows),
			}
		}
		if err != nil {
			var perr *csv.ParseError
			if !errors.As(err, &perr) {
				return nil, nil, &analysis.MalformedInputError{Reason: err.Error()}
			}
			defects = append(defects, analysis.RowDefect{RowIndex: rowNum, Reason: "unparsable row: " + perr.Err.Error()})
			continue
		}

		rec, reason := normalizeRow(row, columns, rowNum)
		if reason != "" {
			defects = append(defects, analysis.RowDefect{RowIndex: rowNum, Reason: reason})
			continue
		}
		records = append(records, rec)
	}

	if len(defects) > 0 {
		slog.Debug("rows rejected during normalization", "component", "ingest", "defects", len(defects), "rows", rowNum)
	}

	if len(records) == 0 {
		return nil, defects, &analysis.EmptyDatasetError{Defects: len(defects)}
	}

	return records, defects, nil
}

func decode(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", &analysis.MalformedInputError{Reason: "file is empty"}
	}
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return "", &analysis.MalformedInputError{Reason: "could not decode file, please upload UTF-8 CSV"}
	}
	return string(decoded), nil
}

func mapColumns(header []string) map[field]int {
	lookup := make(map[string]field)
	for f, names := range columnSynonyms {
		for _, n := range names {
			lookup[n] = f
		}
	}

	columns := make(map[field]int)
	for i, h := range header {
		f, ok := lookup[normalizeHeader(h)]
		if !ok {
			continue
		}
		if _, taken := columns[f]; !taken {
			columns[f] = i
		}
	}
	return columns
}

// normalizeHeader lowercases and drops everything but letters and digits, so
// "Review Title", "review_title" and "Reviewer's Name" compare cleanly.
func normalizeHeader(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeRow(row []string, columns map[field]int, rowNum int) (analysis.ReviewRecord, string) {
	cell := func(f field) string {
		i, ok := columns[f]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rating, ok := ParseRating(cell(fieldRating))
	if !ok {
		if cell(fieldRating) == "" {
			return analysis.ReviewRecord{}, "missing rating"
		}
		return analysis.ReviewRecord{}, fmt.Sprintf("invalid rating %q", truncate(cell(fieldRating), 40))
	}

	title := truncate(cell(fieldTitle), MaxTitleLength)
	body := truncate(cell(fieldBody), MaxBodyLength)

	rec := analysis.ReviewRecord{
		ReviewID: cell(fieldReviewID),
		Title:    title,
		Body:     body,
		Rating:   rating,
		Date:     ParseDate(cell(fieldDate)),
		Verified: ParseVerified(cell(fieldVerified)),
	}
	if rec.ReviewID == "" {
		rec.ReviewID = fmt.Sprintf("row-%d", rowNum)
	}
	if u := cell(fieldProductURL); u != "" {
		rec.ProductURL = &u
	}
	if name := cell(fieldReviewer); name != "" {
		rec.Reviewer = &name
	}
	return rec, ""
}

// ParseRating extracts the leading number of a rating cell and rounds it,
// e.g. "4.6 out of 5 stars" gives 5. Values outside 1-5 are rejected.
func ParseRating(s string) (int, bool) {
	m := ratingRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	n := int(math.Round(v))
	if n < 1 || n > 5 {
		return 0, false
	}
	return n, true
}

// ParseDate parses a date cell, falling back to the first recognizable date
// inside free text such as "Reviewed in the United States on January 12, 2026".
// Unparsable values yield nil.
func ParseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := dateparse.ParseIn(s, time.UTC); err == nil {
		return calendarDate(t)
	}
	for _, re := range datePatterns {
		m := re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		candidate := strings.Replace(m[1], ".", "", 1)
		if t, err := dateparse.ParseIn(candidate, time.UTC); err == nil {
			return calendarDate(t)
		}
	}
	return nil
}

func calendarDate(t time.Time) *time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

// ParseVerified accepts boolean-ish cells and badge text like "Verified Purchase".
func ParseVerified(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "true", "yes", "y", "1":
		return true
	}
	if strings.Contains(v, "unverified") || strings.Contains(v, "not verified") {
		return false
	}
	return strings.Contains(v, "verified")
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
