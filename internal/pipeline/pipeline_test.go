package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/ReviewMiner/internal/aggregate"
	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/database"
	"github.com/TobiSchelling/ReviewMiner/internal/extract"
	"github.com/TobiSchelling/ReviewMiner/internal/synthesize"
)

const fiveReviews = `title,body,rating,date
Love it,Keeps ice frozen for two whole days even in the summer heat.,5,2026-03-01
Amazing,The ice lasts forever and the tumbler looks great on my desk.,5,2026-03-02
Good,Ice retention is solid and it fits my car cup holder.,4,2026-03-03
Leaks,The lid leaks all over my bag every single time I carry it.,1,2026-03-04
Broken lid,The lid leaks and cracked after one week of normal use.,1,2026-03-05
`

const extractReply = `{"reviews":[{"index":0,"sentiment":"positive"},{"index":3,"sentiment":"negative"}],
"themes":[
 {"label":"Ice retention","polarity":"positive","review_indices":[0,1,2],"quote":"ice lasts forever"},
 {"label":"Lid leaks","polarity":"negative","review_indices":[3,4],"quote":"lid leaks"}]}`

const briefReply = "Customers love the ice retention. The lid needs work."

// stubProvider answers extraction and brief prompts separately. gate, when
// set, blocks every call until it is closed.
type stubProvider struct {
	mu      sync.Mutex
	extract func() (string, error)
	brief   func() (string, error)
	gate    chan struct{}
}

func (s *stubProvider) Generate(ctx context.Context, prompt string, _ int) (string, error) {
	s.mu.Lock()
	gate, extractFn, briefFn := s.gate, s.extract, s.brief
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if strings.Contains(prompt, "executive") {
		return briefFn()
	}
	return extractFn()
}

func (s *stubProvider) IsConfigured() bool { return true }

func (s *stubProvider) set(extractFn, briefFn func() (string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extract, s.brief = extractFn, briefFn
}

func reply(text string) func() (string, error) {
	return func() (string, error) { return text, nil }
}

func failing(msg string) func() (string, error) {
	return func() (string, error) { return "", errors.New(msg) }
}

func healthyProvider() *stubProvider {
	return &stubProvider{extract: reply(extractReply), brief: reply(briefReply)}
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testOptions() Options {
	retry := time.Millisecond
	return Options{
		MaxUploadBytes: 1 << 20,
		Extract: extract.Options{
			BatchSize:            50,
			MaxConcurrency:       2,
			MaxRetries:           1,
			RetryInitialInterval: retry,
			CallTimeout:          5 * time.Second,
		},
		Aggregate:  aggregate.Options{TopN: 5, QuotesPerTheme: 3, TrendWindowDays: 60},
		Synthesize: synthesize.Options{MaxRetries: 1, RetryInitialInterval: retry, CallTimeout: 5 * time.Second},
	}
}

func newTestOrchestrator(t *testing.T, p *stubProvider) (*Orchestrator, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	o := New(db, p, testOptions())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o, db
}

func submitAndWait(t *testing.T, o *Orchestrator, csv string) *database.Job {
	t.Helper()
	ctx := context.Background()
	job, err := o.Submit(ctx, "reviews.csv", []byte(csv))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return waitFor(t, o, job.ID)
}

func waitFor(t *testing.T, o *Orchestrator, id string) *database.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	job, err := o.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job
}

func TestFiveReviewScenario(t *testing.T) {
	o, _ := newTestOrchestrator(t, healthyProvider())
	job := submitAndWait(t, o, fiveReviews)

	if job.Status != database.StatusCompleted {
		t.Fatalf("expected completed, got %s (error %v)", job.Status, job.Error)
	}
	res, err := DecodeResult(job)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}

	if res.JobID != job.ID || res.Filename != "reviews.csv" {
		t.Errorf("result not stamped with job identity: %+v", res)
	}
	d := res.RatingDistribution
	if d.Five != 2 || d.Four != 1 || d.One != 2 || d.Total() != 5 {
		t.Errorf("unexpected distribution %+v", d)
	}
	if res.SentimentSummary != analysis.Positive || res.PositiveSentimentPct != 60 {
		t.Errorf("expected positive at 60%%, got %s %.2f", res.SentimentSummary, res.PositiveSentimentPct)
	}
	if len(res.TopLovedThemes) != 1 || res.TopLovedThemes[0].Count != 3 {
		t.Errorf("unexpected loved themes %+v", res.TopLovedThemes)
	}
	if len(res.TopImprovementThemes) != 1 || res.TopImprovementThemes[0].Label != "Lid leaks" {
		t.Errorf("unexpected improvement themes %+v", res.TopImprovementThemes)
	}
	if res.ExecutiveBrief != briefReply {
		t.Errorf("expected model brief, got %q", res.ExecutiveBrief)
	}
	if res.Trends.TotalReviews != 5 {
		t.Errorf("expected all reviews in the trend window, got %d", res.Trends.TotalReviews)
	}
	if res.AnalysisTimeSeconds < 0 {
		t.Errorf("negative analysis time %v", res.AnalysisTimeSeconds)
	}
	if !res.CreatedAt.Equal(job.CreatedAt) {
		t.Errorf("expected created_at from job, got %v vs %v", res.CreatedAt, job.CreatedAt)
	}

	runs, err := o.Runs(job.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("Runs: %v, %v", runs, err)
	}
	check := runs[0].Check
	if check.Checked != 5 || check.ModelJudged != 2 || check.Agreed < 2 {
		t.Errorf("unexpected sentiment cross-check %+v", check)
	}
}

func TestShortReviewThemeHasQuotes(t *testing.T) {
	csv := "title,body,rating\n" +
		"Great value!,,5\n" +
		",Good value.,5\n" +
		",,4\n"
	p := &stubProvider{brief: reply(briefReply), extract: reply(
		`{"reviews":[{"index":0,"sentiment":"positive"}],
		  "themes":[{"label":"value","polarity":"positive","review_indices":[0,1,2],"quote":"best buy"}]}`)}
	o, _ := newTestOrchestrator(t, p)

	job := submitAndWait(t, o, csv)
	if job.Status != database.StatusCompleted {
		t.Fatalf("expected completed, got %s (error %v)", job.Status, job.Error)
	}
	res, err := DecodeResult(job)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if res.TotalReviews != 3 {
		t.Errorf("expected the rating-only row to count, got %d reviews", res.TotalReviews)
	}
	if len(res.TopLovedThemes) != 1 {
		t.Fatalf("expected one loved theme, got %+v", res.TopLovedThemes)
	}
	theme := res.TopLovedThemes[0]
	if theme.Count != 2 {
		t.Errorf("expected the textless review to stay out of the theme, got count %d", theme.Count)
	}
	if len(theme.Quotes) != 2 {
		t.Errorf("expected quotes from both short reviews, got %+v", theme.Quotes)
	}
}

func TestStatusSequence(t *testing.T) {
	p := healthyProvider()
	p.gate = make(chan struct{})
	o, db := newTestOrchestrator(t, p)
	ctx := context.Background()

	job, err := o.Submit(ctx, "reviews.csv", []byte(fiveReviews))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != database.StatusPending {
		t.Errorf("expected pending on submit, got %s", job.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, _ := o.Get(ctx, job.ID)
		if j.Status == database.StatusProcessing {
			break
		}
		if j.Status.Terminal() || time.Now().After(deadline) {
			t.Fatalf("expected processing, got %s", j.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(p.gate)
	final := waitFor(t, o, job.ID)
	if final.Status != database.StatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}

	runs, err := db.GetRuns(job.ID)
	if err != nil {
		t.Fatalf("GetRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome == nil || *runs[0].Outcome != "completed" {
		t.Errorf("unexpected run history %+v", runs)
	}
}

func TestConcurrentRerunRejected(t *testing.T) {
	p := healthyProvider()
	p.gate = make(chan struct{})
	o, _ := newTestOrchestrator(t, p)
	ctx := context.Background()

	job, err := o.Submit(ctx, "reviews.csv", []byte(fiveReviews))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = o.Rerun(ctx, job.ID)
	var conflict *analysis.ConcurrentRerunError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentRerunError, got %v", err)
	}
	if conflict.JobID != job.ID {
		t.Errorf("unexpected job id in error %q", conflict.JobID)
	}

	close(p.gate)
	if final := waitFor(t, o, job.ID); final.Status != database.StatusCompleted || final.RunCount != 1 {
		t.Errorf("expected one completed run, got %s after %d runs", final.Status, final.RunCount)
	}
}

func TestSettledJobsLeaveRegistry(t *testing.T) {
	p := healthyProvider()
	p.gate = make(chan struct{})
	o, _ := newTestOrchestrator(t, p)
	ctx := context.Background()

	job, err := o.Submit(ctx, "reviews.csv", []byte(fiveReviews))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := o.jobs.size(); n != 1 {
		t.Errorf("expected the running job tracked, got %d entries", n)
	}

	close(p.gate)
	waitFor(t, o, job.ID)
	if n := o.jobs.size(); n != 0 {
		t.Errorf("expected no entries after the run settled, got %d", n)
	}

	if _, err := o.Rerun(ctx, job.ID); err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	final := waitFor(t, o, job.ID)
	if final.Status != database.StatusCompleted || final.RunCount != 2 {
		t.Errorf("expected a second completed run, got %s after %d runs", final.Status, final.RunCount)
	}
	if n := o.jobs.size(); n != 0 {
		t.Errorf("expected no entries after the rerun settled, got %d", n)
	}
}

func TestRerunProducesSameShape(t *testing.T) {
	o, db := newTestOrchestrator(t, healthyProvider())
	ctx := context.Background()

	first := submitAndWait(t, o, fiveReviews)
	before, err := DecodeResult(first)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}

	job, err := o.Rerun(ctx, first.ID)
	if err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	if job.Status != database.StatusProcessing {
		t.Errorf("expected processing right after rerun, got %s", job.Status)
	}

	second := waitFor(t, o, first.ID)
	after, err := DecodeResult(second)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}

	if after.TotalReviews != before.TotalReviews || after.RatingDistribution != before.RatingDistribution {
		t.Errorf("stats changed across rerun: %+v vs %+v", before, after)
	}
	if len(after.TopLovedThemes) != len(before.TopLovedThemes) ||
		len(after.TopImprovementThemes) != len(before.TopImprovementThemes) {
		t.Error("theme lists changed shape across rerun")
	}
	if second.RunCount != 2 {
		t.Errorf("expected run count 2, got %d", second.RunCount)
	}
	if runs, _ := db.GetRuns(first.ID); len(runs) != 2 {
		t.Errorf("expected 2 recorded runs, got %d", len(runs))
	}
}

func TestTotalExtractionFailure(t *testing.T) {
	p := &stubProvider{extract: failing("connection refused"), brief: reply(briefReply)}
	o, db := newTestOrchestrator(t, p)

	job := submitAndWait(t, o, fiveReviews)
	if job.Status != database.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	want := (&analysis.ExtractionTotalFailureError{}).Error()
	if job.Error == nil || *job.Error != want {
		t.Errorf("expected error %q, got %v", want, job.Error)
	}
	if _, err := DecodeResult(job); err == nil {
		t.Error("expected no result to be served for a failed job")
	}

	runs, _ := db.GetRuns(job.ID)
	if len(runs) != 1 || runs[0].FailedBatches != 1 || runs[0].Batches != 1 {
		t.Errorf("unexpected run outcome %+v", runs)
	}
}

func TestSynthesisOnlyFailure(t *testing.T) {
	p := &stubProvider{extract: reply(extractReply), brief: failing("model overloaded")}
	o, _ := newTestOrchestrator(t, p)

	job := submitAndWait(t, o, fiveReviews)
	if job.Status != database.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	res, err := DecodeResult(job)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if !strings.HasPrefix(res.ExecutiveBrief, "Executive Summary:") {
		t.Errorf("expected templated brief, got %q", res.ExecutiveBrief)
	}
}

func TestOneBadRow(t *testing.T) {
	o, db := newTestOrchestrator(t, healthyProvider())
	csv := fiveReviews + "Meh,Rating is not a number here at all.,great,2026-03-06\n"

	job := submitAndWait(t, o, csv)
	if job.Status != database.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	res, _ := DecodeResult(job)
	if res.TotalReviews != 5 || res.DefectCount != 1 {
		t.Errorf("expected 5 reviews and 1 defect, got %d/%d", res.TotalReviews, res.DefectCount)
	}
	defects, err := db.GetDefects(job.ID)
	if err != nil {
		t.Fatalf("GetDefects: %v", err)
	}
	if len(defects) != 1 || defects[0].RowIndex != 6 {
		t.Errorf("unexpected defects %+v", defects)
	}
}

func TestZeroValidRows(t *testing.T) {
	o, db := newTestOrchestrator(t, healthyProvider())
	job := submitAndWait(t, o, "title,body,rating\na,text,\nb,more text,zero\n")

	if job.Status != database.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "no valid reviews") {
		t.Errorf("unexpected error %v", job.Error)
	}
	if defects, _ := db.GetDefects(job.ID); len(defects) != 2 {
		t.Errorf("expected 2 recorded defects, got %d", len(defects))
	}
}

func TestFailedRerunKeepsPriorResultStored(t *testing.T) {
	p := healthyProvider()
	o, _ := newTestOrchestrator(t, p)
	ctx := context.Background()

	first := submitAndWait(t, o, fiveReviews)
	if first.Status != database.StatusCompleted {
		t.Fatalf("expected completed, got %s", first.Status)
	}

	p.set(failing("upstream 503"), failing("upstream 503"))
	if _, err := o.Rerun(ctx, first.ID); err != nil {
		t.Fatalf("Rerun: %v", err)
	}
	after := waitFor(t, o, first.ID)
	if after.Status != database.StatusFailed {
		t.Fatalf("expected failed, got %s", after.Status)
	}
	if after.ResultJSON == nil || *after.ResultJSON != *first.ResultJSON {
		t.Error("expected prior result document to stay in storage")
	}

	p.set(reply(extractReply), reply(briefReply))
	if _, err := o.Rerun(ctx, first.ID); err != nil {
		t.Fatalf("rerun of failed job: %v", err)
	}
	if again := waitFor(t, o, first.ID); again.Status != database.StatusCompleted {
		t.Errorf("expected failed job to recover on rerun, got %s", again.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, healthyProvider())
	ctx := context.Background()

	var malformed *analysis.MalformedInputError
	if _, err := o.Submit(ctx, "empty.csv", nil); !errors.As(err, &malformed) {
		t.Errorf("expected MalformedInputError for empty upload, got %v", err)
	}
	big := make([]byte, testOptions().MaxUploadBytes+1)
	if _, err := o.Submit(ctx, "big.csv", big); !errors.As(err, &malformed) {
		t.Errorf("expected MalformedInputError for large upload, got %v", err)
	}
}

func TestUnknownJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, healthyProvider())
	ctx := context.Background()

	if _, err := o.Get(ctx, "nope"); !errors.Is(err, analysis.ErrJobNotFound) {
		t.Errorf("Get: expected ErrJobNotFound, got %v", err)
	}
	if _, err := o.Rerun(ctx, "nope"); !errors.Is(err, analysis.ErrJobNotFound) {
		t.Errorf("Rerun: expected ErrJobNotFound, got %v", err)
	}
	if err := o.Wait(ctx, "nope"); err != nil {
		t.Errorf("Wait on idle job should return at once, got %v", err)
	}
}

func TestResumeInterruptedJobs(t *testing.T) {
	o, db := newTestOrchestrator(t, healthyProvider())
	ctx := context.Background()

	if _, err := db.InsertJob("left-pending", "a.csv", []byte(fiveReviews), time.Now()); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := db.InsertJob("left-processing", "b.csv", []byte(fiveReviews), time.Now()); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := db.StartRun("left-processing", time.Now()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	n, err := o.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 resumed jobs, got %d", n)
	}
	for _, id := range []string{"left-pending", "left-processing"} {
		if job := waitFor(t, o, id); job.Status != database.StatusCompleted {
			t.Errorf("%s: expected completed, got %s", id, job.Status)
		}
	}
}

func TestShutdownWaitsForRuns(t *testing.T) {
	p := healthyProvider()
	p.gate = make(chan struct{})
	o, _ := newTestOrchestrator(t, p)
	ctx := context.Background()

	job, err := o.Submit(ctx, "reviews.csv", []byte(fiveReviews))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := o.Shutdown(short); err == nil {
		t.Error("expected shutdown to time out while a run is blocked")
	}
	if _, err := o.Submit(ctx, "late.csv", []byte(fiveReviews)); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}

	close(p.gate)
	if err := o.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if j, _ := o.Get(ctx, job.ID); j.Status != database.StatusCompleted {
		t.Errorf("expected in-flight run to finish, got %s", j.Status)
	}
}
