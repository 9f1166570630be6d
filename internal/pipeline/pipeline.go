package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/ReviewMiner/internal/aggregate"
	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/config"
	"github.com/TobiSchelling/ReviewMiner/internal/database"
	"github.com/TobiSchelling/ReviewMiner/internal/extract"
	"github.com/TobiSchelling/ReviewMiner/internal/fetch"
	"github.com/TobiSchelling/ReviewMiner/internal/ingest"
	"github.com/TobiSchelling/ReviewMiner/internal/llm"
	"github.com/TobiSchelling/ReviewMiner/internal/synthesize"
)

// ErrShuttingDown is returned for new work once Shutdown has been called.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Options configures every pipeline step.
type Options struct {
	MaxUploadBytes int64
	Ingest         ingest.Options
	Extract        extract.Options
	Aggregate      aggregate.Options
	Synthesize     synthesize.Options
	// Enrich fetches the most common product page for the brief.
	Enrich        bool
	EnrichTimeout time.Duration
}

// OptionsFromConfig maps the config file onto pipeline options.
func OptionsFromConfig(cfg *config.Config) Options {
	a := cfg.Analysis
	return Options{
		MaxUploadBytes: a.MaxUploadBytes,
		Ingest:         ingest.Options{MaxRows: a.MaxRows},
		Extract: extract.Options{
			BatchSize:            a.BatchSize,
			MaxConcurrency:       a.MaxConcurrency,
			MaxRetries:           a.MaxRetries,
			RetryInitialInterval: a.RetryInitialInterval,
			CallTimeout:          cfg.LLM.CallTimeout,
			MaxTokens:            cfg.LLM.MaxTokens,
		},
		Aggregate: aggregate.Options{
			TopN:            a.TopN,
			QuotesPerTheme:  a.QuotesPerTheme,
			TrendWindowDays: a.TrendWindowDays,
		},
		Synthesize: synthesize.Options{
			MaxRetries:           a.MaxRetries,
			RetryInitialInterval: a.RetryInitialInterval,
			CallTimeout:          cfg.LLM.CallTimeout,
		},
		Enrich:        cfg.Enrichment.ProductPages,
		EnrichTimeout: cfg.Enrichment.Timeout,
	}
}

// ProviderFromConfig creates the rate-limited model provider, or nil when
// none is reachable.
func ProviderFromConfig(cfg *config.Config) llm.Provider {
	p := llm.CreateProvider(llm.Settings{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaURL:     cfg.LLM.OllamaURL,
		OpenAIModel:   cfg.LLM.OpenAIModel,
		OpenAIBaseURL: cfg.LLM.OpenAIBaseURL,
		APIKey:        cfg.APIKey(),
	})
	if p == nil {
		return nil
	}
	return llm.WithRateLimit(p, cfg.LLM.RequestsPerSecond)
}

// Orchestrator owns the job lifecycle: it stores uploads, runs the analysis
// pipeline in the background and serializes access per job.
type Orchestrator struct {
	db          *database.DB
	opts        Options
	extractor   *extract.Extractor
	synthesizer *synthesize.Synthesizer
	fetcher     *fetch.ProductFetcher
	jobs        *registry
	logger      *slog.Logger
	now         func() time.Time

	// runCtx outlives the request that started a run.
	runCtx context.Context
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// New creates an orchestrator. provider may be nil, in which case every
// run fails at extraction.
func New(db *database.DB, provider llm.Provider, opts Options) *Orchestrator {
	o := &Orchestrator{
		db:          db,
		opts:        opts,
		extractor:   extract.NewExtractor(provider, opts.Extract),
		synthesizer: synthesize.NewSynthesizer(provider, opts.Synthesize),
		jobs:        newRegistry(),
		logger:      slog.With("component", "pipeline"),
		now:         func() time.Time { return time.Now().UTC() },
		runCtx:      context.Background(),
	}
	if opts.Enrich {
		o.fetcher = fetch.NewProductFetcher(opts.EnrichTimeout)
	}
	return o
}

// Submit stores an upload as a pending job and starts its first run.
func (o *Orchestrator) Submit(ctx context.Context, filename string, raw []byte) (*database.Job, error) {
	if len(raw) == 0 {
		return nil, &analysis.MalformedInputError{Reason: "upload is empty"}
	}
	if o.opts.MaxUploadBytes > 0 && int64(len(raw)) > o.opts.MaxUploadBytes {
		return nil, &analysis.MalformedInputError{
			Reason: fmt.Sprintf("upload exceeds maximum size of %d bytes", o.opts.MaxUploadBytes),
		}
	}

	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return nil, ErrShuttingDown
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}

	e, _ := o.jobs.claim(id.String())
	e.mu.Lock()
	job, err := o.db.InsertJob(id.String(), filename, raw, o.now())
	e.mu.Unlock()
	if err != nil {
		o.jobs.release(id.String())
		return nil, err
	}

	o.logger.Info("job submitted", "job_id", job.ID, "filename", filename, "bytes", len(raw))
	o.dispatch(job.ID, e, 0)
	return job, nil
}

// Rerun starts a fresh run of an existing job from its retained source. The
// job is processing by the time Rerun returns.
func (o *Orchestrator) Rerun(ctx context.Context, id string) (*database.Job, error) {
	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return nil, ErrShuttingDown
	}

	job, err := o.db.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, analysis.ErrJobNotFound
	}

	e, ok := o.jobs.claim(id)
	if !ok {
		return nil, &analysis.ConcurrentRerunError{JobID: id}
	}

	e.mu.Lock()
	runID, err := o.db.StartRun(id, o.now())
	if err == nil {
		job, err = o.db.GetJob(id)
	}
	e.mu.Unlock()
	if err != nil {
		o.jobs.release(id)
		return nil, err
	}

	o.logger.Info("job rerun requested", "job_id", id, "run", job.RunCount)
	o.dispatch(id, e, runID)
	return job, nil
}

// Get returns the current state of a job.
func (o *Orchestrator) Get(ctx context.Context, id string) (*database.Job, error) {
	var (
		job *database.Job
		err error
	)
	if e := o.jobs.lookup(id); e != nil {
		e.mu.RLock()
		job, err = o.db.GetJob(id)
		e.mu.RUnlock()
	} else {
		job, err = o.db.GetJob(id)
	}
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, analysis.ErrJobNotFound
	}
	return job, nil
}

// Wait blocks until no run of id is in flight.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	done := o.jobs.inFlight(id)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns the most recent jobs.
func (o *Orchestrator) List(limit int) ([]database.Job, error) {
	return o.db.ListJobs(limit)
}

// Defects returns the row defects of a job's latest run.
func (o *Orchestrator) Defects(id string) ([]analysis.RowDefect, error) {
	return o.db.GetDefects(id)
}

// Runs returns the run history of a job, oldest first.
func (o *Orchestrator) Runs(id string) ([]database.JobRun, error) {
	return o.db.GetRuns(id)
}

// Resume restarts jobs a previous process left pending or processing. It
// returns how many runs were started.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	jobs, err := o.db.ListJobsByStatus(database.StatusPending, database.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("listing interrupted jobs: %w", err)
	}

	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return 0, ErrShuttingDown
	}

	started := 0
	for _, j := range jobs {
		e, ok := o.jobs.claim(j.ID)
		if !ok {
			continue
		}
		o.logger.Info("resuming interrupted job", "job_id", j.ID, "status", j.Status)
		o.dispatch(j.ID, e, 0)
		started++
	}
	return started, nil
}

// Shutdown stops accepting work and waits for in-flight runs until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closeMu.Lock()
	o.closed = true
	o.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// DecodeResult returns the stored result of a completed job.
func DecodeResult(job *database.Job) (*analysis.Result, error) {
	if job.Status != database.StatusCompleted || job.ResultJSON == nil {
		return nil, fmt.Errorf("job %s has no result (status %s)", job.ID, job.Status)
	}
	var res analysis.Result
	if err := json.Unmarshal([]byte(*job.ResultJSON), &res); err != nil {
		return nil, fmt.Errorf("decoding result of job %s: %w", job.ID, err)
	}
	return &res, nil
}

func (o *Orchestrator) dispatch(id string, e *entry, runID int64) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.jobs.release(id)
		o.run(o.runCtx, id, e, runID)
	}()
}

// run executes one pass of the pipeline. A zero runID means the job still
// has to be moved to processing.
func (o *Orchestrator) run(ctx context.Context, id string, e *entry, runID int64) {
	logger := o.logger.With("job_id", id)
	var outcome database.RunOutcome

	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline panicked", "panic", r)
			o.fail(logger, id, e, runID, "internal error during analysis", nil, outcome)
		}
	}()

	if runID == 0 {
		e.mu.Lock()
		var err error
		runID, err = o.db.StartRun(id, o.now())
		e.mu.Unlock()
		if err != nil {
			logger.Error("could not start run", "error", err)
			return
		}
	}
	start := time.Now()
	logger.Info("analysis started")

	source, err := o.db.GetJobSource(id)
	if err != nil {
		o.fail(logger, id, e, runID, err.Error(), nil, outcome)
		return
	}

	records, defects, err := ingest.Normalize(source, o.opts.Ingest)
	if err != nil {
		o.fail(logger, id, e, runID, err.Error(), defects, outcome)
		return
	}
	if len(defects) > 0 {
		logger.Warn("rows skipped during normalization", "defects", len(defects), "reviews", len(records))
	}

	ext, err := o.extractor.Extract(ctx, records)
	if err != nil {
		var total *analysis.ExtractionTotalFailureError
		if errors.As(err, &total) {
			outcome = database.RunOutcome{Batches: total.Batches, FailedBatches: total.Batches}
		}
		o.fail(logger, id, e, runID, err.Error(), defects, outcome)
		return
	}
	outcome = database.RunOutcome{
		Batches:       ext.Batches,
		FailedBatches: ext.FailedBatches,
		Check:         aggregate.CrossCheck(records, ext),
	}
	logger.Info("sentiment cross-check",
		"checked", outcome.Check.Checked,
		"agreed", outcome.Check.Agreed,
		"model_judged", outcome.Check.ModelJudged,
		"agreement_pct", math.Round(outcome.Check.AgreementPct()*100)/100)

	res := aggregate.Aggregate(records, ext, o.opts.Aggregate)
	res.DefectCount = len(defects)

	brief, err := o.synthesizer.Brief(ctx, res, o.productName(ctx, logger, records))
	if err != nil {
		logger.Warn("using templated brief", "error", err)
	}
	res.ExecutiveBrief = brief

	job, err := o.db.GetJob(id)
	if err != nil || job == nil {
		o.fail(logger, id, e, runID, "job disappeared during analysis", defects, outcome)
		return
	}
	now := o.now()
	res.JobID = id
	res.Filename = job.Filename
	res.CreatedAt = job.CreatedAt
	res.UpdatedAt = now
	res.AnalysisTimeSeconds = math.Round(time.Since(start).Seconds()*100) / 100

	data, err := json.Marshal(res)
	if err != nil {
		o.fail(logger, id, e, runID, fmt.Sprintf("encoding result: %v", err), defects, outcome)
		return
	}

	e.mu.Lock()
	err = o.db.CompleteJob(id, runID, string(data), res.TotalReviews, defects, outcome, now)
	e.mu.Unlock()
	if err != nil {
		logger.Error("could not store result", "error", err)
		o.fail(logger, id, e, runID, "storing result failed", defects, outcome)
		return
	}

	logger.Info("analysis completed",
		"reviews", res.TotalReviews,
		"defects", res.DefectCount,
		"failed_batches", outcome.FailedBatches,
		"duration", time.Since(start).Round(time.Millisecond))
}

func (o *Orchestrator) fail(logger *slog.Logger, id string, e *entry, runID int64, reason string, defects []analysis.RowDefect, outcome database.RunOutcome) {
	logger.Error("analysis failed", "error", reason)
	e.mu.Lock()
	err := o.db.FailJob(id, runID, reason, defects, outcome, o.now())
	e.mu.Unlock()
	if err != nil {
		logger.Error("could not mark job failed", "error", err)
	}
}

// productName fetches the dominant product page when enrichment is on.
// Any failure just leaves the brief without a product name.
func (o *Orchestrator) productName(ctx context.Context, logger *slog.Logger, records []analysis.ReviewRecord) string {
	if o.fetcher == nil {
		return ""
	}
	productURL := fetch.MostCommonProductURL(records)
	if productURL == "" {
		return ""
	}
	p, err := o.fetcher.Fetch(ctx, productURL)
	if err != nil {
		logger.Debug("product enrichment skipped", "url", productURL, "error", err)
		return ""
	}
	return p.Title
}
