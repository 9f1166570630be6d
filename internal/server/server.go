package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
	"github.com/TobiSchelling/ReviewMiner/internal/compose"
	"github.com/TobiSchelling/ReviewMiner/internal/database"
	"github.com/TobiSchelling/ReviewMiner/internal/pipeline"
)

// multipartOverhead is allowed on top of the upload limit for form framing.
const multipartOverhead = 64 << 10

const defaultListLimit = 50

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var reportPage = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 860px; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
blockquote { border-left: 3px solid #ccc; margin-left: 0; padding-left: 1rem; color: #444; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ddd; padding: 0.25rem 0.75rem; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Options configures the HTTP API.
type Options struct {
	CORSOrigin     string
	MaxUploadBytes int64
}

// Server is the HTTP API over the job orchestrator.
type Server struct {
	jobs   *pipeline.Orchestrator
	opts   Options
	router chi.Router
	logger *slog.Logger
}

// New creates a new Server.
func New(jobs *pipeline.Orchestrator, opts Options) *Server {
	s := &Server{
		jobs:   jobs,
		opts:   opts,
		router: chi.NewRouter(),
		logger: slog.With("component", "server"),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	if s.opts.CORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{s.opts.CORSOrigin},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/jobs", s.handleListJobs)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/status", s.handleJobStatus)
			r.Get("/report", s.handleReport)
			r.Post("/rerun", s.handleRerun)
		})
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start).Round(time.Microsecond))
	})
}

type jobStatusResponse struct {
	JobID        string             `json:"job_id"`
	Status       database.JobStatus `json:"status"`
	Filename     string             `json:"filename,omitempty"`
	Error        *string            `json:"error,omitempty"`
	TotalReviews int                `json:"total_reviews"`
	RunCount     int                `json:"run_count"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Runs         []runResponse      `json:"runs,omitempty"`
}

type runResponse struct {
	RunNumber      int                     `json:"run_number"`
	StartedAt      time.Time               `json:"started_at"`
	FinishedAt     *time.Time              `json:"finished_at,omitempty"`
	Outcome        *string                 `json:"outcome,omitempty"`
	Error          *string                 `json:"error,omitempty"`
	Batches        int                     `json:"batches"`
	FailedBatches  int                     `json:"failed_batches"`
	SentimentCheck analysis.SentimentCheck `json:"sentiment_check"`
}

func runsOf(runs []database.JobRun) []runResponse {
	out := make([]runResponse, len(runs))
	for i, r := range runs {
		out[i] = runResponse{
			RunNumber:      r.RunNumber,
			StartedAt:      r.StartedAt,
			FinishedAt:     r.FinishedAt,
			Outcome:        r.Outcome,
			Error:          r.Error,
			Batches:        r.Batches,
			FailedBatches:  r.FailedBatches,
			SentimentCheck: r.Check,
		}
	}
	return out
}

func statusOf(j *database.Job) jobStatusResponse {
	return jobStatusResponse{
		JobID:        j.ID,
		Status:       j.Status,
		Filename:     j.Filename,
		Error:        j.Error,
		TotalReviews: j.TotalReviews,
		RunCount:     j.RunCount,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.MaxUploadBytes
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	filename, raw, err := readUpload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds maximum size of %d bytes", limit))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.jobs.Submit(r.Context(), filename, raw)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
}

// readUpload accepts a multipart "file" field or a raw request body.
func readUpload(r *http.Request) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, fmt.Errorf("reading upload: %w", err)
		}
		defer file.Close()
		raw, err := io.ReadAll(file)
		if err != nil {
			return "", nil, fmt.Errorf("reading upload: %w", err)
		}
		return header.Filename, raw, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, fmt.Errorf("reading upload: %w", err)
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "upload.csv"
	}
	return filename, raw, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs, err := s.jobs.List(limit)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	out := make([]jobStatusResponse, len(jobs))
	for i := range jobs {
		out[i] = statusOf(&jobs[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// completedJob loads a job and writes the polling response for every state
// but completed. It returns nil when a response has already been written.
func (s *Server) completedJob(w http.ResponseWriter, r *http.Request) *database.Job {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeJobError(w, err)
		return nil
	}
	switch job.Status {
	case database.StatusCompleted:
		if job.ResultJSON == nil {
			writeError(w, http.StatusInternalServerError, "result missing for completed job")
			return nil
		}
		return job
	case database.StatusFailed:
		detail := "analysis failed"
		if job.Error != nil {
			detail = *job.Error
		}
		writeError(w, http.StatusUnprocessableEntity, detail)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
	}
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job := s.completedJob(w, r)
	if job == nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, *job.ResultJSON)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	resp := statusOf(job)
	runs, err := s.jobs.Runs(job.ID)
	if err != nil {
		s.logger.Error("loading run history", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load run history")
		return
	}
	resp.Runs = runsOf(runs)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	job := s.completedJob(w, r)
	if job == nil {
		return
	}
	res, err := pipeline.DecodeResult(job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defects, err := s.jobs.Defects(job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	report := compose.Report(res, defects)

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, report)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = reportPage.Execute(w, map[string]any{
		"Title": "Review Analysis: " + res.Filename,
		"Body":  renderMarkdown(report),
	})
	if err != nil {
		s.logger.Error("rendering report", "job_id", job.ID, "error", err)
	}
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Rerun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status})
}

func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	var (
		malformed *analysis.MalformedInputError
		conflict  *analysis.ConcurrentRerunError
	)
	switch {
	case errors.Is(err, analysis.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &malformed):
		writeError(w, http.StatusBadRequest, malformed.Reason)
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "Job is already being processed")
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML("<pre>" + template.HTMLEscapeString(text) + "</pre>")
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve runs the API on addr until ctx is cancelled, then drains in-flight
// requests and analysis runs within grace.
func Serve(ctx context.Context, srv *Server, addr string, grace time.Duration) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.Info("server listening", "addr", "http://"+addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	srv.logger.Info("shutting down", "grace", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	var errs []error
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := srv.jobs.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr joins host and port for Serve.
func Addr(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}
