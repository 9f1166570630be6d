package database

import (
	"time"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no run is expected to change the job further.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a stored analysis job without its source bytes.
type Job struct {
	ID           string
	Status       JobStatus
	Filename     string
	ResultJSON   *string
	Error        *string
	TotalReviews int
	RunCount     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobRun is one execution of the pipeline for a job.
type JobRun struct {
	ID            int64
	JobID         string
	RunNumber     int
	StartedAt     time.Time
	FinishedAt    *time.Time
	Outcome       *string
	Error         *string
	Batches       int
	FailedBatches int
	Check         analysis.SentimentCheck
}

// RunOutcome carries what a finished run records in its history row.
type RunOutcome struct {
	Batches       int
	FailedBatches int
	Check         analysis.SentimentCheck
}

// Stats summarizes the store for the status command.
type Stats struct {
	TotalJobs       int
	ByStatus        map[JobStatus]int
	ReviewsAnalyzed int
	TotalRuns       int
	LastUpdated     *time.Time
}
