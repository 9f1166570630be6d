package analysis

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when a job id is not in the store.
var ErrJobNotFound = errors.New("job not found")

// MalformedInputError means the upload could not be read as a table at all.
type MalformedInputError struct {
	Reason string
}

func (e *MalformedInputError) Error() string {
	return "malformed input: " + e.Reason
}

// RowDefect records a single row dropped during normalization.
type RowDefect struct {
	RowIndex int    `json:"row_index"`
	Reason   string `json:"reason"`
}

func (d RowDefect) String() string {
	return fmt.Sprintf("row %d: %s", d.RowIndex, d.Reason)
}

// EmptyDatasetError means no usable rows survived normalization.
type EmptyDatasetError struct {
	Defects int
}

func (e *EmptyDatasetError) Error() string {
	if e.Defects > 0 {
		return fmt.Sprintf("no valid reviews found in upload (%d rows rejected)", e.Defects)
	}
	return "no valid reviews found in upload"
}

// ExtractionBatchError is a failed attempt at one extraction batch.
type ExtractionBatchError struct {
	Batch int
	Err   error
}

func (e *ExtractionBatchError) Error() string {
	return fmt.Sprintf("extraction batch %d: %v", e.Batch, e.Err)
}

func (e *ExtractionBatchError) Unwrap() error { return e.Err }

// ExtractionTotalFailureError means every extraction batch failed.
type ExtractionTotalFailureError struct {
	Batches int
	Last    error
}

func (e *ExtractionTotalFailureError) Error() string {
	return "theme extraction failed: language model unavailable or returned no usable output"
}

func (e *ExtractionTotalFailureError) Unwrap() error { return e.Last }

// SynthesisError means the executive brief fell back to the template.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string {
	return "brief synthesis: " + e.Err.Error()
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// ConcurrentRerunError rejects a rerun while the job is still processing.
type ConcurrentRerunError struct {
	JobID string
}

func (e *ConcurrentRerunError) Error() string {
	return fmt.Sprintf("job %s is already processing", e.JobID)
}
