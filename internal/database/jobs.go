package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/ReviewMiner/internal/analysis"
)

const jobColumns = `id, status, filename, result_json, error, total_reviews, run_count, created_at, updated_at`

// InsertJob stores a new pending job with its retained source.
func (db *DB) InsertJob(id, filename string, source []byte, now time.Time) (*Job, error) {
	ts := formatTime(now)
	_, err := db.conn.Exec(
		`INSERT INTO jobs (id, status, filename, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, StatusPending, filename, source, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting job: %w", err)
	}
	return &Job{
		ID:        id,
		Status:    StatusPending,
		Filename:  filename,
		CreatedAt: parseTime(ts),
		UpdatedAt: parseTime(ts),
	}, nil
}

// GetJob returns a job by id, or nil if it does not exist.
func (db *DB) GetJob(id string) (*Job, error) {
	row := db.conn.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// GetJobSource returns the retained upload bytes for a job.
func (db *DB) GetJobSource(id string) ([]byte, error) {
	var source []byte
	err := db.conn.QueryRow(`SELECT source FROM jobs WHERE id = ?`, id).Scan(&source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, analysis.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading job source: %w", err)
	}
	return source, nil
}

// ListJobs returns the most recent jobs first. A non-positive limit returns all.
func (db *DB) ListJobs(limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListJobsByStatus returns jobs in any of the given states, oldest first.
func (db *DB) ListJobsByStatus(statuses ...JobStatus) ([]Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := db.conn.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders+`) ORDER BY created_at`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

// StartRun moves a job to processing, clears any previous error and opens a
// run history row. It returns the run id.
func (db *DB) StartRun(id string, now time.Time) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin start run: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now)
	res, err := tx.Exec(
		`UPDATE jobs SET status = ?, error = NULL, run_count = run_count + 1, updated_at = ?
		WHERE id = ?`,
		StatusProcessing, ts, id,
	)
	if err != nil {
		return 0, fmt.Errorf("marking job processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, analysis.ErrJobNotFound
	}

	run, err := tx.Exec(
		`INSERT INTO job_runs (job_id, run_number, started_at)
		SELECT id, run_count, ? FROM jobs WHERE id = ?`,
		ts, id,
	)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	runID, err := run.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit start run: %w", err)
	}
	return runID, nil
}

// CompleteJob writes the result document, the completed status and the row
// defects in one transaction, replacing whatever a previous run stored.
func (db *DB) CompleteJob(id string, runID int64, resultJSON string, totalReviews int, defects []analysis.RowDefect, outcome RunOutcome, now time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin complete job: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now)
	res, err := tx.Exec(
		`UPDATE jobs SET status = ?, result_json = ?, total_reviews = ?, error = NULL, updated_at = ?
		WHERE id = ?`,
		StatusCompleted, resultJSON, totalReviews, ts, id,
	)
	if err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return analysis.ErrJobNotFound
	}

	if err := replaceDefects(tx, id, defects); err != nil {
		return err
	}
	if err := finishRun(tx, runID, string(StatusCompleted), nil, outcome, ts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete job: %w", err)
	}
	return nil
}

// FailJob marks a job failed with a human-readable reason. A result from an
// earlier run is kept in storage but is no longer served.
func (db *DB) FailJob(id string, runID int64, reason string, defects []analysis.RowDefect, outcome RunOutcome, now time.Time) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin fail job: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now)
	res, err := tx.Exec(
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, reason, ts, id,
	)
	if err != nil {
		return fmt.Errorf("marking job failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return analysis.ErrJobNotFound
	}

	if defects != nil {
		if err := replaceDefects(tx, id, defects); err != nil {
			return err
		}
	}
	if err := finishRun(tx, runID, string(StatusFailed), &reason, outcome, ts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fail job: %w", err)
	}
	return nil
}

func replaceDefects(tx *sql.Tx, id string, defects []analysis.RowDefect) error {
	if _, err := tx.Exec(`DELETE FROM job_defects WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("clearing defects: %w", err)
	}
	if len(defects) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO job_defects (job_id, row_index, reason) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing defect insert: %w", err)
	}
	defer stmt.Close()
	for _, d := range defects {
		if _, err := stmt.Exec(id, d.RowIndex, d.Reason); err != nil {
			return fmt.Errorf("inserting defect for row %d: %w", d.RowIndex, err)
		}
	}
	return nil
}

func finishRun(tx *sql.Tx, runID int64, outcome string, reason *string, o RunOutcome, ts string) error {
	if runID == 0 {
		return nil
	}
	_, err := tx.Exec(
		`UPDATE job_runs SET finished_at = ?, outcome = ?, error = ?, batches = ?, failed_batches = ?
		WHERE id = ?`,
		ts, outcome, reason, o.Batches, o.FailedBatches, runID,
	)
	if err != nil {
		return fmt.Errorf("finishing run %d: %w", runID, err)
	}
	if o.Check.Checked == 0 {
		return nil
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO job_run_checks (run_id, checked, agreed, model_judged) VALUES (?, ?, ?, ?)`,
		runID, o.Check.Checked, o.Check.Agreed, o.Check.ModelJudged,
	)
	if err != nil {
		return fmt.Errorf("recording sentiment check for run %d: %w", runID, err)
	}
	return nil
}

// GetDefects returns the row defects recorded by the latest run.
func (db *DB) GetDefects(id string) ([]analysis.RowDefect, error) {
	rows, err := db.conn.Query(
		`SELECT row_index, reason FROM job_defects WHERE job_id = ? ORDER BY row_index`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defects []analysis.RowDefect
	for rows.Next() {
		var d analysis.RowDefect
		if err := rows.Scan(&d.RowIndex, &d.Reason); err != nil {
			return nil, err
		}
		defects = append(defects, d)
	}
	return defects, rows.Err()
}

// GetRuns returns the run history of a job, oldest first.
func (db *DB) GetRuns(id string) ([]JobRun, error) {
	rows, err := db.conn.Query(
		`SELECT r.id, r.job_id, r.run_number, r.started_at, r.finished_at, r.outcome, r.error,
			r.batches, r.failed_batches,
			COALESCE(c.checked, 0), COALESCE(c.agreed, 0), COALESCE(c.model_judged, 0)
		FROM job_runs r LEFT JOIN job_run_checks c ON c.run_id = r.id
		WHERE r.job_id = ? ORDER BY r.id`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []JobRun
	for rows.Next() {
		var (
			r        JobRun
			started  string
			finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.RunNumber, &started, &finished,
			&r.Outcome, &r.Error, &r.Batches, &r.FailedBatches,
			&r.Check.Checked, &r.Check.Agreed, &r.Check.ModelJudged); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		if finished.Valid {
			t := parseTime(finished.String)
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetStats returns aggregate counts across all jobs.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{ByStatus: make(map[JobStatus]int)}

	rows, err := db.conn.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			status JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.TotalJobs += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullString
	err = db.conn.QueryRow(
		`SELECT COALESCE(SUM(CASE WHEN status = 'completed' THEN total_reviews ELSE 0 END), 0), MAX(updated_at) FROM jobs`,
	).Scan(&stats.ReviewsAnalyzed, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := parseTime(last.String)
		stats.LastUpdated = &t
	}

	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM job_runs`).Scan(&stats.TotalRuns); err != nil {
		return nil, err
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j                Job
		created, updated string
	)
	if err := s.Scan(&j.ID, &j.Status, &j.Filename, &j.ResultJSON, &j.Error,
		&j.TotalReviews, &j.RunCount, &created, &updated); err != nil {
		return nil, err
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
