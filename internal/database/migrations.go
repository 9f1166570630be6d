package database

// Migration is one forward-only schema change, applied in Version order.
type Migration struct {
	Version     int
	Description string
	DDL         string
}

var migrations = []Migration{
	{1, "jobs and row defects", jobsDDL},
	{2, "run history", runsDDL},
	{3, "sentiment cross-check per run", checksDDL},
}

// schemaVersion is the version a fully migrated store reports.
func schemaVersion() int {
	return migrations[len(migrations)-1].Version
}

const jobsDDL = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL CHECK(status IN ('pending', 'processing', 'completed', 'failed')),
    filename TEXT NOT NULL,
    source BLOB NOT NULL,
    result_json TEXT,
    error TEXT,
    total_reviews INTEGER DEFAULT 0,
    run_count INTEGER DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS job_defects (
    job_id TEXT NOT NULL REFERENCES jobs(id),
    row_index INTEGER NOT NULL,
    reason TEXT NOT NULL,
    PRIMARY KEY (job_id, row_index)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

const runsDDL = `
CREATE TABLE IF NOT EXISTS job_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES jobs(id),
    run_number INTEGER NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    outcome TEXT CHECK(outcome IN ('completed', 'failed')),
    error TEXT,
    batches INTEGER DEFAULT 0,
    failed_batches INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_id);
`

const checksDDL = `
CREATE TABLE IF NOT EXISTS job_run_checks (
    run_id INTEGER PRIMARY KEY REFERENCES job_runs(id),
    checked INTEGER NOT NULL DEFAULT 0,
    agreed INTEGER NOT NULL DEFAULT 0,
    model_judged INTEGER NOT NULL DEFAULT 0
);
`
