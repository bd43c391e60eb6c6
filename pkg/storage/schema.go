package storage

import (
	"database/sql"
	"fmt"
)

// jobsSchema holds the jobs database: the queue itself, the worker registry,
// the lightweight output-file cache, and the worker lifecycle journal.
var jobsSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		input_file TEXT NOT NULL,
		output_file TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		worker_id INTEGER,
		error TEXT,
		correlation_id TEXT
	)`,

	// Supports ClaimNext: highest priority, oldest first, per status+type.
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim
		ON jobs (status, job_type, priority, created_at)`,

	`CREATE TABLE IF NOT EXISTS workers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		worker_type TEXT NOT NULL,
		container_id TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		last_heartbeat TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		jobs_processed INTEGER NOT NULL DEFAULT 0,
		jobs_failed INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	// Supports availability counts and health classification.
	`CREATE INDEX IF NOT EXISTS idx_workers_availability
		ON workers (worker_type, status, last_heartbeat)`,

	`CREATE TABLE IF NOT EXISTS results_cache (
		output_file TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		result_metadata TEXT,
		last_accessed TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		access_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (output_file, content_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS workers_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		worker_type TEXT,
		executor_id TEXT,
		detail TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_workers_events_session
		ON workers_events (session_id, created_at)`,
}

// cacheSchema holds the cache database: full processed artifacts, the issue
// log that lets cache hits resurface previous errors and warnings, and the
// executed-notebook intermediate cache shared across output variants.
var cacheSchema = []string{
	`CREATE TABLE IF NOT EXISTS processed_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT,
		content_hash TEXT,
		correlation_id TEXT,
		result BLOB,
		output_metadata TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_processed_files_lookup
		ON processed_files (file_path, content_hash, output_metadata)`,

	`CREATE TABLE IF NOT EXISTS processing_issues (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		output_metadata TEXT NOT NULL,
		issue_type TEXT NOT NULL,
		issue_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_processing_issues_lookup
		ON processing_issues (file_path, content_hash, output_metadata)`,

	`CREATE TABLE IF NOT EXISTS executed_notebooks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		input_file TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		language TEXT NOT NULL,
		prog_lang TEXT NOT NULL,
		executed_notebook BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(input_file, content_hash, language, prog_lang)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_executed_notebooks_lookup
		ON executed_notebooks (input_file, content_hash, language, prog_lang)`,
}

// InitJobsSchema creates the jobs database schema. Safe to call repeatedly
// and from multiple processes.
func InitJobsSchema(db *sql.DB) error {
	return applySchema(db, jobsSchema)
}

// InitCacheSchema creates the cache database schema. Safe to call repeatedly
// and from multiple processes.
func InitCacheSchema(db *sql.DB) error {
	return applySchema(db, cacheSchema)
}

func applySchema(db *sql.DB, statements []string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
