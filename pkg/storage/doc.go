/*
Package storage provides SQLite-backed persistence for Loom's job queue and
artifact caches.

Two database files live side by side in the data directory and together hold
all durable state:

	┌──────────────────── SQLITE STORAGE ──────────────────────┐
	│                                                           │
	│  jobs.db                         cache.db                 │
	│  ┌──────────────────────┐        ┌─────────────────────┐  │
	│  │ jobs                 │        │ processed_files     │  │
	│  │ workers              │        │ processing_issues   │  │
	│  │ results_cache        │        │ executed_notebooks  │  │
	│  │ workers_events       │        └─────────────────────┘  │
	│  └──────────────────────┘                                 │
	│                                                           │
	│  Both files run in WAL mode with a 30 s busy timeout and  │
	│  may carry -wal and -shm sidecars; Remove cleans up all   │
	│  three.                                                   │
	└───────────────────────────────────────────────────────────┘

# Concurrency model

The orchestrator, the pool monitor, and every worker process open their own
connections. database/sql hands each goroutine a dedicated pooled
connection, satisfying SQLite's per-connection affinity requirement. The DSN
requests IMMEDIATE transactions, so every Begin acquires the write lock up
front; read-then-write critical sections (job claiming, cache
check-and-update, hung-job resets) therefore never deadlock on a lock
upgrade. Simple single-statement operations run in autocommit mode.

On any error inside a transaction the caller rolls back; no partial writes
persist.

# Schema

Schema creation is idempotent (CREATE TABLE IF NOT EXISTS) and performed by
every process on startup, so whichever of the driver or a worker starts
first initializes the file. Indices back the three hot paths: job claiming
by (status, job_type, priority, created_at), worker availability by
(worker_type, status, last_heartbeat), and cache lookups by
(file_path, content_hash, output_metadata).
*/
package storage
