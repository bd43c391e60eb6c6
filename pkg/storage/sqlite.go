package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Default file names for the two databases that live side by side in the
// data directory.
const (
	JobsDBName  = "jobs.db"
	CacheDBName = "cache.db"
)

// Open opens a SQLite database configured for concurrent use by the
// orchestrator, workers, and monitors:
//
//   - WAL journaling so readers never block the single writer
//   - 30 s busy timeout at statement level
//   - IMMEDIATE transaction acquisition, so read-then-write critical
//     sections (job claim, cache check-and-update, hung-job reset) take the
//     write lock up front instead of failing on upgrade
//
// Each caller of database/sql gets its own pooled connection, which gives
// the per-connection affinity SQLite requires.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=30000&_synchronous=NORMAL&_txlock=immediate&_foreign_keys=on",
		path,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", path, err)
	}

	return db, nil
}

// OpenJobs opens the jobs database and ensures its schema exists
func OpenJobs(path string) (*sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := InitJobsSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenCache opens the cache database and ensures its schema exists
func OpenCache(path string) (*sql.DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := InitCacheSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Remove deletes a database file together with its WAL and SHM sidecars
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}
