package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/log"
	"github.com/coursecraft/loom/pkg/metrics"
	"github.com/coursecraft/loom/pkg/report"
)

const timeFormat = "2006-01-02 15:04:05"

// ResultStore caches processed artifacts and the issues produced while
// processing them. Cache keys are (file_path, content_hash,
// output_metadata): the content hash covers the input bytes plus all
// transformation parameters, and the output metadata discriminates output
// variants of the same input. Multiple rows per key may coexist; the newest
// wins.
type ResultStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	Now func() time.Time
}

// NewResultStore creates a result store over an open cache database. The
// path is only used for size statistics.
func NewResultStore(db *sql.DB, path string) *ResultStore {
	return &ResultStore{
		db:     db,
		path:   path,
		logger: log.WithComponent("result-cache"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *ResultStore) nowUTC() string {
	return s.Now().UTC().Format(timeFormat)
}

// Store inserts a new artifact row
func (s *ResultStore) Store(ctx context.Context, filePath, contentHash, correlationID string, result []byte, outputMetadata string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_files
			(file_path, content_hash, correlation_id, result, output_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		filePath, contentHash, correlationID, result, outputMetadata, s.nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

// StoreLatest inserts a new artifact row and prunes older rows for the same
// (file_path, output_metadata), keeping the retainCount most recent besides
// the new one.
func (s *ResultStore) StoreLatest(ctx context.Context, filePath, contentHash, correlationID string, result []byte, outputMetadata string, retainCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processed_files
			(file_path, content_hash, correlation_id, result, output_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		filePath, contentHash, correlationID, result, outputMetadata, s.nowUTC(),
	); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM processed_files
		WHERE file_path = ? AND output_metadata = ? AND id NOT IN (
			SELECT id FROM processed_files
			WHERE file_path = ? AND output_metadata = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`,
		filePath, outputMetadata, filePath, outputMetadata, retainCount+1,
	); err != nil {
		return fmt.Errorf("failed to prune old results: %w", err)
	}

	return tx.Commit()
}

// Get returns the newest stored artifact for the key, or nil on a miss
func (s *ResultStore) Get(ctx context.Context, filePath, contentHash, outputMetadata string) ([]byte, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM processed_files
		WHERE file_path = ? AND content_hash = ? AND output_metadata = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		filePath, contentHash, outputMetadata,
	).Scan(&result)
	if err == sql.ErrNoRows {
		metrics.ResultCacheMisses.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query result cache: %w", err)
	}
	metrics.ResultCacheHits.Inc()
	return result, nil
}

// NewestEntry returns the newest artifact for a file and output variant
// regardless of content hash, or nil when none exists
func (s *ResultStore) NewestEntry(ctx context.Context, filePath, outputMetadata string) ([]byte, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM processed_files
		WHERE file_path = ? AND output_metadata = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		filePath, outputMetadata,
	).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query newest entry: %w", err)
	}
	return result, nil
}

// RemoveOldEntries deletes all but the newest row per output variant for one
// file
func (s *ResultStore) RemoveOldEntries(ctx context.Context, filePath string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_files
		WHERE file_path = ? AND id NOT IN (
			SELECT MAX(id) FROM processed_files
			WHERE file_path = ?
			GROUP BY output_metadata
		)`,
		filePath, filePath,
	)
	if err != nil {
		return fmt.Errorf("failed to remove old entries: %w", err)
	}
	return nil
}

// StoreError records a categorized error for a processed file. Errors are
// idempotent: existing error rows for the same key are replaced so repeated
// failures do not accumulate.
func (s *ResultStore) StoreError(ctx context.Context, filePath, contentHash, outputMetadata string, buildErr *report.BuildError) error {
	payload, err := buildErr.ToJSON()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM processing_issues
		WHERE file_path = ? AND content_hash = ? AND output_metadata = ?
		AND issue_type = 'error'`,
		filePath, contentHash, outputMetadata,
	); err != nil {
		return fmt.Errorf("failed to clear existing errors: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processing_issues
			(file_path, content_hash, output_metadata, issue_type, issue_json, created_at)
		VALUES (?, ?, ?, 'error', ?, ?)`,
		filePath, contentHash, outputMetadata, payload, s.nowUTC(),
	); err != nil {
		return fmt.Errorf("failed to store error: %w", err)
	}

	return tx.Commit()
}

// StoreWarning records a warning for a processed file. Warnings accumulate.
func (s *ResultStore) StoreWarning(ctx context.Context, filePath, contentHash, outputMetadata string, warning *report.BuildWarning) error {
	payload, err := warning.ToJSON()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processing_issues
			(file_path, content_hash, output_metadata, issue_type, issue_json, created_at)
		VALUES (?, ?, ?, 'warning', ?, ?)`,
		filePath, contentHash, outputMetadata, payload, s.nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store warning: %w", err)
	}
	return nil
}

// GetIssues retrieves the stored errors and warnings for a processed file.
// Entries that fail to deserialize are skipped with a warning.
func (s *ResultStore) GetIssues(ctx context.Context, filePath, contentHash, outputMetadata string) ([]*report.BuildError, []*report.BuildWarning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_type, issue_json FROM processing_issues
		WHERE file_path = ? AND content_hash = ? AND output_metadata = ?
		ORDER BY created_at DESC`,
		filePath, contentHash, outputMetadata,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var errors []*report.BuildError
	var warnings []*report.BuildWarning

	for rows.Next() {
		var issueType, issueJSON string
		if err := rows.Scan(&issueType, &issueJSON); err != nil {
			return nil, nil, err
		}
		switch issueType {
		case "error":
			e, err := report.BuildErrorFromJSON(issueJSON)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Failed to deserialize stored error")
				continue
			}
			errors = append(errors, e)
		case "warning":
			w, err := report.BuildWarningFromJSON(issueJSON)
			if err != nil {
				s.logger.Warn().Err(err).Msg("Failed to deserialize stored warning")
				continue
			}
			warnings = append(warnings, w)
		}
	}

	return errors, warnings, rows.Err()
}

// ClearIssues removes all stored issues for a processed file
func (s *ResultStore) ClearIssues(ctx context.Context, filePath, contentHash, outputMetadata string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processing_issues
		WHERE file_path = ? AND content_hash = ? AND output_metadata = ?`,
		filePath, contentHash, outputMetadata,
	)
	if err != nil {
		return fmt.Errorf("failed to clear issues: %w", err)
	}
	return nil
}

// PruneOldVersions keeps the retainCount most recent rows per
// (file_path, output_metadata) across the whole store. Returns the number
// of rows deleted.
func (s *ResultStore) PruneOldVersions(ctx context.Context, retainCount int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_files
		WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY file_path, output_metadata
					ORDER BY created_at DESC, id DESC
				) AS rn
				FROM processed_files
			)
			WHERE rn <= ?
		)`,
		retainCount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old versions: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info().
			Int64("deleted", deleted).
			Int("retained", retainCount).
			Msg("Pruned old processed file versions")
	}
	return deleted, nil
}

// PruneOldIssues removes issues older than the given number of days.
// Returns the number of rows deleted.
func (s *ResultStore) PruneOldIssues(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM processing_issues
		WHERE created_at < datetime('now', '-' || ? || ' days')`,
		days,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old issues: %w", err)
	}
	return res.RowsAffected()
}

// CleanupResult reports what a CleanupAll pass removed
type CleanupResult struct {
	OldVersions int64
	OldIssues   int64
}

// CleanupAll prunes old artifact versions and old issues in one pass
func (s *ResultStore) CleanupAll(ctx context.Context, retainVersions, issueDays int) (*CleanupResult, error) {
	versions, err := s.PruneOldVersions(ctx, retainVersions)
	if err != nil {
		return nil, err
	}
	issues, err := s.PruneOldIssues(ctx, issueDays)
	if err != nil {
		return nil, err
	}
	return &CleanupResult{OldVersions: versions, OldIssues: issues}, nil
}

// Stats describes the contents of the result store
type Stats struct {
	ProcessedFiles int
	Issues         int
	UniqueFiles    int
	DBSizeBytes    int64
}

// Stats returns row counts and the database file size
func (s *ResultStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_files`).Scan(&stats.ProcessedFiles); err != nil {
		return nil, fmt.Errorf("failed to count processed files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processing_issues`).Scan(&stats.Issues); err != nil {
		return nil, fmt.Errorf("failed to count issues: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT file_path) FROM processed_files`).Scan(&stats.UniqueFiles); err != nil {
		return nil, fmt.Errorf("failed to count unique files: %w", err)
	}

	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			stats.DBSizeBytes = info.Size()
		}
	}

	return stats, nil
}

// Vacuum compacts the database to reclaim disk space
func (s *ResultStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum cache database: %w", err)
	}
	s.logger.Info().Str("path", s.path).Msg("Vacuumed cache database")
	return nil
}
