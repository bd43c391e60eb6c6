package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coursecraft/loom/pkg/log"
)

// ErrCacheMiss is returned by ExecutionCache.Get whenever no intermediate is
// cached for the key; whether to execute instead is the caller's decision.
var ErrCacheMiss = errors.New("execution cache miss")

// ExecutionCache stores executed-notebook intermediates keyed by
// (input_file, content_hash, language, prog_lang). The output kind is
// deliberately excluded from the key: the "speaker" and "completed" variants
// of a notebook share the same execution and differ only by downstream cell
// filtering, so one cached execution serves both.
type ExecutionCache struct {
	db     *sql.DB
	logger zerolog.Logger

	Now func() time.Time
}

// NewExecutionCache creates an execution cache over an open cache database
func NewExecutionCache(db *sql.DB) *ExecutionCache {
	return &ExecutionCache{
		db:     db,
		logger: log.WithComponent("execution-cache"),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get retrieves a cached execution intermediate. Returns ErrCacheMiss when
// nothing is cached for the key.
func (c *ExecutionCache) Get(ctx context.Context, inputFile, contentHash, language, progLang string) ([]byte, error) {
	var blob []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT executed_notebook FROM executed_notebooks
		WHERE input_file = ? AND content_hash = ? AND language = ? AND prog_lang = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		inputFile, contentHash, language, progLang,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		c.logger.Debug().
			Str("input_file", inputFile).
			Str("language", language).
			Str("prog_lang", progLang).
			Msg("Execution cache miss")
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution cache: %w", err)
	}

	c.logger.Debug().
		Str("input_file", inputFile).
		Str("language", language).
		Str("prog_lang", progLang).
		Msg("Execution cache hit")
	return blob, nil
}

// Store caches an execution intermediate. Idempotent: an existing entry for
// the key is replaced.
func (c *ExecutionCache) Store(ctx context.Context, inputFile, contentHash, language, progLang string, blob []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executed_notebooks
		(input_file, content_hash, language, prog_lang, executed_notebook, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		inputFile, contentHash, language, progLang, blob,
		c.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to store execution intermediate: %w", err)
	}
	return nil
}

// Clear removes cached entries, scoped to one input file when given, or all
// entries otherwise. Returns the number of entries deleted.
func (c *ExecutionCache) Clear(ctx context.Context, inputFile string) (int64, error) {
	var res sql.Result
	var err error
	if inputFile != "" {
		res, err = c.db.ExecContext(ctx, `DELETE FROM executed_notebooks WHERE input_file = ?`, inputFile)
	} else {
		res, err = c.db.ExecContext(ctx, `DELETE FROM executed_notebooks`)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear execution cache: %w", err)
	}
	return res.RowsAffected()
}

// PruneOldEntries removes entries older than the given number of days.
// Returns the number of entries deleted.
func (c *ExecutionCache) PruneOldEntries(ctx context.Context, days int) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM executed_notebooks
		WHERE created_at < datetime('now', '-' || ? || ' days')`,
		days,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune execution cache: %w", err)
	}
	return res.RowsAffected()
}

// PruneStaleHashes removes entries whose content hash is not in the valid
// set. With a nil set it instead keeps only the most recent entry per
// (input_file, language, prog_lang). An empty non-nil set clears everything.
// Returns the number of entries deleted.
func (c *ExecutionCache) PruneStaleHashes(ctx context.Context, validHashes []string) (int64, error) {
	var res sql.Result
	var err error

	switch {
	case validHashes == nil:
		res, err = c.db.ExecContext(ctx, `
			DELETE FROM executed_notebooks
			WHERE id NOT IN (
				SELECT id FROM (
					SELECT id, ROW_NUMBER() OVER (
						PARTITION BY input_file, language, prog_lang
						ORDER BY created_at DESC, id DESC
					) AS rn
					FROM executed_notebooks
				)
				WHERE rn = 1
			)`)
	case len(validHashes) == 0:
		res, err = c.db.ExecContext(ctx, `DELETE FROM executed_notebooks`)
	default:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(validHashes)), ",")
		args := make([]any, len(validHashes))
		for i, h := range validHashes {
			args[i] = h
		}
		res, err = c.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM executed_notebooks WHERE content_hash NOT IN (%s)`, placeholders),
			args...,
		)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale hashes: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		c.logger.Info().Int64("deleted", deleted).Msg("Pruned stale execution cache entries")
	}
	return deleted, nil
}

// ExecutionStats breaks down cached intermediates
type ExecutionStats struct {
	TotalEntries int
	ByLanguage   map[string]int
	ByProgLang   map[string]int
}

// Stats returns counts by language and programming language
func (c *ExecutionCache) Stats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		ByLanguage: make(map[string]int),
		ByProgLang: make(map[string]int),
	}

	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executed_notebooks`).Scan(&stats.TotalEntries); err != nil {
		return nil, fmt.Errorf("failed to count execution cache entries: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT language, COUNT(*) FROM executed_notebooks GROUP BY language`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var lang string
		var count int
		if err := rows.Scan(&lang, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByLanguage[lang] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = c.db.QueryContext(ctx, `
		SELECT prog_lang, COUNT(*) FROM executed_notebooks GROUP BY prog_lang`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var lang string
		var count int
		if err := rows.Scan(&lang, &count); err != nil {
			return nil, err
		}
		stats.ByProgLang[lang] = count
	}
	return stats, rows.Err()
}

// Vacuum compacts the database. This vacuums the whole cache database since
// the table shares the file with the result store.
func (c *ExecutionCache) Vacuum(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum execution cache: %w", err)
	}
	return nil
}
