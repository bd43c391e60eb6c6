package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursecraft/loom/pkg/report"
	"github.com/coursecraft/loom/pkg/storage"
)

func newTestStore(t *testing.T) *ResultStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := storage.OpenCache(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewResultStore(db, path)
}

func TestResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte("rendered notebook content")
	require.NoError(t, s.Store(ctx, "/w/in.nb", "abc", "corr-1", payload, "en:python:completed"))

	got, err := s.Get(ctx, "/w/in.nb", "abc", "en:python:completed")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestResultGetMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "/w/in.nb", "abc", "en:python:completed")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Same file, different variant is a distinct key
	require.NoError(t, s.Store(ctx, "/w/in.nb", "abc", "", []byte("x"), "en:python:completed"))
	got, err = s.Get(ctx, "/w/in.nb", "abc", "de:python:completed")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResultNewestWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.Now = func() time.Time { return tick }
		require.NoError(t, s.Store(ctx, "/w/in.nb", "abc", "",
			[]byte(fmt.Sprintf("version-%d", i)), "meta"))
	}

	got, err := s.Get(ctx, "/w/in.nb", "abc", "meta")
	require.NoError(t, err)
	assert.Equal(t, []byte("version-2"), got)
}

func TestPruneOldVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.Now = func() time.Time { return tick }
		require.NoError(t, s.Store(ctx, "/w/in.nb", fmt.Sprintf("h%d", i), "",
			[]byte(fmt.Sprintf("version-%d", i)), "meta"))
	}

	deleted, err := s.PruneOldVersions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	// Exactly the two newest remain
	got, err := s.Get(ctx, "/w/in.nb", "h4", "meta")
	require.NoError(t, err)
	assert.Equal(t, []byte("version-4"), got)
	got, err = s.Get(ctx, "/w/in.nb", "h3", "meta")
	require.NoError(t, err)
	assert.Equal(t, []byte("version-3"), got)
	got, err = s.Get(ctx, "/w/in.nb", "h2", "meta")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreLatestRetention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		tick := base.Add(time.Duration(i) * time.Minute)
		s.Now = func() time.Time { return tick }
		require.NoError(t, s.StoreLatest(ctx, "/w/in.nb", fmt.Sprintf("h%d", i), "",
			[]byte(fmt.Sprintf("version-%d", i)), "meta", 1))
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	// The new row plus one retained older row
	assert.Equal(t, 2, stats.ProcessedFiles)
}

func TestIssueStorage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	buildErr := &report.BuildError{
		ErrorType: report.ErrorTypeUser,
		Category:  "notebook_compilation",
		Severity:  report.SeverityError,
		FilePath:  "/w/in.nb",
		Message:   "SyntaxError: invalid syntax",
	}
	warning := &report.BuildWarning{
		Category: "deprecation",
		FilePath: "/w/in.nb",
		Message:  "old-style cell tag",
	}

	// Errors are idempotent: storing twice keeps one row
	require.NoError(t, s.StoreError(ctx, "/w/in.nb", "abc", "meta", buildErr))
	require.NoError(t, s.StoreError(ctx, "/w/in.nb", "abc", "meta", buildErr))

	// Warnings accumulate
	require.NoError(t, s.StoreWarning(ctx, "/w/in.nb", "abc", "meta", warning))
	require.NoError(t, s.StoreWarning(ctx, "/w/in.nb", "abc", "meta", warning))

	errs, warnings, err := s.GetIssues(ctx, "/w/in.nb", "abc", "meta")
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Len(t, warnings, 2)
	assert.Equal(t, "notebook_compilation", errs[0].Category)
	assert.Equal(t, "SyntaxError: invalid syntax", errs[0].Message)

	// Issues for other keys are invisible
	errs, warnings, err = s.GetIssues(ctx, "/w/in.nb", "other", "meta")
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Empty(t, warnings)
}

func TestClearIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreError(ctx, "/w/in.nb", "abc", "meta", &report.BuildError{
		Severity: report.SeverityError, Message: "boom",
	}))
	require.NoError(t, s.ClearIssues(ctx, "/w/in.nb", "abc", "meta"))

	errs, warnings, err := s.GetIssues(ctx, "/w/in.nb", "abc", "meta")
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Empty(t, warnings)
}

func TestPruneOldIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Now = func() time.Time { return time.Now().UTC().Add(-40 * 24 * time.Hour) }
	require.NoError(t, s.StoreWarning(ctx, "/w/old.nb", "h", "meta", &report.BuildWarning{Message: "old"}))
	s.Now = func() time.Time { return time.Now().UTC() }
	require.NoError(t, s.StoreWarning(ctx, "/w/new.nb", "h", "meta", &report.BuildWarning{Message: "new"}))

	deleted, err := s.PruneOldIssues(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestRemoveOldEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "/w/in.nb", "h1", "", []byte("a"), "meta1"))
	require.NoError(t, s.Store(ctx, "/w/in.nb", "h2", "", []byte("b"), "meta1"))
	require.NoError(t, s.Store(ctx, "/w/in.nb", "h3", "", []byte("c"), "meta2"))

	require.NoError(t, s.RemoveOldEntries(ctx, "/w/in.nb"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	// One row per output variant survives
	assert.Equal(t, 2, stats.ProcessedFiles)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, "/w/a.nb", "h", "", []byte("a"), "meta"))
	require.NoError(t, s.Store(ctx, "/w/b.nb", "h", "", []byte("b"), "meta"))
	require.NoError(t, s.Store(ctx, "/w/b.nb", "h2", "", []byte("b2"), "meta"))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.ProcessedFiles)
	assert.Equal(t, 2, stats.UniqueFiles)
	assert.Greater(t, stats.DBSizeBytes, int64(0))
}
