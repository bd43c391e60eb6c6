package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coursecraft/loom/pkg/cache"
	"github.com/coursecraft/loom/pkg/storage"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the artifact cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE:  runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune old artifact versions and issues",
	RunE:  runCachePrune,
}

var cacheVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the cache database",
	RunE:  runCacheVacuum,
}

func init() {
	cachePruneCmd.Flags().Int("retain", 1, "Versions to keep per file and output variant")
	cachePruneCmd.Flags().Int("issue-days", 30, "Keep issues newer than this many days")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheVacuumCmd)
}

func openResultStore() (*cache.ResultStore, *cache.ExecutionCache, func(), error) {
	cachePath, _ := rootCmd.PersistentFlags().GetString("cache-db")
	db, err := storage.OpenCache(cachePath)
	if err != nil {
		return nil, nil, nil, err
	}
	return cache.NewResultStore(db, cachePath), cache.NewExecutionCache(db), func() { db.Close() }, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	results, execution, closeDB, err := openResultStore()
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := results.Stats(cmd.Context())
	if err != nil {
		return err
	}
	execStats, err := execution.Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Processed files: %d (%d unique)\n", stats.ProcessedFiles, stats.UniqueFiles)
	fmt.Printf("Issues:          %d\n", stats.Issues)
	fmt.Printf("Executions:      %d\n", execStats.TotalEntries)
	fmt.Printf("Database size:   %.2f MB\n", float64(stats.DBSizeBytes)/(1024*1024))

	for lang, count := range execStats.ByLanguage {
		fmt.Printf("  language %-8s %d\n", lang, count)
	}
	for lang, count := range execStats.ByProgLang {
		fmt.Printf("  prog_lang %-7s %d\n", lang, count)
	}
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	results, _, closeDB, err := openResultStore()
	if err != nil {
		return err
	}
	defer closeDB()

	retain, _ := cmd.Flags().GetInt("retain")
	issueDays, _ := cmd.Flags().GetInt("issue-days")

	result, err := results.CleanupAll(cmd.Context(), retain, issueDays)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d old version(s), %d old issue(s)\n", result.OldVersions, result.OldIssues)
	return nil
}

func runCacheVacuum(cmd *cobra.Command, args []string) error {
	results, _, closeDB, err := openResultStore()
	if err != nil {
		return err
	}
	defer closeDB()

	return results.Vacuum(cmd.Context())
}
