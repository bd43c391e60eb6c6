package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/storage"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueResetHungCmd = &cobra.Command{
	Use:   "reset-hung",
	Short: "Reset jobs stuck in processing back to pending",
	RunE:  runQueueResetHung,
}

var queueClearCompletedCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Delete old completed jobs",
	RunE:  runQueueClearCompleted,
}

func init() {
	queueResetHungCmd.Flags().Int("timeout", 600, "Seconds in processing before a job counts as hung")
	queueClearCompletedCmd.Flags().Int("days", 7, "Keep completed jobs newer than this many days")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueResetHungCmd)
	queueCmd.AddCommand(queueClearCompletedCmd)
}

func openQueue() (*queue.JobQueue, func(), error) {
	dbPath, _ := rootCmd.PersistentFlags().GetString("db")
	db, err := storage.OpenJobs(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return queue.NewJobQueue(db), func() { db.Close() }, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	stats, err := q.Statistics(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Pending:    %d\n", stats.Pending)
	fmt.Printf("Processing: %d\n", stats.Processing)
	fmt.Printf("Completed:  %d\n", stats.Completed)
	fmt.Printf("Failed:     %d\n", stats.Failed)

	if len(stats.ByType) > 0 {
		fmt.Println("\nBy type:")
		for jobType, count := range stats.ByType {
			fmt.Printf("  %-12s %d\n", jobType, count)
		}
	}

	if len(stats.ProcessingJobs) > 0 {
		fmt.Println("\nIn flight:")
		for _, p := range stats.ProcessingJobs {
			worker := "-"
			if p.WorkerID != nil {
				worker = fmt.Sprintf("%d", *p.WorkerID)
			}
			fmt.Printf("  #%d %s %s (worker %s, %.0fs)\n",
				p.JobID, p.Type, p.InputFile, worker, p.ElapsedSeconds)
		}
	}
	return nil
}

func runQueueResetHung(cmd *cobra.Command, args []string) error {
	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	timeout, _ := cmd.Flags().GetInt("timeout")
	n, err := q.ResetHungJobs(cmd.Context(), time.Duration(timeout)*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("Reset %d hung job(s)\n", n)
	return nil
}

func runQueueClearCompleted(cmd *cobra.Command, args []string) error {
	q, closeDB, err := openQueue()
	if err != nil {
		return err
	}
	defer closeDB()

	days, _ := cmd.Flags().GetInt("days")
	n, err := q.ClearOldCompleted(cmd.Context(), days)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d completed job(s)\n", n)
	return nil
}
