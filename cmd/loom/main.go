package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coursecraft/loom/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - job-processing substrate for course material builds",
	Long: `Loom orchestrates a pool of long-running worker processes that
transform educational source artifacts into derived outputs. It provides a
durable SQLite-backed job queue with result caching, worker pools in
subprocess and container modes, and health monitoring that recovers jobs
from dead workers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("db", "jobs.db", "Path to the jobs database")
	rootCmd.PersistentFlags().String("cache-db", "cache.db", "Path to the cache database")
	rootCmd.PersistentFlags().String("workspace", ".", "Workspace directory")
	rootCmd.PersistentFlags().String("config", "", "Path to worker configuration file")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)

	// Add subcommands
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(cacheCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	// Worker processes get their level through the bootstrap environment;
	// log.Init picks LOG_LEVEL up on its own
	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}
