package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coursecraft/loom/pkg/config"
	"github.com/coursecraft/loom/pkg/discovery"
	"github.com/coursecraft/loom/pkg/executor"
	"github.com/coursecraft/loom/pkg/lifecycle"
	"github.com/coursecraft/loom/pkg/queue"
	"github.com/coursecraft/loom/pkg/storage"
	"github.com/coursecraft/loom/pkg/types"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage worker pools",
}

var workersStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start persistent workers",
	RunE:  runWorkersStart,
}

var workersStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all workers",
	RunE:  runWorkersStop,
}

var workersStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker health summary",
	RunE:  runWorkersStatus,
}

func init() {
	for _, cmd := range []*cobra.Command{workersStartCmd, workersStopCmd} {
		cmd.Flags().String("workers", "", "Execution mode override (direct, docker)")
		cmd.Flags().Int("worker-count", 0, "Worker count override")
		cmd.Flags().Bool("no-auto-start", false, "Disable auto-start")
		cmd.Flags().Bool("no-auto-stop", false, "Disable auto-stop")
		cmd.Flags().Bool("fresh-workers", false, "Do not reuse existing workers")
		for _, t := range types.AllJobTypes {
			cmd.Flags().Int(fmt.Sprintf("%s-workers", t), 0, fmt.Sprintf("Worker count override for %s", t))
		}
	}
	workersCmd.AddCommand(workersStartCmd)
	workersCmd.AddCommand(workersStopCmd)
	workersCmd.AddCommand(workersStatusCmd)
}

// loadWorkersConfig loads the config file and applies CLI overlays
func loadWorkersConfig(cmd *cobra.Command) (*config.WorkersConfig, error) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	overrides := config.Overrides{TypeCounts: make(map[types.JobType]int)}
	if mode, _ := cmd.Flags().GetString("workers"); mode != "" {
		overrides.Workers = types.ExecutionMode(mode)
	}
	if count, _ := cmd.Flags().GetInt("worker-count"); cmd.Flags().Changed("worker-count") {
		overrides.WorkerCount = &count
	}
	overrides.NoAutoStart, _ = cmd.Flags().GetBool("no-auto-start")
	overrides.NoAutoStop, _ = cmd.Flags().GetBool("no-auto-stop")
	overrides.FreshWorkers, _ = cmd.Flags().GetBool("fresh-workers")
	for _, t := range types.AllJobTypes {
		flag := fmt.Sprintf("%s-workers", t)
		if cmd.Flags().Changed(flag) {
			count, _ := cmd.Flags().GetInt(flag)
			overrides.TypeCounts[t] = count
		}
	}

	cfg.Apply(overrides)
	return cfg, nil
}

// buildExecutors creates executors for every execution mode the config can
// select. Container executor creation failures are tolerated: direct-only
// setups work without a container engine.
func buildExecutors(dbPath, workspace string) (map[types.ExecutionMode]executor.Executor, error) {
	executors := make(map[types.ExecutionMode]executor.Executor)

	direct, err := executor.NewDirectExecutor(executor.DirectConfig{
		DBPath:        dbPath,
		WorkspacePath: workspace,
	})
	if err != nil {
		return nil, err
	}
	executors[types.ExecutionModeDirect] = direct

	if container, err := executor.NewContainerExecutor(executor.ContainerConfig{
		DBPath:        dbPath,
		WorkspacePath: workspace,
	}); err == nil {
		executors[types.ExecutionModeDocker] = container
	}

	return executors, nil
}

func runWorkersStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkersConfig(cmd)
	if err != nil {
		return err
	}

	dbPath, _ := rootCmd.PersistentFlags().GetString("db")
	workspace, _ := rootCmd.PersistentFlags().GetString("workspace")

	db, err := storage.OpenJobs(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.NewJobQueue(db)
	disc := discovery.New(q)

	executors, err := buildExecutors(dbPath, workspace)
	if err != nil {
		return err
	}

	mgr := lifecycle.New(cfg, q, disc, executors, "")
	defer mgr.Close()

	workers, err := mgr.StartPersistent(cmd.Context())
	if err != nil {
		return err
	}
	mgr.StartMonitoring(15 * time.Second)

	fmt.Printf("Started %d worker(s). Press Ctrl-C to stop.\n", len(workers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	mgr.StopPersistent(cmd.Context())
	return nil
}

func runWorkersStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadWorkersConfig(cmd)
	if err != nil {
		return err
	}

	dbPath, _ := rootCmd.PersistentFlags().GetString("db")
	workspace, _ := rootCmd.PersistentFlags().GetString("workspace")

	db, err := storage.OpenJobs(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.NewJobQueue(db)
	disc := discovery.New(q)

	executors, err := buildExecutors(dbPath, workspace)
	if err != nil {
		return err
	}

	mgr := lifecycle.New(cfg, q, disc, executors, "")
	defer mgr.Close()

	return mgr.CleanupAll(cmd.Context())
}

func runWorkersStatus(cmd *cobra.Command, args []string) error {
	dbPath, _ := rootCmd.PersistentFlags().GetString("db")

	db, err := storage.OpenJobs(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.NewJobQueue(db)
	disc := discovery.New(q)

	summary, err := disc.WorkerSummary(cmd.Context())
	if err != nil {
		return err
	}

	if len(summary) == 0 {
		fmt.Println("No workers registered")
		return nil
	}

	fmt.Printf("%-12s %8s %8s %10s\n", "TYPE", "TOTAL", "HEALTHY", "UNHEALTHY")
	for _, t := range types.AllJobTypes {
		s, ok := summary[t]
		if !ok {
			continue
		}
		fmt.Printf("%-12s %8d %8d %10d\n", t, s.Total, s.Healthy, s.Unhealthy)
	}
	return nil
}
