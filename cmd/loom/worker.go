package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coursecraft/loom/pkg/types"
	"github.com/coursecraft/loom/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Worker process entry points",
	Hidden: true,
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker process (launched by the direct executor)",
	RunE:  runWorker,
}

func init() {
	workerRunCmd.Flags().String("type", "", "Worker type (notebook, plantuml, drawio)")
	workerCmd.AddCommand(workerRunCmd)

	// Until the tool-specific processors are linked in, every type runs
	// the passthrough processor
	for _, t := range types.AllJobTypes {
		worker.Register(t, worker.PassthroughProcessor{})
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	workerType := types.JobType(os.Getenv("WORKER_TYPE"))
	if flagType, _ := cmd.Flags().GetString("type"); flagType != "" {
		workerType = types.JobType(flagType)
	}
	if workerType == "" {
		return fmt.Errorf("worker type not set (use --type or WORKER_TYPE)")
	}

	processor, ok := worker.ProcessorFor(workerType)
	if !ok {
		return fmt.Errorf("no processor registered for worker type %s", workerType)
	}

	runner, q, err := worker.NewRunnerFromEnv(processor)
	if err != nil {
		return err
	}
	defer q.DB().Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return runner.Run(ctx)
}
