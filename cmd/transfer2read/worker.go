package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xuan1250/transfer2read/internal/worker"
)

var workerCount int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a conversion worker",
	Long:  `Start a worker process that claims queued jobs and runs them through the conversion pipeline.`,
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().IntVar(&workerCount, "workers", 0, "Concurrent jobs per process (overrides WORKERS)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	workers := a.cfg.Workers
	if workerCount > 0 {
		workers = workerCount
	}
	pool := worker.NewPool(a.queue, a.orchestrator, worker.Config{Workers: workers}, a.log)
	a.log.WithField("workers", workers).Info("worker starting")
	pool.Start(ctx)
	return nil
}
