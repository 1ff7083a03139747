package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/snapline/internal/api"
	"github.com/zulandar/snapline/internal/maintenance"
	"github.com/zulandar/snapline/internal/pipeline"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook API",
		Long:  "Serves the Trello webhook receiver, the admin reset endpoint, the script editor and the health check.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: server.port from config)")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var (
		configPath  string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start the stage workers",
		Long:  "Runs the worker pool that executes pipeline stages, plus the maintenance scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath, concurrency)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (default: worker.concurrency from config)")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		port        int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the API and the workers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAll(cmd, configPath, port, concurrency)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to snapline config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: server.port from config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of workers (default: worker.concurrency from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, err := loadApp(ctx, configPath)
	if err != nil {
		return err
	}
	return a.serve(ctx, cmd.OutOrStdout(), port)
}

func runWorker(cmd *cobra.Command, configPath string, concurrency int) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, err := loadApp(ctx, configPath)
	if err != nil {
		return err
	}
	return a.work(ctx, cmd.OutOrStdout(), concurrency)
}

func runAll(cmd *cobra.Command, configPath string, port, concurrency int) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	a, err := loadApp(ctx, configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	errCh := make(chan error, 2)
	go func() { errCh <- a.serve(ctx, out, port) }()
	go func() { errCh <- a.work(ctx, out, concurrency) }()

	// The first component to stop takes the other one down with it.
	first := <-errCh
	cancel()
	second := <-errCh
	if first != nil {
		return first
	}
	return second
}

func (a *app) serve(ctx context.Context, out io.Writer, port int) error {
	if port <= 0 {
		port = a.cfg.Server.Port
	}
	if err := a.registry.Refresh(ctx); err != nil {
		log.Printf("snap: initial channel load: %v", err)
	}
	dispatcher, err := pipeline.NewDispatcher(a.queue)
	if err != nil {
		return err
	}
	if a.cfg.Trello.WebhookSecret == "" {
		return fmt.Errorf("trello.webhook_secret is required to serve webhooks")
	}

	return api.Start(ctx, api.StartOpts{
		Opts: api.Opts{
			Cards:         a.cards,
			Gate:          a.gate,
			Starter:       dispatcher,
			Channels:      a.registry,
			Vocabulary:    a.vocab,
			Store:         a.store,
			WebhookSecret: a.cfg.Trello.WebhookSecret,
		},
		Port: port,
		Out:  out,
	})
}

func (a *app) work(ctx context.Context, out io.Writer, concurrency int) error {
	if concurrency <= 0 {
		concurrency = a.cfg.Worker.Concurrency
	}
	if err := a.registry.Refresh(ctx); err != nil {
		log.Printf("snap: initial channel load: %v", err)
	}
	executor, escalator, err := a.newExecutor()
	if err != nil {
		return err
	}
	pool, err := pipeline.NewPool(pipeline.PoolOpts{
		Queue:        a.queue,
		Runner:       executor,
		Escalator:    escalator,
		Concurrency:  concurrency,
		PollInterval: a.cfg.Worker.PollInterval(),
		Name:         workerName(),
		Out:          out,
	})
	if err != nil {
		return err
	}
	sched, err := maintenance.NewScheduler(a.maintenanceTasks(escalator), out)
	if err != nil {
		return err
	}

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	fmt.Fprintf(out, "Channels: %d loaded from %s\n", a.registry.Current(ctx).Len(), a.registry.SourceName())
	poolErr := pool.Run(ctx)
	schedErr := <-schedDone
	if poolErr != nil {
		return poolErr
	}
	return schedErr
}

func (a *app) maintenanceTasks(esc maintenance.Escalator) []maintenance.Task {
	return []maintenance.Task{
		maintenance.RefreshTask(a.cfg.Channels.Refresh, func(ctx context.Context) (int, error) {
			if err := a.registry.Refresh(ctx); err != nil {
				return 0, err
			}
			return a.registry.Current(ctx).Len(), nil
		}),
		maintenance.PurgeKeysTask(a.store),
		maintenance.PurgeJobsTask(a.queue, time.Now),
		maintenance.RequeueStaleTask(a.queue, esc, time.Now),
	}
}

// workerName prefixes worker IDs with the host and process so jobs claimed
// by different processes can be told apart.
func workerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "snap"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
