package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/maloun/qaorch/internal/db"
	"github.com/maloun/qaorch/internal/genai"
	"github.com/maloun/qaorch/internal/github"
	"github.com/maloun/qaorch/internal/jira"
	"github.com/maloun/qaorch/internal/notify"
	"github.com/maloun/qaorch/internal/pipeline"
	"github.com/maloun/qaorch/internal/queue"
	"github.com/maloun/qaorch/internal/webhook"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long:  "Starts the webhook server and the pipeline worker pool. Runs until interrupted; in-flight stages finish before shutdown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "qaorch.yaml", "path to qaorch config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s database %s\n", cfg.DB.Driver, dbTarget(cfg))

	notifier, err := notify.NewFromConfig(cfg.Notify)
	if err != nil {
		return err
	}

	pool := queue.NewPool(gormDB, cfg.Queue)
	pl := pipeline.New(gormDB, cfg, pipeline.Deps{
		Tickets:  jira.NewClient(cfg.Jira),
		Gen:      genai.NewClient(cfg.Anthropic),
		Repo:     github.NewClient(cfg.GitHub),
		Notifier: notifier,
	})
	pl.Register(pool)

	// Periodic sweep: requeue stuck tasks, fail processes that never heard
	// back from CI.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() {
		pl.SweepStale(cfg.Queue.StaleAfter())
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Webhook server listening on :%d\n", cfg.Server.Port)
	fmt.Fprintf(out, "Worker pool running with %d workers\n", cfg.Queue.Workers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		return webhook.Start(ctx, webhook.StartOpts{DB: gormDB, Config: cfg})
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	fmt.Fprintln(out, "Shutdown complete.")
	return nil
}
