package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codeocean/runbridge/internal/domain"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and load configured environments",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withShared(func(ctx context.Context, sc *SharedComponents) error {
			sc.Logger.Info("database migrated", slog.String("driver", sc.Store.Driver()))
			return nil
		})
	},
}

var environmentsCmd = &cobra.Command{
	Use:   "environments",
	Short: "Manage execution environments",
}

var syncParallelism int

var environmentsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push every configured execution environment to the runner management",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withShared(func(ctx context.Context, sc *SharedComponents) error {
			return syncEnvironments(ctx, sc, sc.Config.Environments())
		})
	},
}

var reapExpiration time.Duration

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "Manage leased runners",
}

var runnersReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Destroy runners idle longer than the expiration",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withShared(func(ctx context.Context, sc *SharedComponents) error {
			expiration := reapExpiration
			if expiration <= 0 {
				expiration = sc.Config.RunnerManagement.UnusedRunnerExpiration()
			}
			n, err := sc.Runners.Reap(ctx, time.Now().UTC().Add(-expiration))
			if err != nil {
				return fmt.Errorf("reaping runners: %w", err)
			}
			fmt.Printf("reaped %d runner(s)\n", n)
			return nil
		})
	},
}

func init() {
	environmentsSyncCmd.Flags().IntVar(&syncParallelism, "parallel", 4, "number of environments synced concurrently")
	environmentsCmd.AddCommand(environmentsSyncCmd)

	runnersReapCmd.Flags().DurationVar(&reapExpiration, "older-than", 0, "idle time after which a runner is destroyed (default: runner_management.unused_runner_expiration_s)")
	runnersCmd.AddCommand(runnersReapCmd)
}

// withShared loads the config, initializes the shared components and runs fn
// with a signal-aware context.
func withShared(fn func(ctx context.Context, sc *SharedComponents) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	return fn(ctx, sc)
}

func syncEnvironments(ctx context.Context, sc *SharedComponents, envs []domain.ExecutionEnvironment) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(syncParallelism, 1))
	for _, env := range envs {
		g.Go(func() error {
			if err := sc.Runners.SyncEnvironment(ctx, env); err != nil {
				return fmt.Errorf("syncing execution environment %d (%s): %w", env.ID, env.Name, err)
			}
			sc.Logger.Info("execution environment synced",
				slog.Int("execution_environment_id", env.ID),
				slog.String("name", env.Name),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("synced %d execution environment(s)\n", len(envs))
	return nil
}
