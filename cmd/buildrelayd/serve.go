package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"buildrelay/internal/cleanup"
	"buildrelay/internal/config"
	"buildrelay/internal/events"
	"buildrelay/internal/queue"
	"buildrelay/internal/runnerpool"
	"buildrelay/internal/storage"
	"buildrelay/web/api"
)

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.Server.AuthToken == "" {
		logger.Warn("no auth token configured, the API accepts unauthenticated requests")
	}

	store := storage.New(storage.Config{
		Root:             cfg.Storage.DataDir,
		MaxBundleBytes:   cfg.Storage.MaxBundleMB << 20,
		MaxArtifactBytes: cfg.Storage.MaxArtifactMB << 20,
	})
	if err := store.Init(); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	q := queue.New()
	ev := events.NewRegistry(logger)
	runners := runnerpool.NewRegistry(logger,
		time.Duration(cfg.Runners.ActiveThresholdSecs)*time.Second,
		time.Duration(cfg.Runners.StaleThresholdSecs)*time.Second)
	sweeper := cleanup.New(q, store, logger, cfg.Retention())

	server := api.NewServer(api.Options{
		Addr:      cfg.Addr(),
		AuthToken: cfg.Server.AuthToken,
		Platforms: cfg.Server.Platforms,
		Keepalive: cfg.Keepalive(),
	}, q, runners, ev, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := cron.New()
	if _, err := sched.AddFunc(
		fmt.Sprintf("@every %dm", cfg.Cleanup.IntervalMinutes),
		func() { sweeper.RunOnce(ctx) },
	); err != nil {
		return fmt.Errorf("scheduling cleanup sweep: %w", err)
	}
	if _, err := sched.AddFunc(
		fmt.Sprintf("@every %ds", cfg.Runners.SweepIntervalSecs),
		func() {
			if n := runners.SweepStale(); n > 0 {
				logger.Info("removed stale runners", "count", n)
			}
		},
	); err != nil {
		return fmt.Errorf("scheduling runner sweep: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting buildrelayd",
			"version", version,
			"addr", cfg.Addr(),
			"platforms", cfg.Server.Platforms,
			"data_dir", cfg.Storage.DataDir)
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if configPath != "" {
		g.Go(func() error {
			// Token and retention changes apply without a restart; address
			// and storage changes still need one.
			return config.Watch(ctx, configPath, logger, func(next *config.Config) {
				server.SetAuthToken(next.Server.AuthToken)
				sweeper.SetRetention(next.Retention())
			})
		})
	}

	err = g.Wait()
	ev.Shutdown()
	return err
}
