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

	"github.com/spf13/cobra"

	"github.com/codeocean/runbridge/internal/events"
	"github.com/codeocean/runbridge/internal/gateway/httpapi"
	"github.com/codeocean/runbridge/internal/gateway/ws"
	"github.com/codeocean/runbridge/internal/ratelimit"
	"github.com/codeocean/runbridge/internal/scheduler"
	"github.com/codeocean/runbridge/internal/session"
	"github.com/codeocean/runbridge/internal/transcript"
)

// limiterIdle is how long an untouched rate limit bucket is kept.
const limiterIdle = 10 * time.Minute

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and session WebSockets",
	RunE:  runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&listenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	logger := newLogger(cfg.Logging, os.Stderr)
	logger.Info("starting runbridge", slog.String("version", version), slog.String("config", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	reg := sc.Obs.Metrics.RegistryOrNil()
	tracer := sc.Obs.TracerOrNil()

	recorder := transcript.NewRecorder(sc.Store.Testruns(), logger)
	if cfg.Events != nil && cfg.Events.Enabled {
		nc, err := events.Connect(cfg.Events.NATSURL(), logger)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		sc.addCleanup(func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("draining NATS connection", slog.String("error", err.Error()))
			}
		})
		recorder.WithPublisher(events.NewPublisher(nc, cfg.Events.Prefix(), logger))
		logger.Debug("testrun events enabled", slog.String("url", cfg.Events.NATSURL()))
	}

	sessions := session.NewService(
		sc.Runners,
		sc.Store.Environments(),
		sc.Store.Submissions(),
		recorder,
		session.NewMetrics(reg),
		logger,
		session.Config{Session: cfg.Session, Features: cfg.Features},
	).
		WithStructuredErrors(sc.Store.StructuredErrors()).
		WithErrorReporter(sc.Obs.Reporter).
		WithTracer(tracer)

	registerHealthChecks(sc)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
		go pruneLimiter(ctx, limiter, logger)
	}

	if !cfg.RunnerManagement.DisableReaper {
		reaper, err := scheduler.New(sc.Runners, scheduler.Config{
			Schedule:   cfg.RunnerManagement.ReapCron(),
			Expiration: cfg.RunnerManagement.UnusedRunnerExpiration(),
		}, scheduler.NewMetrics(reg), logger)
		if err != nil {
			return fmt.Errorf("initializing runner reaper: %w", err)
		}
		cancelReaper := reaper.Start(ctx)
		defer cancelReaper()
	}

	wsServer := ws.NewServer(sessions, ws.KeyAuthenticator(cfg.Server.APIKeys), logger).
		WithRateLimiter(limiter)

	metricsPath := ""
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		metricsPath = cfg.Observability.Metrics.Path
	}
	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.Server.Addr(),
		EnableDocs:      cfg.Server.EnableDocs,
		APIKeys:         cfg.Server.APIKeys,
		MaxRequestSize:  cfg.Server.MaxRequestSize,
		MetricsRegistry: reg,
		MetricsPath:     metricsPath,
		HealthChecker:   sc.Obs.Health,
		Metrics:         sc.Obs.Metrics,
		Tracer:          tracer,
	}, httpapi.Backend{
		Submissions:  sc.Store.Submissions(),
		Environments: sc.Store.Environments(),
		Testruns:     recorder,
		Runners:      sc.Runners,
	}, limiter, logger).
		WithHandler("/ws/run", wsServer.Handler(ws.ModeRun)).
		WithHandler("/ws/score", wsServer.Handler(ws.ModeScore)).
		WithHandler("/ws/test", wsServer.Handler(ws.ModeTest))

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http api gateway: %w", err)
		}
		return nil
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http api gateway", slog.String("error", err.Error()))
	}
	return nil
}

func registerHealthChecks(sc *SharedComponents) {
	health := sc.Obs.Health
	hc := sc.Config.Observability
	if hc == nil || hc.Health == nil || hc.Health.IncludeDB {
		health.AddCheck("database", sc.Store.Ping)
	}
	if hc != nil && hc.Health != nil && hc.Health.IncludeRunnerManagement {
		health.AddCheck("runner_management", sc.Runners.Health)
	}
}

func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(limiterIdle); n > 0 {
				logger.Debug("pruned rate limit buckets", slog.Int("count", n))
			}
		}
	}
}
