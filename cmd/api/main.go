package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/cloud-gov/pages-core-sub002/internal/app/migrate"
	"github.com/cloud-gov/pages-core-sub002/internal/github"
	httpx "github.com/cloud-gov/pages-core-sub002/internal/http"
	"github.com/cloud-gov/pages-core-sub002/internal/queue"
	"github.com/cloud-gov/pages-core-sub002/internal/repository/postgres"
	"github.com/cloud-gov/pages-core-sub002/internal/service/builds"
	"github.com/cloud-gov/pages-core-sub002/internal/service/dispatch"
	"github.com/cloud-gov/pages-core-sub002/internal/service/logs"
	"github.com/cloud-gov/pages-core-sub002/internal/service/report"
	"github.com/cloud-gov/pages-core-sub002/internal/service/status"
	"github.com/cloud-gov/pages-core-sub002/internal/service/sweeper"
	"github.com/cloud-gov/pages-core-sub002/internal/service/webhook"
	"github.com/cloud-gov/pages-core-sub002/internal/ws"
	"github.com/cloud-gov/pages-core-sub002/pkg/config"
	"github.com/cloud-gov/pages-core-sub002/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New("api", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}
	runner.Close()

	repo := postgres.New(pool)
	logHub := ws.NewHub()

	q, err := queue.New(cfg.QueueRedisAddr, cfg.QueueRedisPassword, cfg.QueueRedisDB, cfg.BuildJobList, cfg.BuildCancelList, log)
	if err != nil {
		log.Error("failed to connect to build queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	gh := github.New(cfg.GithubAPIBase, log)

	logSvc := logs.New(repo, logHub, log, cfg.SharedBuildSecrets())
	reportSvc := report.New(repo, repo, gh, cfg, log)
	dispatchSvc := dispatch.New(repo, repo, repo, q, cfg, log)
	webhookSvc := webhook.New(repo, repo, repo, dispatchSvc, reportSvc, cfg, log)
	statusSvc := status.New(repo, repo, repo, repo, logSvc, reportSvc, cfg, log)
	buildSvc := builds.New(repo, dispatchSvc, reportSvc, log)
	sweepSvc := sweeper.New(repo, dispatchSvc, reportSvc, cfg, log)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.SweepInterval),
		gocron.NewTask(func() {
			sweepCtx, cancel := context.WithTimeout(ctx, cfg.SweepInterval)
			defer cancel()
			for _, outcome := range sweepSvc.Sweep(sweepCtx) {
				log.Info("build timed out", "build_id", outcome.BuildID, "state", string(outcome.State))
			}
		}),
		gocron.WithName("build-timeout-sweep"),
	); err != nil {
		log.Error("failed to schedule timeout sweep", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			log.Warn("scheduler shutdown failed", "error", err)
		}
	}()

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, webhookSvc, statusSvc, buildSvc, logSvc, limiter, cfg.JWTSecret, pool.Ping, q.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
