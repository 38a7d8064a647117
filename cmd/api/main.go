package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/appdotbuilder/appfleet/internal/app/migrate"
	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/events"
	httpx "github.com/appdotbuilder/appfleet/internal/http"
	"github.com/appdotbuilder/appfleet/internal/repository/postgres"
	"github.com/appdotbuilder/appfleet/internal/runtime/docker"
	"github.com/appdotbuilder/appfleet/internal/service/catalog"
	"github.com/appdotbuilder/appfleet/internal/service/deployment"
	"github.com/appdotbuilder/appfleet/internal/service/ledger"
	"github.com/appdotbuilder/appfleet/internal/service/metering"
	"github.com/appdotbuilder/appfleet/internal/service/placement"
	"github.com/appdotbuilder/appfleet/internal/ws"
	"github.com/appdotbuilder/appfleet/pkg/config"
	"github.com/appdotbuilder/appfleet/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("api", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	backend, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to container backend", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	publishers := events.Fanout{ws.NewStatusPublisher(hub, log)}
	kafka, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.EventBuffer, log)
	if err != nil {
		log.Warn("kafka publisher unavailable", "error", err)
	} else if kafka != nil {
		publishers = append(publishers, kafka)
		go kafka.Run(ctx)
	}

	ledgerSvc := ledger.New(repo, kafka, log, domain.Cents(cfg.TopUpMinCents), domain.Cents(cfg.TopUpMaxCents))
	catalogSvc := catalog.New(repo)
	planner := placement.New(repo, log)

	worker := deployment.NewWorker(repo, repo, backend, planner, publishers, log, deployment.WorkerConfig{
		Workers:        cfg.WorkerCount,
		QueueSize:      cfg.JobQueueSize,
		Retries:        cfg.TransitionRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		StartTimeout:   cfg.StartTimeout,
		StopTimeout:    cfg.StopTimeout,
	})
	go worker.Run(ctx)

	deploymentSvc := deployment.New(repo, catalogSvc, ledgerSvc, planner, worker, publishers, log,
		cfg.MinBalanceHours, cfg.PageSize, cfg.HostPortMin, cfg.HostPortMax)

	reconciler := metering.New(repo, ledgerSvc, backend, worker, log, cfg.MeteringInterval, cfg.InspectTimeout)
	go reconciler.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploymentSvc, ledgerSvc, catalogSvc, hub, limiter, cfg.JWTSecret, cfg.PageSize, pool.Ping)
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
