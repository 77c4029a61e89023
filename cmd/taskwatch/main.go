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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/taskwatch/internal/app/migrate"
	httpx "github.com/splax/taskwatch/internal/http"
	"github.com/splax/taskwatch/internal/ingest"
	"github.com/splax/taskwatch/internal/metrics"
	"github.com/splax/taskwatch/internal/notify"
	"github.com/splax/taskwatch/internal/repository"
	"github.com/splax/taskwatch/internal/repository/postgres"
	"github.com/splax/taskwatch/internal/repository/rediscache"
	"github.com/splax/taskwatch/internal/service/deploy"
	"github.com/splax/taskwatch/internal/service/environment"
	"github.com/splax/taskwatch/internal/service/taskevent"
	"github.com/splax/taskwatch/internal/service/testrun"
	"github.com/splax/taskwatch/internal/ws"
	"github.com/splax/taskwatch/pkg/config"
	"github.com/splax/taskwatch/pkg/logger"
)

func main() {
	cfg := config.LoadWatcherConfig()
	log := logger.New("taskwatch", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.MigrateOnStart {
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		_ = runner.Close()
	}

	environments, err := environment.New(cfg)
	if err != nil {
		log.Error("failed to load account environments", "error", err)
		os.Exit(1)
	}
	if environments.Len() == 0 {
		log.Warn("no account environments configured, every event will be dropped")
	}

	repo := postgres.New(pool, cfg.TestRunLinkWindow)
	var entities repository.EntityRepository = repo
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client, err := rediscache.Connect(ctx, addr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Warn("redis entity cache unavailable", "error", err)
		} else {
			defer client.Close()
			entities = rediscache.NewEntityCache(client, repo, cfg.EntityCacheTTL, log)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)
	hub := ws.NewHub(log)
	defer hub.Close()

	observers := []taskevent.Observer{recorder, hub}
	if cfg.NotifyURL != "" {
		notifier, err := notify.New(cfg.NotifyURL, cfg.NotifyToken, nil, log)
		if err != nil {
			log.Error("failed to configure notifier", "error", err)
			os.Exit(1)
		}
		go notifier.Run(ctx)
		observers = append(observers, notifier)
	}

	handler := taskevent.New(
		environments,
		entities,
		deploy.New(repo, log, cfg),
		testrun.New(environments, repo, log),
		log,
		observers...,
	)

	errorCh := make(chan error, 2)
	pollerDone := make(chan struct{})
	if cfg.SQSQueueURL != "" {
		client, err := ingest.NewClient(ctx, cfg.SQSRegion)
		if err != nil {
			log.Error("failed to configure sqs client", "error", err)
			os.Exit(1)
		}
		poller := ingest.New(client, handler, log, cfg)
		go func() {
			defer close(pollerDone)
			if err := poller.Run(ctx); err != nil {
				errorCh <- err
			}
		}()
	} else {
		close(pollerDone)
		log.Info("SQS_ECS_QUEUE_URL not set, accepting events over http only")
	}

	router := httpx.NewRouter(log, handler, hub, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), registry, repo.Ping)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("taskwatch server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		waitForPoller(shutdownCtx, pollerDone, log)
		log.Info("taskwatch stopped")
	case err := <-errorCh:
		log.Error("taskwatch failed", "error", err)
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		waitForPoller(shutdownCtx, pollerDone, log)
		os.Exit(1)
	}
}

// waitForPoller blocks until in-flight queue messages finish or ctx expires.
func waitForPoller(ctx context.Context, done <-chan struct{}, log *slog.Logger) {
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("sqs poller did not stop before shutdown deadline")
	}
}
