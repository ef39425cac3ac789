// Command ingestion runs the claims ingestion daemon.
//
// Files are fetched from a ready directory or from DHPO facility polling,
// parsed, validated, persisted to PostgreSQL and verified. Operator actions
// are served on the admin HTTP API and, when Kafka is configured, on the
// command topic.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/credentials"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/poller"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/facility/soap"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/ack"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/audit"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/control"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/events"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/fetch"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/orchestrator"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/staging"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/internal/ingestion/trigger"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/claims-ingestion/pkg/redis"
)

// registryTTL bounds how long a downloaded file stays ackable.
const registryTTL = 24 * time.Hour

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion service",
		"port", cfg.Server.Port,
		"profile", cfg.Ingestion.Profile,
		"fetcher", cfg.Ingestion.Fetcher,
	)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, nil)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdownMetrics(shutdownCtx)
		}()
	}

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db))

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, using process-local registries", "error", err)
			rdb = nil
		} else {
			defer rdb.Close()
			checker.RegisterOptional("redis", health.PingCheck(rdb))
			slog.Info("connected to redis", "addr", cfg.Redis.Addr)
		}
	}
	registry := ack.NewRegistry(rdb, registryTTL)

	store := staging.New(cfg.Ingestion.Staging, cfg.Ingestion.LocalFS, m)
	go store.RunSweeper(ctx)

	wake := make(chan struct{}, 1)
	var fetcher fetch.Fetcher
	inbox := fetch.NewInbox()
	switch cfg.Ingestion.Fetcher {
	case "soap":
		fetcher = fetch.NewFacilityPollFetcher(inbox)
	default:
		local, err := fetch.NewLocalDirectoryFetcher(cfg.Ingestion.LocalFS.ReadyDir)
		if err != nil {
			slog.Error("failed to open ready dir", "error", err)
			os.Exit(1)
		}
		if cfg.Ingestion.LocalFS.Watch {
			go func() {
				if err := local.Watch(ctx, wake); err != nil {
					slog.Warn("ready dir watcher stopped", "error", err)
				}
			}()
		}
		fetcher = local
	}

	var coordinator *poller.Coordinator
	if cfg.Soap.Enabled {
		creds, err := credentials.NewProvider(cfg.Soap.Credentials.Key, cfg.Soap.Credentials.KeyVersion)
		if err != nil {
			slog.Error("failed to load credential key", "error", err)
			os.Exit(1)
		}
		coordinator = poller.New(poller.ConfigFrom(cfg.Soap), poller.Deps{
			Client:      soap.NewClient(cfg.Soap, nil, m),
			Facilities:  facility.NewRepository(db),
			Credentials: creds,
			Stager:      store,
			Sink:        inbox,
			Registry:    registry,
			Inflight:    poller.NewInflight(rdb, cfg.Soap.InflightTTL),
			Lock:        rdb,
			Health:      checker,
			Metrics:     m,
		})
		go coordinator.Run(ctx)
		slog.Info("facility poller started", "mode", cfg.Soap.Mode, "interval", cfg.Soap.PollInterval)
	}

	var acker ack.Acker = ack.NoopAcker{}
	if coordinator != nil {
		acker = ack.NewSoapAcker(registry, coordinator, cfg.Ingestion.Ack.Enabled, m)
	}
	pipe := pipeline.NewDefault(db, acker, m)

	opts := orchestrator.Options{
		Auditor: audit.NewRecorder(db),
		Metrics: m,
	}
	if cfg.Ingestion.LocalFS.Archive && cfg.Ingestion.Fetcher == "localfs" {
		opts.Archiver = store
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.FileProcessed)
		defer producer.Close()
		collector := events.NewCollector(producer, m, cfg.Ingestion.Events.BatchSize, cfg.Ingestion.Events.FlushInterval)
		collector.Start(ctx)
		defer collector.Close()
		opts.Events = collector
		slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.FileProcessed)
	}

	orch := orchestrator.New(orchestrator.Config{
		Profile:    cfg.Ingestion.Profile,
		Capacity:   cfg.Ingestion.Queue.Capacity,
		Workers:    cfg.Ingestion.Concurrency.Workers,
		BurstSize:  cfg.Ingestion.Concurrency.BurstSize,
		FixedDelay: cfg.Ingestion.Poll.FixedDelay,
	}, fetcher, pipe, opts)
	go orch.Run(ctx, wake)

	var poll control.Poller
	if coordinator != nil {
		poll = coordinator
	}
	ctrl := control.New(orch, poll, pipe)

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topics.Commands != "" {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Commands, trigger.HandleMessage(ctrl))
		defer consumer.Close()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("command consumer stopped", "error", err)
			}
		}()
		slog.Info("command consumer started", "topic", cfg.Kafka.Topics.Commands)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(handler.New(ctrl), checker, m, cfg.Server.WriteTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("ingestion service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}
