package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/broker"
	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/notify"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/obs"
	"github.com/rl1809/stock-reservation/internal/port"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Log.Level, cfg.Log.Pretty)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := obs.InitTracing(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// Durable store
	dialect, err := storage.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return err
	}
	db, err := storage.OpenDB(ctx, dialect, cfg.Database.DSN, storage.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer closeDB(db, logger)
	logger.Info().Str("driver", string(dialect)).Msg("connected to database")

	store := storage.NewSQLStore(db, dialect)
	if cfg.Database.AutoMigrate {
		if err := store.RunMigrations(); err != nil {
			return err
		}
		logger.Info().Msg("migrations applied")
	}

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	counter := storage.NewRedisCounter(rdb)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.NewMetrics(registry)

	brokerOpts := brokerOptions(cfg.Broker)
	jobBroker := newBroker(cfg.Broker, brokerOpts, rdb, logger)

	notifier, closeNotifier := newNotifier(cfg.Kafka, logger)
	defer closeNotifier()

	if err := seed(ctx, store, cfg.Seed); err != nil {
		return err
	}

	orphanAfter := cfg.Reconcile.OrphanAfter
	if orphanAfter <= 0 {
		orphanAfter = brokerOpts.JobLifetime() + cfg.HTTP.RequestTimeout
	}
	inventory := service.NewInventoryService(store, counter, jobBroker, service.ReconcileConfig{
		OrphanAfter: orphanAfter,
	}, metrics, logger)
	if cfg.Reconcile.OnStartup {
		if err := inventory.Reconcile(ctx); err != nil {
			return fmt.Errorf("startup reconcile: %w", err)
		}
	}

	reservations := service.NewReservationService(counter, jobBroker, service.ReservationConfig{
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}, metrics, logger)

	worker := service.NewPersistenceWorker(jobBroker, store, counter, notifier, service.WorkerConfig{
		Count:      cfg.Worker.Count,
		JobTimeout: cfg.Worker.JobTimeout,
	}, metrics, logger)

	// Outer adapters
	httpHandler := handler.NewHTTPHandler(handler.HTTPDeps{
		Reserver:   reservations,
		Inventory:  inventory,
		Orders:     store,
		FailedJobs: jobBroker,
		Redis:      counter,
		Database:   store,
		Gatherer:   registry,
		Logger:     logger.With().Str("component", "http").Logger(),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpHandler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer, probe := handler.NewGRPCServer(map[string]handler.Pinger{
		"redis":    counter,
		"database": store,
	}, cfg.GRPC.ProbeInterval, logger)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.GRPC.Addr).Msg("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return worker.Run(workerCtx)
	})

	g.Go(func() error {
		return inventory.RunReconciler(gctx, cfg.Reconcile.Interval)
	})

	g.Go(func() error {
		return probe.Run(gctx)
	})

	// Shutdown: stop intake, then drain workers.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		logger.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info().Msg("gRPC server stopped")

		cancelWorkers()
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("workers stopped")

	if cerr := jobBroker.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("broker close failed")
	}

	return err
}

func brokerOptions(cfg config.BrokerConfig) broker.Options {
	return broker.Options{
		Retry: broker.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.MaxDelay,
		},
		VisibilityTimeout: cfg.VisibilityTimeout,
		FailedCap:         cfg.FailedCap,
	}
}

func newBroker(cfg config.BrokerConfig, opts broker.Options, rdb *redis.Client, logger zerolog.Logger) *broker.GuardedBroker {
	var inner port.JobBroker
	if cfg.Backend == "memory" {
		logger.Warn().Msg("using in-memory broker; queued jobs do not survive restarts")
		inner = broker.NewMemoryBroker(opts)
	} else {
		inner = broker.NewRedisBroker(rdb, cfg.Queue, opts, cfg.PollInterval)
	}

	return broker.NewGuardedBroker(inner, broker.BreakerSettings{
		ConsecutiveFailures: cfg.BreakerFailures,
		OpenTimeout:         cfg.BreakerTimeout,
	}, logger)
}

func newNotifier(cfg config.KafkaConfig, logger zerolog.Logger) (port.FailureNotifier, func()) {
	logNotifier := notify.NewLogNotifier(logger)
	if len(cfg.Brokers) == 0 {
		return logNotifier, func() {}
	}

	kafkaNotifier := notify.NewKafkaNotifier(notify.NewKafkaWriter(cfg.Brokers, cfg.DeadLetterTopic))
	logger.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.DeadLetterTopic).Msg("dead-letter publishing enabled")

	return notify.Multi{logNotifier, kafkaNotifier}, func() {
		if err := kafkaNotifier.Close(); err != nil {
			logger.Warn().Err(err).Msg("kafka writer close failed")
		}
	}
}

func seed(ctx context.Context, store port.CatalogStore, products []config.SeedProduct) error {
	for _, p := range products {
		product := domain.Product{ID: p.ID, Name: p.Name, Stock: p.Stock}
		if p.Price != "" {
			price, err := decimal.NewFromString(p.Price)
			if err != nil {
				return fmt.Errorf("seed %s: invalid price: %w", p.ID, err)
			}
			product.Price = decimal.NewNullDecimal(price)
		}
		if err := store.UpsertProduct(ctx, product); err != nil {
			return fmt.Errorf("seed %s: %w", p.ID, err)
		}
	}
	return nil
}

func closeDB(db *sql.DB, logger zerolog.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn().Err(err).Msg("database close failed")
	}
}
