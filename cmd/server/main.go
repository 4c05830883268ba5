package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"ossgateway/internal/platform/config"
	"ossgateway/internal/platform/httpserver"
	"ossgateway/internal/platform/logger"
	platformmetrics "ossgateway/internal/platform/metrics"
	"ossgateway/internal/platform/middleware"
	redisclient "ossgateway/internal/platform/redis"
	"ossgateway/internal/registry"
	registrymetrics "ossgateway/internal/registry/metrics"
	"ossgateway/internal/registry/retry"
	"ossgateway/internal/registry/transport"
	"ossgateway/internal/submission/events"
	"ossgateway/internal/submission/handler"
	"ossgateway/internal/submission/service"
	"ossgateway/internal/submission/store"
	"ossgateway/pkg/platform/circuit"
)

const shutdownTimeout = 10 * time.Second

// main wires the gateway: config, store, registry client, tracker, poller and
// the HTTP surface. Business logic lives in internal/submission.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	recordStore, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	regMetrics := registrymetrics.New(nil)
	breaker := circuit.New("registry",
		circuit.WithFailureThreshold(cfg.Registry.BreakerThreshold),
		circuit.WithResetTimeout(cfg.Registry.BreakerResetTimeout),
	)
	policy := retry.New(cfg.Registry.RetryAttempts, cfg.Registry.RetryDelay,
		retry.WithRetryHook(func(attempt int, delay time.Duration, _ error) {
			log.Debug("registry retry scheduled", "attempt", attempt, "delay", delay)
		}),
	)
	sender, err := transport.New(transport.Config{
		BaseURL:   cfg.Registry.BaseURL,
		Timeout:   cfg.Registry.Timeout,
		UserAgent: "ossgateway",
	})
	if err != nil {
		return fmt.Errorf("registry transport: %w", err)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.WithoutCancel(ctx)) }()

	client, err := registry.New(sender, breaker, policy,
		registry.WithLogger(log),
		registry.WithMetrics(regMetrics),
		registry.WithTracer(tp.Tracer("ossgateway/registry")),
		registry.WithLookupCache(cfg.Registry.LookupCacheTTL),
		registry.WithHealthTimeout(cfg.Registry.HealthTimeout),
	)
	if err != nil {
		return fmt.Errorf("registry client: %w", err)
	}

	publisher, err := buildPublisher(cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	tracker, err := service.New(recordStore, client,
		service.WithLogger(log),
		service.WithPublisher(publisher),
	)
	if err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	poller := service.NewPoller(tracker, cfg.Poller.Interval, cfg.Poller.BatchSize, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logger(log, platformmetrics.New(nil)))
	handler.New(tracker, log).Register(r)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httpserver.New(cfg.Addr, r)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting ossgateway", "addr", cfg.Addr, "store", cfg.Store.Driver, "registry", cfg.Registry.BaseURL)
		return httpserver.Run(gctx, srv, shutdownTimeout)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})
	return g.Wait()
}

type publisher interface {
	service.Publisher
	Close() error
}

func buildPublisher(cfg config.Server, log *slog.Logger) (publisher, error) {
	if len(cfg.Events.Brokers) == 0 {
		return events.NewLogPublisher(log), nil
	}
	p, err := events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	log.Info("publishing lifecycle events to kafka", "topic", cfg.Events.Topic)
	return p, nil
}

func buildStore(ctx context.Context, cfg config.Server, log *slog.Logger) (service.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := store.NewPostgres(db)
		if cfg.Store.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = db.Close()
				return nil, nil, err
			}
		}
		log.Info("using postgres store")
		return s, func() { _ = db.Close() }, nil
	case config.StoreRedis:
		client, err := redisclient.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using redis store")
		return store.NewRedis(client), func() { _ = client.Close() }, nil
	default:
		log.Info("using in-memory store")
		return store.NewInMemory(), func() {}, nil
	}
}
