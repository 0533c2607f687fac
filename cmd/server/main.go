package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/migrations"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("server", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store  storage.Store
		health []httpapi.Pinger
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			n, err := migrations.Up(ctx, db)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "count", n)
		}
		pg := storage.NewPostgresStore(db)
		store, health = pg, append(health, pg)
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var (
		index geo.Geo     = geo.NewIndex()
		rides queue.Queue = queue.NewMemory()
	)
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rc.Close()
		index = geo.NewRedisGeo(rc, cfg.Redis.GeoKey)
		rides = queue.NewRedis(rc, cfg.Redis.QueueKey)
		health = append(health, httpapi.PingFunc(func(ctx context.Context) error { return rc.Ping(ctx).Err() }))
	}

	ws := dispatch.NewWSRegistry()
	sinks := dispatch.Fanout{ws}
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		events := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer events.Close()
		sinks = append(sinks, events)

		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
		locations = producer
	}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.NotifyWebhookURL))
	}
	notifier := dispatch.NewNotifier(sinks, dispatch.NotifierOptions{
		Workers: cfg.NotifyWorkers,
		Buffer:  cfg.NotifyBuffer,
		Timeout: cfg.NotifyTimeout,
	}, logger)

	est := &eta.Estimator{Cache: eta.NewCache(time.Minute), DefaultSpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		est.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	drivers := registry.New(store, index, logger)
	engine := matcher.New(drivers, est, notifier, matcher.Config{RadiusKm: cfg.MatchRadiusKm, TopN: cfg.MatcherTopN}, logger)

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	svc := lifecycle.New(lifecycle.Deps{
		Store:      store,
		Queue:      rides,
		Drivers:    drivers,
		Dispatcher: engine,
		Publisher:  notifier,
		Payments:   gateway,
		Currency:   cfg.PaymentCurrency,
		Logger:     logger,
	})

	if n, err := drivers.Rebuild(ctx); err != nil {
		logger.Warn("geo index rebuild failed", "error", err)
	} else {
		logger.Info("geo index rebuilt", "drivers", n)
	}
	if n, err := svc.RestoreQueue(ctx); err != nil {
		logger.Warn("queue restore failed", "error", err)
	} else {
		logger.Info("queue restored", "rides", n)
	}
	go svc.RunRedispatcher(ctx, cfg.RedispatchInterval, cfg.RedispatchAfter)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Options{
			Rides:     svc,
			Drivers:   drivers,
			WS:        ws,
			Locations: locations,
			Health:    health,
			JWTSecret: []byte(cfg.JWTSecret),
			TokenTTL:  cfg.JWTTTL,
			Logger:    logger,
		}),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn("payment calls still running at exit", "error", err)
	}
	return notifier.Close(shutdownCtx)
}
