package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/chair-dispatch/internal/config"
	"github.com/example/chair-dispatch/internal/events"
	httpapi "github.com/example/chair-dispatch/internal/http"
	"github.com/example/chair-dispatch/internal/logging"
	"github.com/example/chair-dispatch/internal/matcher"
	"github.com/example/chair-dispatch/internal/notify"
	"github.com/example/chair-dispatch/internal/payments"
	"github.com/example/chair-dispatch/internal/ride"
	"github.com/example/chair-dispatch/internal/stats"
	"github.com/example/chair-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid server config", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var checks []func(context.Context) error

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			applied, err := pg.Migrate(ctx, cfg.MigrationsDir)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		checks = append(checks, pg.Ping)
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var (
		locker    matcher.Locker
		chairStat notify.StatsSource
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		locker = matcher.NewRedisLocker(rc, cfg.DispatchLockKey, cfg.DispatchLockTTL)
		chairStat = stats.NewRedisStats(rc)
		checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeCurrency)
	} else {
		gateway = payments.NewHTTPGateway(cfg.PaymentGatewayURL, logging.Component(logger, "payments"))
	}

	rides := ride.NewService(store, gateway, publisher, logging.Component(logger, "ride"))
	dispatcher := matcher.NewService(store, locker, logging.Component(logger, "matcher"))
	notifyLogger := logging.Component(logger, "notify")

	srv := httpapi.NewServer(httpapi.Deps{
		Rides:   rides,
		Matcher: dispatcher,
		Rider:   notify.NewRiderChannel(store, chairStat, cfg.NotifyRetryAfter, notifyLogger),
		Chair:   notify.NewChairChannel(store, cfg.NotifyRetryAfter, notifyLogger),
		Auth:    httpapi.StoreAuth{Store: store},
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logging.Component(logger, "http"),
	})

	go dispatcher.RunScheduler(ctx, cfg.MatchInterval)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	httpServer.RegisterOnShutdown(srv.Close)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chair-dispatch listening", "addr", cfg.HTTPAddr, "match_interval", cfg.MatchInterval)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
