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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/chair-dispatch/internal/config"
	"github.com/example/chair-dispatch/internal/events"
	"github.com/example/chair-dispatch/internal/logging"
	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/observability"
	"github.com/example/chair-dispatch/internal/stats"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid consumer config", "err", err)
		os.Exit(1)
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "consumer")
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	updater := stats.NewRedisStats(rc)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		ev, err := events.Decode(m.Value)
		if err != nil {
			observability.ConsumedEvents.WithLabelValues("invalid").Inc()
			logger.Warn("invalid event", "err", err, "offset", m.Offset)
			continue
		}
		result, err := handleEvent(ctx, updater, ev, cfg.MaxRetries, cfg.RetryBackoff)
		observability.ConsumedEvents.WithLabelValues(result).Inc()
		if err != nil {
			logger.Error("chair stats update failed", "ride_id", ev.RideID, "chair_id", ev.ChairID, "err", err)
		}
	}
}

// StatsUpdater folds a completed ride into a chair's cached statistics.
// Replays of the same ride are reported as not applied.
type StatsUpdater interface {
	RecordCompletion(ctx context.Context, chairID, rideID string, evaluation int) (bool, error)
}

// handleEvent applies ev and returns the metrics label for its outcome. Only
// COMPLETED transitions of an assigned ride change chair statistics.
func handleEvent(ctx context.Context, u StatsUpdater, ev models.TransitionEvent, attempts int, delay time.Duration) (string, error) {
	if ev.Status != models.StatusCompleted || ev.ChairID == "" {
		return "skipped", nil
	}
	applied, err := updateStatsWithRetry(ctx, u, ev, attempts, delay)
	switch {
	case err != nil:
		return "error", err
	case !applied:
		return "duplicate", nil
	default:
		return "applied", nil
	}
}

// updateStatsWithRetry retries RecordCompletion with doubling backoff.
func updateStatsWithRetry(ctx context.Context, u StatsUpdater, ev models.TransitionEvent, attempts int, delay time.Duration) (bool, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		applied, err := u.RecordCompletion(ctx, ev.ChairID, ev.RideID, ev.Evaluation)
		if err == nil {
			return applied, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false, errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return false, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
