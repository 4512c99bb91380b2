// Package matcher pairs unmatched rides with available chairs in periodic,
// serialized batches.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/chair-dispatch/internal/eta"
	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/observability"
	"github.com/example/chair-dispatch/internal/storage"
)

// ErrBatchRunning is returned when another batch holds the dispatch lock.
var ErrBatchRunning = errors.New("dispatch batch already running")

type Assignment struct {
	RideID  string
	ChairID string
	ETA     float64
}

// Assign is the greedy matching step. Rides are taken in the given order and
// each gets the unclaimed chair with the lowest ETA; the first chair wins a
// tie. The batch stops at the first ride no chair can serve, leaving it and
// every later ride for the next batch.
func Assign(rides []models.Ride, chairs []models.AvailableChair) []Assignment {
	claimed := make(map[string]bool, len(chairs))
	var out []Assignment
	for _, r := range rides {
		var (
			best  Assignment
			found bool
		)
		for _, c := range chairs {
			if claimed[c.ID] {
				continue
			}
			est := eta.Estimate(c.Location, r.Pickup, r.Destination, c.Speed)
			if !found || est < best.ETA {
				best = Assignment{RideID: r.ID, ChairID: c.ID, ETA: est}
				found = true
			}
		}
		if !found {
			break
		}
		claimed[best.ChairID] = true
		out = append(out, best)
	}
	return out
}

type BatchResult struct {
	Unmatched   int
	Available   int
	Assignments []Assignment
}

type Service struct {
	Store  storage.Store
	Locker Locker
	Logger *slog.Logger

	mu sync.Mutex
}

func NewService(store storage.Store, locker Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Locker: locker, Logger: logger}
}

// RunBatch runs one dispatch batch in a single transaction. Batches never
// overlap: within the process through a mutex, across replicas through the
// Locker when one is configured.
func (s *Service) RunBatch(ctx context.Context) (BatchResult, error) {
	if !s.mu.TryLock() {
		observability.DispatchBatches.WithLabelValues("skipped").Inc()
		return BatchResult{}, ErrBatchRunning
	}
	defer s.mu.Unlock()

	if s.Locker != nil {
		unlock, ok, err := s.Locker.TryLock(ctx)
		if err != nil {
			observability.DispatchBatches.WithLabelValues("error").Inc()
			return BatchResult{}, err
		}
		if !ok {
			observability.DispatchBatches.WithLabelValues("skipped").Inc()
			return BatchResult{}, ErrBatchRunning
		}
		defer unlock()
	}

	start := time.Now()
	var res BatchResult
	err := s.Store.InTx(ctx, func(tx storage.Tx) error {
		rides, err := tx.UnmatchedRides(ctx)
		if err != nil {
			return err
		}
		res.Unmatched = len(rides)
		if len(rides) == 0 {
			return nil
		}
		chairs, err := tx.AvailableChairs(ctx)
		if err != nil {
			return err
		}
		res.Available = len(chairs)
		planned := Assign(rides, chairs)
		for _, a := range planned {
			ok, err := tx.AssignChair(ctx, a.RideID, a.ChairID)
			if err != nil {
				return err
			}
			if ok {
				res.Assignments = append(res.Assignments, a)
			}
		}
		return nil
	})
	observability.DispatchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.DispatchBatches.WithLabelValues("error").Inc()
		return BatchResult{}, err
	}
	observability.DispatchBatches.WithLabelValues("ok").Inc()
	observability.RidesMatched.Add(float64(len(res.Assignments)))
	observability.ChairsAvailable.Set(float64(res.Available))
	observability.RidesUnmatched.Set(float64(res.Unmatched - len(res.Assignments)))
	for _, a := range res.Assignments {
		s.Logger.Info("ride matched", "ride_id", a.RideID, "chair_id", a.ChairID, "eta", a.ETA)
	}
	return res, nil
}

// RunScheduler triggers a batch every interval until ctx ends. Failed batches
// are logged and retried wholesale on the next tick.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunBatch(ctx); err != nil && !errors.Is(err, ErrBatchRunning) && ctx.Err() == nil {
				s.Logger.Error("dispatch batch failed", "err", err)
			}
		}
	}
}
