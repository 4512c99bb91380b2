// Package notify delivers ride progress to the rider and to the chair. Each
// audience keeps its own delivery bookkeeping on the transition log, so both
// see every transition exactly once and in order without waiting on the other.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/chair-dispatch/internal/coupon"
	"github.com/example/chair-dispatch/internal/fare"
	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/observability"
	"github.com/example/chair-dispatch/internal/storage"
)

const DefaultRetryAfter = time.Second

// StatsSource is a cache of chair statistics. ok is false on a miss. Seed
// replaces a chair's entry with the given completed rides.
type StatsSource interface {
	ChairStats(ctx context.Context, chairID string) (models.ChairStats, bool, error)
	Seed(ctx context.Context, chairID string, completed []models.Ride) error
}

type ChairSummary struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Model string            `json:"model"`
	Stats models.ChairStats `json:"stats"`
}

type UserSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Payload struct {
	RideID      string            `json:"ride_id"`
	Pickup      models.Coord      `json:"pickup_coordinate"`
	Destination models.Coord      `json:"destination_coordinate"`
	Status      models.RideStatus `json:"status"`
	Fare        int               `json:"fare,omitempty"`
	Chair       *ChairSummary     `json:"chair,omitempty"`
	User        *UserSummary      `json:"user,omitempty"`
	CreatedAt   int64             `json:"created_at,omitempty"`
	UpdatedAt   int64             `json:"updated_at,omitempty"`
}

// Response is one poll result. Data is nil while the owner has no ride.
type Response struct {
	Data         *Payload `json:"data,omitempty"`
	RetryAfterMs int64    `json:"retry_after_ms"`
}

type Channel struct {
	store      storage.Store
	audience   models.Audience
	retryAfter time.Duration
	stats      StatsSource
	logger     *slog.Logger
}

// NewRiderChannel reports to riders. stats may be nil, in which case chair
// statistics are computed from storage.
func NewRiderChannel(store storage.Store, stats StatsSource, retryAfter time.Duration, logger *slog.Logger) *Channel {
	return newChannel(store, models.AudienceRider, stats, retryAfter, logger)
}

func NewChairChannel(store storage.Store, retryAfter time.Duration, logger *slog.Logger) *Channel {
	return newChannel(store, models.AudienceChair, nil, retryAfter, logger)
}

func newChannel(store storage.Store, audience models.Audience, stats StatsSource, retryAfter time.Duration, logger *slog.Logger) *Channel {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{store: store, audience: audience, retryAfter: retryAfter, stats: stats, logger: logger}
}

func (c *Channel) Audience() models.Audience { return c.audience }

// Poll reports the oldest transition the owner has not seen yet and marks it
// delivered, or the ride's current status when everything was delivered.
// ownerID is a user id for the rider channel and a chair id for the chair
// channel.
func (c *Channel) Poll(ctx context.Context, ownerID string) (Response, error) {
	res := Response{RetryAfterMs: c.retryAfter.Milliseconds()}
	var delivered *models.RideStatusTransition
	err := c.store.InTx(ctx, func(tx storage.Tx) error {
		latest, err := c.latestRide(ctx, tx, ownerID)
		if err != nil || latest == nil {
			return err
		}
		if err := tx.LockChannel(ctx, latest.ID, c.audience); err != nil {
			return err
		}
		// Re-read under the channel lock; the status may have moved meanwhile.
		r, err := tx.GetRide(ctx, latest.ID)
		if err != nil {
			return err
		}
		tr, err := tx.OldestUndelivered(ctx, r.ID, c.audience)
		if err != nil {
			return err
		}
		status := r.LatestStatus
		if tr != nil {
			status = tr.Status
		}
		payload := &Payload{RideID: r.ID, Pickup: r.Pickup, Destination: r.Destination, Status: status}
		if c.audience == models.AudienceChair {
			err = c.chairView(ctx, tx, r, payload)
		} else {
			err = c.riderView(ctx, tx, r, payload)
		}
		if err != nil {
			return err
		}
		if tr != nil {
			if err := tx.MarkDelivered(ctx, tr.ID, c.audience); err != nil {
				return err
			}
		}
		res.Data = payload
		delivered = tr
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	if delivered != nil {
		observability.NotificationsSent.WithLabelValues(string(c.audience)).Inc()
		c.logger.Debug("transition delivered", "audience", c.audience, "ride_id", delivered.RideID, "status", delivered.Status)
	}
	return res, nil
}

func (c *Channel) latestRide(ctx context.Context, tx storage.Tx, ownerID string) (*models.Ride, error) {
	if c.audience == models.AudienceChair {
		return tx.LatestRideByChair(ctx, ownerID)
	}
	return tx.LatestRideByUser(ctx, ownerID)
}

func (c *Channel) riderView(ctx context.Context, tx storage.Tx, r *models.Ride, p *Payload) error {
	discount, err := coupon.Discount(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	p.Fare = fare.Calculate(r.Pickup, r.Destination, discount)
	p.CreatedAt = r.CreatedAt.UnixMilli()
	p.UpdatedAt = r.UpdatedAt.UnixMilli()
	if r.ChairID == nil {
		return nil
	}
	chair, err := tx.GetChair(ctx, *r.ChairID)
	if err != nil {
		return err
	}
	st, err := c.chairStats(ctx, tx, chair.ID)
	if err != nil {
		return err
	}
	p.Chair = &ChairSummary{ID: chair.ID, Name: chair.Name, Model: chair.Model, Stats: st}
	return nil
}

// chairStats serves the cache only while it counts the same completed rides
// as storage. A miss or a drifted entry is recomputed and reseeded.
func (c *Channel) chairStats(ctx context.Context, tx storage.Tx, chairID string) (models.ChairStats, error) {
	if c.stats == nil {
		return tx.ChairStats(ctx, chairID)
	}
	count, err := tx.CompletedRideCount(ctx, chairID)
	if err != nil {
		return models.ChairStats{}, err
	}
	st, ok, err := c.stats.ChairStats(ctx, chairID)
	if err != nil {
		c.logger.Warn("chair stats cache unavailable", "chair_id", chairID, "err", err)
		return tx.ChairStats(ctx, chairID)
	}
	if ok && st.TotalRidesCount == count {
		return st, nil
	}
	completed, err := tx.CompletedRidesByChair(ctx, chairID)
	if err != nil {
		return models.ChairStats{}, err
	}
	if err := c.stats.Seed(ctx, chairID, completed); err != nil {
		c.logger.Warn("chair stats reseed failed", "chair_id", chairID, "err", err)
	} else if ok {
		c.logger.Info("chair stats cache reseeded", "chair_id", chairID, "cached_rides", st.TotalRidesCount, "rides", len(completed))
	}
	return models.StatsOf(completed), nil
}

func (c *Channel) chairView(ctx context.Context, tx storage.Tx, r *models.Ride, p *Payload) error {
	u, err := tx.GetUser(ctx, r.UserID)
	if err != nil {
		return err
	}
	p.User = &UserSummary{ID: u.ID, Name: u.DisplayName()}
	return nil
}

// Stream polls on the channel's retry interval and hands every response to
// sink until ctx ends or sink fails.
func (c *Channel) Stream(ctx context.Context, ownerID string, sink func(Response) error) error {
	ticker := time.NewTicker(c.retryAfter)
	defer ticker.Stop()
	for {
		res, err := c.Poll(ctx, ownerID)
		if err != nil {
			return err
		}
		if err := sink(res); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
