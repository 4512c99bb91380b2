package storage

import (
	"context"
	"time"

	"github.com/example/chair-dispatch/internal/models"
)

// Store runs units of work atomically. Every core operation happens inside
// InTx; a non-nil error from fn rolls back all of its writes.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of reads and writes available inside one transaction.
// Lookups of a single missing row return apperr.ErrNotFound; "optional"
// lookups return nil, nil.
type Tx interface {
	RideStore
	TransitionStore
	ChairStore
	CouponStore
	UserStore
}

type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// LockRide reads a ride and holds an exclusive lock on it until the
	// transaction ends.
	LockRide(ctx context.Context, id string) (*models.Ride, error)
	// RidesByUser returns the rider's rides oldest first.
	RidesByUser(ctx context.Context, userID string) ([]models.Ride, error)
	// LatestRideByUser is the rider's most recently created ride, or nil.
	LatestRideByUser(ctx context.Context, userID string) (*models.Ride, error)
	// LatestRideByChair is the chair's most recently updated ride, or nil.
	LatestRideByChair(ctx context.Context, chairID string) (*models.Ride, error)
	// LockActiveRideByChair locks the chair's ride that is not COMPLETED, or
	// returns nil.
	LockActiveRideByChair(ctx context.Context, chairID string) (*models.Ride, error)
	// UnmatchedRides locks every ride without a chair, oldest first.
	UnmatchedRides(ctx context.Context) ([]models.Ride, error)
	// AssignChair binds chairID to a ride that has no chair yet. It reports
	// false when the ride already had one.
	AssignChair(ctx context.Context, rideID, chairID string) (bool, error)
	SetEvaluation(ctx context.Context, rideID string, evaluation int) error
}

type TransitionStore interface {
	// AppendTransition inserts a log row and moves the ride's latest_status
	// and updated_at to it.
	AppendTransition(ctx context.Context, rideID string, status models.RideStatus) (*models.RideStatusTransition, error)
	// LockChannel serializes deliveries of one ride to one audience until the
	// transaction ends. Other audiences are not blocked.
	LockChannel(ctx context.Context, rideID string, audience models.Audience) error
	// OldestUndelivered is the earliest transition not yet sent to audience,
	// or nil.
	OldestUndelivered(ctx context.Context, rideID string, audience models.Audience) (*models.RideStatusTransition, error)
	MarkDelivered(ctx context.Context, transitionID string, audience models.Audience) error
}

type ChairStore interface {
	GetChair(ctx context.Context, id string) (*models.Chair, error)
	ChairByToken(ctx context.Context, token string) (*models.Chair, error)
	SetChairActive(ctx context.Context, chairID string, active bool) error
	// RecordLocation appends to the location history and moves the chair,
	// adding the travelled distance to its total.
	RecordLocation(ctx context.Context, chairID string, c models.Coord) (*models.ChairLocation, error)
	// AvailableChairs lists active, located chairs without a ride in
	// progress, joined with their model speed, ordered by id.
	AvailableChairs(ctx context.Context) ([]models.AvailableChair, error)
	ChairStats(ctx context.Context, chairID string) (models.ChairStats, error)
	CompletedRideCount(ctx context.Context, chairID string) (int, error)
	// CompletedRidesByChair lists the chair's COMPLETED rides oldest first.
	CompletedRidesByChair(ctx context.Context, chairID string) ([]models.Ride, error)
}

type CouponStore interface {
	// LockUnusedCoupons locks the rider's unused coupons, oldest first.
	LockUnusedCoupons(ctx context.Context, userID string) ([]models.Coupon, error)
	UnusedCoupons(ctx context.Context, userID string) ([]models.Coupon, error)
	// BindCoupon sets used_by on an unused coupon. It reports false when the
	// coupon was already used.
	BindCoupon(ctx context.Context, couponID, rideID string) (bool, error)
	CouponForRide(ctx context.Context, rideID string) (*models.Coupon, error)
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	// LockUser serializes ride creation for one rider.
	LockUser(ctx context.Context, id string) (*models.User, error)
	UserByToken(ctx context.Context, token string) (*models.User, error)
	PaymentToken(ctx context.Context, userID string) (string, error)
	Now(ctx context.Context) (time.Time, error)
}
