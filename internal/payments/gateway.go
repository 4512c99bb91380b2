// Package payments charges riders for completed rides.
package payments

import (
	"context"

	"github.com/example/chair-dispatch/internal/models"
)

type ChargeRequest struct {
	Token  string
	Amount int
	// RideID doubles as the idempotency key of the charge.
	RideID string
}

// HistoryFunc returns the rider's full ride history, oldest first. Gateways
// use it to reconcile a charge whose outcome is unknown.
type HistoryFunc func(ctx context.Context) ([]models.Ride, error)

// Gateway charges a payment token. Any failure is reported as an
// apperr.ErrUpstream so the caller can leave the ride retryable.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest, history HistoryFunc) error
}
