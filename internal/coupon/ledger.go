// Package coupon decides which coupon discounts a ride. Binding happens once
// at ride creation under row locks; every later read uses the bound coupon.
package coupon

import (
	"context"

	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/storage"
)

// Bind consumes the rider's priority coupon for rideID and returns it, or nil
// when the rider has none. firstRide selects the new-signup priority rule.
// The caller must hold the rider lock so the first-ride decision is stable.
func Bind(ctx context.Context, tx storage.Tx, userID, rideID string, firstRide bool) (*models.Coupon, error) {
	unused, err := tx.LockUnusedCoupons(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates(unused, firstRide) {
		ok, err := tx.BindCoupon(ctx, c.ID, rideID)
		if err != nil {
			return nil, err
		}
		if ok {
			id := rideID
			c.UsedBy = &id
			return &c, nil
		}
	}
	return nil, nil
}

// Discount is the discount of the coupon bound to rideID, or 0.
func Discount(ctx context.Context, tx storage.Tx, rideID string) (int, error) {
	c, err := tx.CouponForRide(ctx, rideID)
	if err != nil || c == nil {
		return 0, err
	}
	return c.Discount, nil
}

// Preview is the discount Bind would apply to the rider's next ride, without
// consuming anything.
func Preview(ctx context.Context, tx storage.Tx, userID string, firstRide bool) (int, error) {
	unused, err := tx.UnusedCoupons(ctx, userID)
	if err != nil {
		return 0, err
	}
	if c := candidates(unused, firstRide); len(c) > 0 {
		return c[0].Discount, nil
	}
	return 0, nil
}

// candidates orders unused coupons (already oldest first) by binding
// priority: on a first ride the new-signup coupon goes before the rest.
func candidates(unused []models.Coupon, firstRide bool) []models.Coupon {
	if !firstRide {
		return unused
	}
	out := make([]models.Coupon, 0, len(unused))
	for _, c := range unused {
		if c.Code == models.CouponNewSignup {
			out = append(out, c)
		}
	}
	for _, c := range unused {
		if c.Code != models.CouponNewSignup {
			out = append(out, c)
		}
	}
	return out
}
