package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/chair-dispatch/internal/apperr"
)

// StripeGateway charges rides through a confirmed PaymentIntent. The stored
// payment token is used as the payment method and the ride id as the
// idempotency key, so resubmitted evaluations never double charge.
type StripeGateway struct {
	Currency string
}

// NewStripeGateway sets the stripe-go API key for the process.
func NewStripeGateway(apiKey, currency string) *StripeGateway {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyJPY)
	}
	return &StripeGateway{Currency: currency}
}

func (s *StripeGateway) Charge(ctx context.Context, req ChargeRequest, _ HistoryFunc) error {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(s.Currency),
		PaymentMethod: stripe.String(req.Token),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if req.RideID != "" {
		params.SetIdempotencyKey("ride-" + req.RideID)
		params.AddMetadata("ride_id", req.RideID)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return apperr.Upstream(err)
	}
	return intentOutcome(pi)
}

// intentOutcome accepts an intent that has been paid or is settling. Anything
// else, such as one waiting on customer action, fails the charge.
func intentOutcome(pi *stripe.PaymentIntent) error {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusProcessing:
		return nil
	default:
		return apperr.Upstream(fmt.Errorf("payment intent %s: %s", pi.ID, pi.Status))
	}
}
