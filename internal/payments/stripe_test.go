package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/chair-dispatch/internal/apperr"
)

func TestIntentOutcome(t *testing.T) {
	cases := []struct {
		status stripe.PaymentIntentStatus
		ok     bool
	}{
		{stripe.PaymentIntentStatusSucceeded, true},
		{stripe.PaymentIntentStatusProcessing, true},
		{stripe.PaymentIntentStatusRequiresAction, false},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, false},
		{stripe.PaymentIntentStatusCanceled, false},
	}
	for _, c := range cases {
		err := intentOutcome(&stripe.PaymentIntent{ID: "pi_1", Status: c.status})
		if c.ok && err != nil {
			t.Errorf("%s: expected success, got %v", c.status, err)
		}
		if !c.ok && !errors.Is(err, apperr.ErrUpstream) {
			t.Errorf("%s: expected upstream failure, got %v", c.status, err)
		}
	}
}

// useStripeBackend points stripe-go at h for the rest of the test.
func useStripeBackend(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	stripe.SetBackend(stripe.APIBackend, backend)
	t.Cleanup(func() { stripe.SetBackend(stripe.APIBackend, nil) })
}

func TestStripeChargeSendsIdempotencyKey(t *testing.T) {
	useStripeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "ride-r1" {
			t.Errorf("expected idempotency key ride-r1, got %q", got)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("amount") != "1500" || r.PostForm.Get("payment_method") != "pm_card" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","status":"succeeded"}`))
	})
	g := NewStripeGateway("sk_test_dummy", "")
	if err := g.Charge(context.Background(), ChargeRequest{Token: "pm_card", Amount: 1500, RideID: "r1"}, nil); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestStripeChargeMapsFailuresToUpstream(t *testing.T) {
	for name, h := range map[string]http.HandlerFunc{
		"declined": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"type":"card_error","code":"card_declined","message":"declined"}}`))
		},
		"needs action": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"pi_2","object":"payment_intent","status":"requires_action"}`))
		},
	} {
		t.Run(name, func(t *testing.T) {
			useStripeBackend(t, h)
			err := NewStripeGateway("sk_test_dummy", "jpy").Charge(context.Background(), ChargeRequest{Token: "pm_card", Amount: 800, RideID: "r2"}, nil)
			if !errors.Is(err, apperr.ErrUpstream) {
				t.Fatalf("expected upstream failure, got %v", err)
			}
		})
	}
}
