package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/chair-dispatch/internal/apperr"
	"github.com/example/chair-dispatch/internal/models"
)

func historyOf(n int) HistoryFunc {
	return func(context.Context) ([]models.Ride, error) {
		return make([]models.Ride, n), nil
	}
}

func newTestGateway(url string) *HTTPGateway {
	g := NewHTTPGateway(url, nil)
	g.RetryDelay = time.Millisecond
	return g
}

func TestChargeSucceedsOn204(t *testing.T) {
	var got paymentBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payments" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Idempotency-Key") != "r1" {
			t.Errorf("missing idempotency key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Charge(context.Background(), ChargeRequest{Token: "tok", Amount: 1500, RideID: "r1"}, historyOf(1))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got.Amount != 1500 {
		t.Fatalf("expected amount 1500, got %d", got.Amount)
	}
}

func TestChargeReconcilesAgainstHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusInternalServerError)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode([]map[string]int{{"amount": 500}, {"amount": 800}})
		}
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Charge(context.Background(), ChargeRequest{Token: "tok", Amount: 800}, historyOf(2))
	if err != nil {
		t.Fatalf("payment list matches history, expected success, got %v", err)
	}
}

func TestChargeRetriesThenFailsUpstream(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]int{})
	}))
	defer srv.Close()

	err := newTestGateway(srv.URL).Charge(context.Background(), ChargeRequest{Token: "tok", Amount: 800}, historyOf(1))
	if !errors.Is(err, apperr.ErrUpstream) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if posts.Load() != defaultAttempts {
		t.Fatalf("expected %d attempts, got %d", defaultAttempts, posts.Load())
	}
}

func TestChargeRecoversOnRetry(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if posts.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := newTestGateway(srv.URL).Charge(context.Background(), ChargeRequest{Token: "tok", Amount: 800}, historyOf(1)); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if posts.Load() != 3 {
		t.Fatalf("expected 3 posts, got %d", posts.Load())
	}
}
