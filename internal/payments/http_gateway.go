package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/example/chair-dispatch/internal/apperr"
)

const (
	defaultAttempts   = 5
	defaultRetryDelay = 100 * time.Millisecond
)

// HTTPGateway talks to the marketplace payment gateway. A non-204 answer to
// POST /payments does not mean the charge was lost: the gateway is asked for
// its payment list, and the charge counts as done when that list lines up
// with the rider's ride history.
type HTTPGateway struct {
	BaseURL    string
	Client     *http.Client
	Attempts   int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

func NewHTTPGateway(baseURL string, logger *slog.Logger) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Client:     &http.Client{Timeout: 5 * time.Second},
		Attempts:   defaultAttempts,
		RetryDelay: defaultRetryDelay,
		Logger:     logger,
	}
}

type paymentBody struct {
	Amount int `json:"amount"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest, history HistoryFunc) error {
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return apperr.Upstream(ctx.Err())
			case <-time.After(g.RetryDelay):
			}
		}
		lastErr = g.attempt(ctx, req, history)
		if lastErr == nil {
			return nil
		}
		if g.Logger != nil {
			g.Logger.Warn("payment attempt failed", "ride_id", req.RideID, "attempt", i+1, "err", lastErr)
		}
	}
	return apperr.Upstream(fmt.Errorf("payment gateway: %d attempts: %w", attempts, lastErr))
}

func (g *HTTPGateway) attempt(ctx context.Context, req ChargeRequest, history HistoryFunc) error {
	body, err := json.Marshal(paymentBody{Amount: req.Amount})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	if req.RideID != "" {
		httpReq.Header.Set("Idempotency-Key", req.RideID)
	}
	res, err := g.client().Do(httpReq)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
	if res.StatusCode == http.StatusNoContent {
		return nil
	}
	return g.reconcile(ctx, req, history, res.StatusCode)
}

// reconcile decides whether a charge answered with postStatus went through.
func (g *HTTPGateway) reconcile(ctx context.Context, req ChargeRequest, history HistoryFunc, postStatus int) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"/payments", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	res, err := g.client().Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("POST /payments: status %d, GET /payments: status %d", postStatus, res.StatusCode)
	}
	var payments []json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&payments); err != nil {
		return fmt.Errorf("decode payments: %w", err)
	}
	if history == nil {
		return errors.New("no ride history to reconcile against")
	}
	rides, err := history(ctx)
	if err != nil {
		return err
	}
	if len(rides) != len(payments) {
		return fmt.Errorf("unexpected number of payments: %d != %d", len(rides), len(payments))
	}
	return nil
}

func (g *HTTPGateway) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return http.DefaultClient
}
