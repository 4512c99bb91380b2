// Package ride owns the ride lifecycle: creation with coupon binding, chair
// reports that move a ride forward, and completion through payment.
package ride

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/chair-dispatch/internal/apperr"
	"github.com/example/chair-dispatch/internal/coupon"
	"github.com/example/chair-dispatch/internal/events"
	"github.com/example/chair-dispatch/internal/fare"
	"github.com/example/chair-dispatch/internal/geo"
	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/observability"
	"github.com/example/chair-dispatch/internal/payments"
	"github.com/example/chair-dispatch/internal/storage"
)

// DefaultNearbyDistance bounds NearbyChairs when the caller gives no distance.
const DefaultNearbyDistance = 50

type Service struct {
	store    storage.Store
	payments payments.Gateway
	events   events.Publisher
	logger   *slog.Logger
}

func NewService(store storage.Store, gateway payments.Gateway, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, payments: gateway, events: publisher, logger: logger}
}

type CreateCommand struct {
	UserID      string
	Pickup      models.Coord
	Destination models.Coord
}

type CreateResult struct {
	RideID string `json:"ride_id"`
	Fare   int    `json:"fare"`
}

// Create opens a ride in MATCHING and binds the rider's priority coupon to
// it. A rider has at most one ride that is not COMPLETED.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (CreateResult, error) {
	if cmd.UserID == "" {
		return CreateResult{}, apperr.Validation("user is required")
	}
	var (
		res     CreateResult
		emitted []models.TransitionEvent
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockUser(ctx, cmd.UserID); err != nil {
			return err
		}
		rides, err := tx.RidesByUser(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		for _, r := range rides {
			if !r.LatestStatus.Terminal() {
				return apperr.Conflict("ride already exists")
			}
		}

		r := &models.Ride{
			ID:           uuid.NewString(),
			UserID:       cmd.UserID,
			Pickup:       cmd.Pickup,
			Destination:  cmd.Destination,
			LatestStatus: models.StatusMatching,
		}
		if err := tx.CreateRide(ctx, r); err != nil {
			return err
		}
		tr, err := tx.AppendTransition(ctx, r.ID, models.StatusMatching)
		if err != nil {
			return err
		}
		bound, err := coupon.Bind(ctx, tx, cmd.UserID, r.ID, len(rides) == 0)
		if err != nil {
			return err
		}
		discount := 0
		if bound != nil {
			discount = bound.Discount
		}
		res = CreateResult{RideID: r.ID, Fare: fare.Calculate(r.Pickup, r.Destination, discount)}
		emitted = append(emitted, transitionEvent(r, tr))
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}
	s.logger.Info("ride created", "ride_id", res.RideID, "user_id", cmd.UserID, "fare", res.Fare)
	s.publish(ctx, emitted)
	return res, nil
}

type EstimateResult struct {
	Fare     int `json:"fare"`
	Discount int `json:"discount"`
}

// Estimate previews the fare of a ride the rider has not created yet.
func (s *Service) Estimate(ctx context.Context, userID string, pickup, destination models.Coord) (EstimateResult, error) {
	var res EstimateResult
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		rides, err := tx.RidesByUser(ctx, userID)
		if err != nil {
			return err
		}
		discount, err := coupon.Preview(ctx, tx, userID, len(rides) == 0)
		if err != nil {
			return err
		}
		res.Fare = fare.Calculate(pickup, destination, discount)
		res.Discount = fare.Undiscounted(pickup, destination) - res.Fare
		return nil
	})
	return res, err
}

// ReportCoordinate records where a chair is and infers PICKUP or ARRIVED when
// it stands exactly on the pickup or destination of its ride.
func (s *Service) ReportCoordinate(ctx context.Context, chairID string, c models.Coord) (models.ChairLocation, error) {
	var (
		loc     *models.ChairLocation
		emitted []models.TransitionEvent
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		if loc, err = tx.RecordLocation(ctx, chairID, c); err != nil {
			return err
		}
		r, err := tx.LockActiveRideByChair(ctx, chairID)
		if err != nil || r == nil {
			return err
		}
		var next models.RideStatus
		switch {
		case r.LatestStatus == models.StatusEnroute && c == r.Pickup:
			next = models.StatusPickup
		case r.LatestStatus == models.StatusCarrying && c == r.Destination:
			next = models.StatusArrived
		default:
			return nil
		}
		tr, err := tx.AppendTransition(ctx, r.ID, next)
		if err != nil {
			return err
		}
		emitted = append(emitted, transitionEvent(r, tr))
		return nil
	})
	if err != nil {
		return models.ChairLocation{}, err
	}
	s.publish(ctx, emitted)
	return *loc, nil
}

// ReportStatus applies a chair's explicit ENROUTE or CARRYING report.
func (s *Service) ReportStatus(ctx context.Context, chairID, rideID string, status models.RideStatus) error {
	if !chairReportable[status] {
		return apperr.Validation("invalid status %q", status)
	}
	var emitted []models.TransitionEvent
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.LockRide(ctx, rideID)
		if err != nil {
			return err
		}
		if !r.AssignedTo(chairID) {
			return apperr.Conflict("not assigned to this ride")
		}
		if !CanTransition(r.LatestStatus, status) {
			if status == models.StatusCarrying {
				return apperr.InvalidTransition("chair has not arrived yet")
			}
			return apperr.InvalidTransition("cannot move ride from %s to %s", r.LatestStatus, status)
		}
		tr, err := tx.AppendTransition(ctx, r.ID, status)
		if err != nil {
			return err
		}
		emitted = append(emitted, transitionEvent(r, tr))
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, emitted)
	return nil
}

func (s *Service) SetActivity(ctx context.Context, chairID string, active bool) error {
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.SetChairActive(ctx, chairID, active)
	})
	if err == nil {
		s.logger.Info("chair activity changed", "chair_id", chairID, "active", active)
	}
	return err
}

type EvaluateCommand struct {
	UserID     string
	RideID     string
	Evaluation int
}

// Evaluate records the rider's evaluation, completes the ride and charges the
// bound fare. A failed charge rolls everything back and leaves the ride
// ARRIVED so the evaluation can be resubmitted.
func (s *Service) Evaluate(ctx context.Context, cmd EvaluateCommand) (time.Time, error) {
	if cmd.Evaluation < 1 || cmd.Evaluation > 5 {
		return time.Time{}, apperr.Validation("evaluation must be between 1 and 5")
	}
	var (
		completedAt time.Time
		emitted     []models.TransitionEvent
	)
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		r, err := tx.LockRide(ctx, cmd.RideID)
		if err != nil {
			return err
		}
		if r.UserID != cmd.UserID {
			return apperr.NotFound("ride not found")
		}
		if r.LatestStatus != models.StatusArrived {
			return apperr.InvalidTransition("ride has not arrived yet")
		}
		token, err := tx.PaymentToken(ctx, r.UserID)
		if err != nil {
			return err
		}
		if err := tx.SetEvaluation(ctx, r.ID, cmd.Evaluation); err != nil {
			return err
		}
		tr, err := tx.AppendTransition(ctx, r.ID, models.StatusCompleted)
		if err != nil {
			return err
		}
		discount, err := coupon.Discount(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		req := payments.ChargeRequest{
			Token:  token,
			Amount: fare.Calculate(r.Pickup, r.Destination, discount),
			RideID: r.ID,
		}
		history := func(ctx context.Context) ([]models.Ride, error) { return tx.RidesByUser(ctx, r.UserID) }
		if err := s.payments.Charge(ctx, req, history); err != nil {
			observability.PaymentsTotal.WithLabelValues("failed").Inc()
			s.logger.Warn("payment failed", "ride_id", r.ID, "amount", req.Amount, "err", err)
			if apperr.Kind(err) == nil {
				err = apperr.Upstream(err)
			}
			return err
		}
		observability.PaymentsTotal.WithLabelValues("succeeded").Inc()

		r.Evaluation = &cmd.Evaluation
		completedAt = tr.CreatedAt
		emitted = append(emitted, transitionEvent(r, tr))
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.publish(ctx, emitted)
	return completedAt, nil
}

type HistoryChair struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner"`
	Name    string `json:"name"`
	Model   string `json:"model"`
}

type HistoryItem struct {
	Ride  models.Ride
	Fare  int
	Chair HistoryChair
}

// History lists the rider's completed rides, newest first, priced with the
// coupon bound at creation.
func (s *Service) History(ctx context.Context, userID string) ([]HistoryItem, error) {
	var items []HistoryItem
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		rides, err := tx.RidesByUser(ctx, userID)
		if err != nil {
			return err
		}
		for i := len(rides) - 1; i >= 0; i-- {
			r := rides[i]
			if r.LatestStatus != models.StatusCompleted || r.ChairID == nil {
				continue
			}
			chair, err := tx.GetChair(ctx, *r.ChairID)
			if err != nil {
				return err
			}
			discount, err := coupon.Discount(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			items = append(items, HistoryItem{
				Ride:  r,
				Fare:  fare.Calculate(r.Pickup, r.Destination, discount),
				Chair: HistoryChair{ID: chair.ID, OwnerID: chair.OwnerID, Name: chair.Name, Model: chair.Model},
			})
		}
		return nil
	})
	return items, err
}

type NearbyResult struct {
	Chairs      []models.AvailableChair
	RetrievedAt time.Time
}

// NearbyChairs lists the available chairs within distance of c.
func (s *Service) NearbyChairs(ctx context.Context, c models.Coord, distance int) (NearbyResult, error) {
	if distance < 0 {
		return NearbyResult{}, apperr.Validation("distance is invalid")
	}
	var res NearbyResult
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		chairs, err := tx.AvailableChairs(ctx)
		if err != nil {
			return err
		}
		res.Chairs = make([]models.AvailableChair, 0, len(chairs))
		for _, ch := range chairs {
			if geo.Within(c, ch.Location, distance) {
				res.Chairs = append(res.Chairs, ch)
			}
		}
		res.RetrievedAt, err = tx.Now(ctx)
		return err
	})
	return res, err
}

func transitionEvent(r *models.Ride, tr *models.RideStatusTransition) models.TransitionEvent {
	ev := models.TransitionEvent{RideID: r.ID, UserID: r.UserID, Status: tr.Status, At: tr.CreatedAt}
	if r.ChairID != nil {
		ev.ChairID = *r.ChairID
	}
	if r.Evaluation != nil {
		ev.Evaluation = *r.Evaluation
	}
	return ev
}

// publish hands committed transitions to the event stream. Failures are
// logged only; the transition log is authoritative.
func (s *Service) publish(ctx context.Context, evs []models.TransitionEvent) {
	for _, ev := range evs {
		observability.TransitionsTotal.WithLabelValues(string(ev.Status)).Inc()
		s.logger.Info("ride status changed", "ride_id", ev.RideID, "chair_id", ev.ChairID, "status", ev.Status)
		if err := s.events.PublishTransition(ctx, ev); err != nil {
			observability.EventsPublished.WithLabelValues("failed").Inc()
			s.logger.Warn("publish transition failed", "ride_id", ev.RideID, "status", ev.Status, "err", err)
			continue
		}
		observability.EventsPublished.WithLabelValues("ok").Inc()
	}
}
