package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/chair-dispatch/internal/apperr"
	"github.com/example/chair-dispatch/internal/matcher"
	"github.com/example/chair-dispatch/internal/models"
	"github.com/example/chair-dispatch/internal/ride"
)

type tripRequest struct {
	Pickup      *models.Coord `json:"pickup_coordinate"`
	Destination *models.Coord `json:"destination_coordinate"`
}

func (t tripRequest) validate() error {
	if t.Pickup == nil || t.Destination == nil {
		return apperr.Validation("required fields(pickup_coordinate, destination_coordinate) are empty")
	}
	return nil
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.Create(r.Context(), ride.CreateCommand{
		UserID:      userFromContext(r.Context()).ID,
		Pickup:      *req.Pickup,
		Destination: *req.Destination,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.rides.Estimate(r.Context(), userFromContext(r.Context()).ID, *req.Pickup, *req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Evaluation int `json:"evaluation"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	completedAt, err := s.rides.Evaluate(r.Context(), ride.EvaluateCommand{
		UserID:     userFromContext(r.Context()).ID,
		RideID:     mux.Vars(r)["ride_id"],
		Evaluation: req.Evaluation,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"completed_at": completedAt.UnixMilli()})
}

type historyItem struct {
	ID          string            `json:"id"`
	Pickup      models.Coord      `json:"pickup_coordinate"`
	Destination models.Coord      `json:"destination_coordinate"`
	Chair       ride.HistoryChair `json:"chair"`
	Fare        int               `json:"fare"`
	Evaluation  *int              `json:"evaluation"`
	RequestedAt int64             `json:"requested_at"`
	CompletedAt int64             `json:"completed_at"`
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.rides.History(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]historyItem, 0, len(items))
	for _, it := range items {
		out = append(out, historyItem{
			ID:          it.Ride.ID,
			Pickup:      it.Ride.Pickup,
			Destination: it.Ride.Destination,
			Chair:       it.Chair,
			Fare:        it.Fare,
			Evaluation:  it.Ride.Evaluation,
			RequestedAt: it.Ride.CreatedAt.UnixMilli(),
			CompletedAt: it.Ride.UpdatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": out})
}

type nearbyChair struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Model    string       `json:"model"`
	Location models.Coord `json:"current_coordinate"`
}

func (s *Server) handleNearbyChairs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("latitude") == "" || q.Get("longitude") == "" {
		s.writeError(w, r, apperr.Validation("latitude and longitude is empty"))
		return
	}
	lat, err := strconv.Atoi(q.Get("latitude"))
	if err != nil {
		s.writeError(w, r, apperr.Validation("latitude is invalid"))
		return
	}
	lon, err := strconv.Atoi(q.Get("longitude"))
	if err != nil {
		s.writeError(w, r, apperr.Validation("longitude is invalid"))
		return
	}
	distance := ride.DefaultNearbyDistance
	if v := q.Get("distance"); v != "" {
		if distance, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, apperr.Validation("distance is invalid"))
			return
		}
	}
	res, err := s.rides.NearbyChairs(r.Context(), models.Coord{Latitude: lat, Longitude: lon}, distance)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chairs := make([]nearbyChair, 0, len(res.Chairs))
	for _, c := range res.Chairs {
		chairs = append(chairs, nearbyChair{ID: c.ID, Name: c.Name, Model: c.Model, Location: c.Location})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chairs": chairs, "retrieved_at": res.RetrievedAt.UnixMilli()})
}

func (s *Server) handleRiderNotification(w http.ResponseWriter, r *http.Request) {
	res, err := s.rider.Poll(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IsActive == nil {
		s.writeError(w, r, apperr.Validation("is_active is required"))
		return
	}
	if err := s.rides.SetActivity(r.Context(), chairFromContext(r.Context()).ID, *req.IsActive); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCoordinate(w http.ResponseWriter, r *http.Request) {
	var req models.Coord
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := s.rides.ReportCoordinate(r.Context(), chairFromContext(r.Context()).ID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"recorded_at": loc.CreatedAt.UnixMilli()})
}

func (s *Server) handleRideStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.RideStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.rides.ReportStatus(r.Context(), chairFromContext(r.Context()).ID, mux.Vars(r)["ride_id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChairNotification(w http.ResponseWriter, r *http.Request) {
	res, err := s.chair.Poll(r.Context(), chairFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleMatching runs one dispatch batch. A batch already in flight is not an
// error for the external trigger.
func (s *Server) handleMatching(w http.ResponseWriter, r *http.Request) {
	if _, err := s.matcher.RunBatch(r.Context()); err != nil && !errors.Is(err, matcher.ErrBatchRunning) {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
