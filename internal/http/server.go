package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/chair-dispatch/internal/matcher"
	"github.com/example/chair-dispatch/internal/notify"
	"github.com/example/chair-dispatch/internal/ride"
)

// Deps are the services the HTTP layer adapts. Ready, when set, backs
// /readyz and should check storage and cache connectivity.
type Deps struct {
	Rides   *ride.Service
	Matcher *matcher.Service
	Rider   *notify.Channel
	Chair   *notify.Channel
	Auth    Authenticator
	Ready   func(ctx context.Context) error
	Logger  *slog.Logger
}

type Server struct {
	rides   *ride.Service
	matcher *matcher.Service
	rider   *notify.Channel
	chair   *notify.Channel
	auth    Authenticator
	ready   func(ctx context.Context) error
	logger  *slog.Logger
	mux     *mux.Router

	// base outlives requests; streams derive from it so Close can end them.
	base context.Context
	stop context.CancelFunc
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:   d.Rides,
		matcher: d.Matcher,
		rider:   d.Rider,
		chair:   d.Chair,
		auth:    d.Auth,
		ready:   d.Ready,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	s.base, s.stop = context.WithCancel(context.Background())
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	app := s.mux.PathPrefix("/api/app").Subrouter()
	app.Use(s.userAuthMiddleware)
	app.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	app.HandleFunc("/rides", s.handleRideHistory).Methods("GET")
	app.HandleFunc("/rides/estimated-fare", s.handleEstimate).Methods("POST")
	app.HandleFunc("/rides/{ride_id}/evaluation", s.handleEvaluate).Methods("POST")
	app.HandleFunc("/notification", s.handleRiderNotification).Methods("GET")
	app.HandleFunc("/notification/ws", s.handleRiderStream).Methods("GET")
	app.HandleFunc("/nearby-chairs", s.handleNearbyChairs).Methods("GET")

	chair := s.mux.PathPrefix("/api/chair").Subrouter()
	chair.Use(s.chairAuthMiddleware)
	chair.HandleFunc("/activity", s.handleActivity).Methods("POST")
	chair.HandleFunc("/coordinate", s.handleCoordinate).Methods("POST")
	chair.HandleFunc("/rides/{ride_id}/status", s.handleRideStatus).Methods("POST")
	chair.HandleFunc("/notification", s.handleChairNotification).Methods("GET")
	chair.HandleFunc("/notification/ws", s.handleChairStream).Methods("GET")

	s.mux.HandleFunc("/api/internal/matching", s.handleMatching).Methods("GET")
}

// Close ends every open notification stream. Hijacked websocket connections
// are not tracked by http.Server, so register it with RegisterOnShutdown.
func (s *Server) Close() { s.stop() }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
