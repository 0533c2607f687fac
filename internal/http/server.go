package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

// LocationPublisher hands a location ping to the async pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Rides   *lifecycle.Service
	Drivers *registry.Registry
	WS      *dispatch.WSRegistry
	// Locations is optional; without it pings are applied synchronously.
	Locations LocationPublisher
	Health    []Pinger
	JWTSecret []byte
	TokenTTL  time.Duration
	Logger    *slog.Logger
}

type Server struct {
	rides     *lifecycle.Service
	drivers   *registry.Registry
	ws        *dispatch.WSRegistry
	locations LocationPublisher
	health    []Pinger
	secret    []byte
	tokenTTL  time.Duration
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	s := &Server{
		rides:     opts.Rides,
		drivers:   opts.Drivers,
		ws:        opts.WS,
		locations: opts.Locations,
		health:    opts.Health,
		secret:    opts.JWTSecret,
		tokenTTL:  opts.TokenTTL,
		logger:    opts.Logger,
		mux:       mux.NewRouter(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	s.mux.HandleFunc("/api/v1/riders", s.handleRegisterRider).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers", s.handleRegisterDriver).Methods("POST")
	s.mux.HandleFunc("/api/v1/fare/estimate", s.handleFareEstimate).Methods("POST")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/driver/locations", s.handleDriverLocation).Methods("POST")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/available", s.handleAvailableRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.rideAction(s.rides.Accept)).Methods("POST")
	api.HandleFunc("/rides/{id}/start", s.rideAction(s.rides.Start)).Methods("POST")
	api.HandleFunc("/rides/{id}/complete", s.rideAction(s.rides.Complete)).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.rideAction(s.rides.Cancel)).Methods("POST")
	api.HandleFunc("/rides/{id}/status", s.handleUpdateStatus).Methods("PATCH")
	api.HandleFunc("/rides/{id}/rate", s.handleRateRide).Methods("POST")
	api.HandleFunc("/rides/{id}/queue", s.handleQueuePosition).Methods("GET")

	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods("GET")
	api.HandleFunc("/drivers/{id}/online", s.handleSetOnline).Methods("PUT")
	api.HandleFunc("/drivers/{id}/active-ride", s.handleActiveRide).Methods("GET")
	api.HandleFunc("/drivers/{id}/summary", s.handleDriverSummary).Methods("GET")
	api.HandleFunc("/users/{id}/transactions", s.handleTransactions).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, p := range s.health {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWS upgrades an authenticated client and keeps the session until it
// disconnects. Browsers cannot set headers on the upgrade, so the token may
// also come in the query string.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, err := s.actorFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "user_id", actor.ID, "error", err)
		return
	}
	s.logger.Info("websocket connected", "user_id", actor.ID, "role", actor.Role)
	s.ws.Serve(actor, conn)
	s.logger.Info("websocket disconnected", "user_id", actor.ID)
}

// PingFunc adapts a plain function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }
