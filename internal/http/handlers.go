package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type registerResponse struct {
	Token  string         `json:"token"`
	Rider  *models.Rider  `json:"rider,omitempty"`
	Driver *models.Driver `json:"driver,omitempty"`
}

type riderSignup struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type driverSignup struct {
	Name          string             `json:"name"`
	Phone         string             `json:"phone"`
	VehicleType   models.VehicleType `json:"vehicle_type"`
	VehicleNumber string             `json:"vehicle_number"`
	Location      *models.Coord      `json:"location"`
}

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var in riderSignup
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rider, err := s.rides.RegisterRider(r.Context(), models.Rider{Name: in.Name, Email: in.Email, Phone: in.Phone})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := auth.Issue(models.Actor{ID: rider.ID, Role: models.RoleRider}, s.secret, s.tokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Token: token, Rider: rider})
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var in driverSignup
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	driver, err := s.drivers.Register(r.Context(), models.Driver{
		Name:          in.Name,
		Phone:         in.Phone,
		VehicleType:   in.VehicleType,
		VehicleNumber: in.VehicleNumber,
		Location:      in.Location,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := auth.Issue(models.Actor{ID: driver.ID, Role: models.RoleDriver}, s.secret, s.tokenTTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{Token: token, Driver: driver})
}

type fareRequest struct {
	Pickup      models.Coord       `json:"pickup"`
	Destination models.Coord       `json:"destination"`
	VehicleType models.VehicleType `json:"vehicle_type"`
}

func (s *Server) handleFareEstimate(w http.ResponseWriter, r *http.Request) {
	var in fareRequest
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := fare.Estimate(in.Pickup, in.Destination, in.VehicleType)
	if err != nil {
		s.writeError(w, r, errs.Wrap(errs.Validation, "http.fareEstimate", err))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type requestRideResponse struct {
	Ride     *models.Ride   `json:"ride"`
	Dispatch matcher.Result `json:"dispatch"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var in models.RideRequest
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, res, err := s.rides.Request(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestRideResponse{Ride: ride, Dispatch: res})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	f, err := rideFilterFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides, err := s.rides.List(r.Context(), actorFrom(r.Context()), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

// rideFilterFromQuery reads status (comma separated), driver_id, rider_id,
// from/to (RFC 3339, on created_at) and limit.
func rideFilterFromQuery(r *http.Request) (storage.RideFilter, error) {
	const op = "http.listRides"
	q := r.URL.Query()
	f := storage.RideFilter{DriverID: q.Get("driver_id"), RiderID: q.Get("rider_id")}
	if v := q.Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, models.Status(strings.TrimSpace(st)))
		}
	}
	var err error
	if f.CreatedFrom, err = parseTime(q.Get("from")); err != nil {
		return f, errs.Wrap(errs.Validation, op, err)
	}
	if f.CreatedTo, err = parseTime(q.Get("to")); err != nil {
		return f, errs.Wrap(errs.Validation, op, err)
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errs.E(errs.Validation, op, "limit must be a non-negative integer")
		}
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (s *Server) handleAvailableRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.rides.Available(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rides)
}

type rideFunc func(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error)

func (s *Server) rideAction(fn rideFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := fn(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

type statusRequest struct {
	Status models.Status `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var in statusRequest
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.UpdateStatus(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], in.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rateRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request) {
	var in rateRequest
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.rides.Rate(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], in.Rating, in.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	qs, err := s.rides.QueuePosition(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.rides.Transactions(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}
