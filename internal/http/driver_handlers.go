package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actorFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drivers.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type onlineRequest struct {
	Online bool `json:"online"`
}

func (s *Server) handleSetOnline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := selfOrAdmin(actorFrom(r.Context()), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	var in onlineRequest
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.drivers.SetOnline(r.Context(), id, in.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.ActiveRide(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ride == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleDriverSummary takes ?date=YYYY-MM-DD, default today in UTC.
func (s *Server) handleDriverSummary(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			s.writeError(w, r, errs.E(errs.Validation, "http.driverSummary", "date must be YYYY-MM-DD"))
			return
		}
		day = d
	}
	sum, err := s.rides.DriverSummary(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], day)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// handleDriverLocation takes a ping from the driver app. With a publisher
// configured the ping is queued (202); otherwise it is applied now (204).
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r.Context())
	if u.DriverID == "" && actor.Role == models.RoleDriver {
		u.DriverID = actor.ID
	}
	if err := selfOrAdmin(actor, u.DriverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), u); err != nil {
			s.logger.Warn("location publish failed, applying directly", "driver_id", u.DriverID, "error", err)
		} else {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}
	if err := s.drivers.UpdateLocation(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func selfOrAdmin(actor models.Actor, id string) error {
	if actor.Role == models.RoleAdmin || actor.ID == id {
		return nil
	}
	return errs.E(errs.Forbidden, "http.selfOrAdmin", "not allowed for another user")
}
