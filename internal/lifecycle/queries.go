package lifecycle

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Get returns a ride the actor is allowed to see: admins see everything,
// riders their own rides, drivers their own rides and open requests.
func (s *Service) Get(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, ride) {
		return nil, errs.E(errs.Forbidden, "lifecycle.Get", "not your ride")
	}
	return ride, nil
}

func canView(actor models.Actor, r *models.Ride) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleRider:
		return r.RiderID == actor.ID
	case models.RoleDriver:
		return r.AssignedTo(actor.ID) || r.Status == models.StatusRequested
	}
	return false
}

// List scopes f to the actor before querying.
func (s *Service) List(ctx context.Context, actor models.Actor, f storage.RideFilter) ([]models.Ride, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, errs.E(errs.Validation, "lifecycle.List", "unknown status "+string(st))
		}
	}
	switch actor.Role {
	case models.RoleRider:
		f.RiderID = actor.ID
	case models.RoleDriver:
		f.DriverID = actor.ID
	case models.RoleAdmin:
	default:
		return nil, errs.E(errs.Forbidden, "lifecycle.List", "unknown role")
	}
	return s.store.ListRides(ctx, f)
}

// Available lists open requests oldest first, which is queue order.
func (s *Service) Available(ctx context.Context, actor models.Actor) ([]models.Ride, error) {
	if actor.Role != models.RoleDriver && actor.Role != models.RoleAdmin {
		return nil, errs.E(errs.Forbidden, "lifecycle.Available", "only drivers can browse requests")
	}
	return s.store.ListRides(ctx, storage.RideFilter{Statuses: []models.Status{models.StatusRequested}})
}

// QueuePosition reports where a pending ride sits. Rides that already left
// requested report InQueue=false.
func (s *Service) QueuePosition(ctx context.Context, actor models.Actor, rideID string) (models.QueueStatus, error) {
	ride, err := s.Get(ctx, actor, rideID)
	if err != nil {
		return models.QueueStatus{}, err
	}
	qs := models.QueueStatus{RideID: ride.ID, Status: ride.Status}
	online, err := s.drivers.OnlineDrivers(ctx)
	if err != nil {
		return qs, err
	}
	qs.OnlineDrivers = len(online)

	if ride.Status == models.StatusRequested {
		pos, ok, err := s.queue.Position(ctx, ride.ID)
		if err != nil {
			return qs, err
		}
		if !ok {
			// lost from the queue (e.g. Redis flushed); put it back where
			// its timestamp says it belongs
			waiting, err := s.enqueue(ctx, ride.ID, ride.CreatedAt)
			if err != nil {
				return qs, err
			}
			if !waiting {
				qs.Status = models.StatusAccepted
				if latest, err := s.store.GetRide(ctx, ride.ID); err == nil {
					qs.Status = latest.Status
				}
			} else if pos, ok, err = s.queue.Position(ctx, ride.ID); err != nil {
				return qs, err
			}
		}
		qs.InQueue, qs.Position = ok, pos
	}
	if qs.TotalWaiting, err = s.queue.Len(ctx); err != nil {
		return qs, err
	}
	return qs, nil
}

// ActiveRide is the driver's accepted or in-progress ride, or nil.
func (s *Service) ActiveRide(ctx context.Context, actor models.Actor, driverID string) (*models.Ride, error) {
	if err := selfOrAdmin("lifecycle.ActiveRide", actor, driverID); err != nil {
		return nil, err
	}
	rides, err := s.store.ListRides(ctx, storage.RideFilter{
		DriverID: driverID,
		Statuses: []models.Status{models.StatusAccepted, models.StatusInProgress},
		Limit:    1,
	})
	if err != nil || len(rides) == 0 {
		return nil, err
	}
	return &rides[0], nil
}

// DriverSummary totals the rides a driver completed on day (UTC).
func (s *Service) DriverSummary(ctx context.Context, actor models.Actor, driverID string, day time.Time) (models.EarningsSummary, error) {
	if err := selfOrAdmin("lifecycle.DriverSummary", actor, driverID); err != nil {
		return models.EarningsSummary{}, err
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	rides, err := s.store.ListRides(ctx, storage.RideFilter{
		DriverID:  driverID,
		Statuses:  []models.Status{models.StatusCompleted},
		EndedFrom: start,
		EndedTo:   start.AddDate(0, 0, 1),
	})
	if err != nil {
		return models.EarningsSummary{}, err
	}
	total := decimal.Zero
	for _, r := range rides {
		total = total.Add(r.EstimatedFare)
	}
	return models.EarningsSummary{
		DriverID:       driverID,
		Day:            start.Format("2006-01-02"),
		CompletedRides: len(rides),
		TotalEarnings:  total,
		Rides:          rides,
	}, nil
}

// Transactions lists a user's wallet ledger, newest first.
func (s *Service) Transactions(ctx context.Context, actor models.Actor, userID string) ([]models.Transaction, error) {
	if err := selfOrAdmin("lifecycle.Transactions", actor, userID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, userID)
}

func selfOrAdmin(op string, actor models.Actor, id string) error {
	if actor.Role == models.RoleAdmin || actor.ID == id {
		return nil
	}
	return errs.E(errs.Forbidden, op, "not allowed for another user")
}
