// Package lifecycle owns ride state. Every mutation goes through the table in
// machine.go and lands in the store as a conditional update; notifications
// and payment calls run only after the store has committed.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/validation"
)

// Dispatcher offers a freshly queued ride to drivers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ride *models.Ride) (matcher.Result, error)
}

type Drivers interface {
	OnlineDrivers(ctx context.Context) ([]models.Driver, error)
}

type Deps struct {
	Store      storage.Store
	Queue      queue.Queue
	Drivers    Drivers
	Dispatcher Dispatcher
	Publisher  dispatch.Publisher
	// Payments is optional; without it rides are settled only in the
	// driver wallet.
	Payments        payments.Gateway
	Currency        string
	ExternalTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type Service struct {
	store    storage.Store
	queue    queue.Queue
	drivers  Drivers
	engine   Dispatcher
	pub      dispatch.Publisher
	payments payments.Gateway
	currency string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
	// intent id -> "capture" or "cancel"; a hold is settled once
	settled sync.Map
}

func New(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		queue:    d.Queue,
		drivers:  d.Drivers,
		engine:   d.Dispatcher,
		pub:      d.Publisher,
		payments: d.Payments,
		currency: d.Currency,
		timeout:  d.ExternalTimeout,
		logger:   d.Logger,
		now:      d.Now,
	}
	if s.currency == "" {
		s.currency = "inr"
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Close waits for outstanding payment calls.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterRider creates a rider account.
func (s *Service) RegisterRider(ctx context.Context, r models.Rider) (*models.Rider, error) {
	const op = "lifecycle.RegisterRider"
	if err := validation.Struct(op, r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = s.clock()
	if err := s.store.CreateRider(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Request creates a ride in requested, queues it and sends offers. Queueing
// and dispatch problems are logged; the ride exists once the store accepts
// it and the re-dispatcher picks it up later.
func (s *Service) Request(ctx context.Context, actor models.Actor, req models.RideRequest) (*models.Ride, matcher.Result, error) {
	const op = "lifecycle.Request"
	var res matcher.Result
	switch actor.Role {
	case models.RoleRider:
		req.RiderID = actor.ID
	case models.RoleAdmin:
	default:
		return nil, res, errs.E(errs.Forbidden, op, "only riders can request rides")
	}
	if err := validation.Struct(op, req); err != nil {
		return nil, res, err
	}
	if _, err := s.store.GetRider(ctx, req.RiderID); err != nil {
		return nil, res, err
	}
	quote, err := fare.Estimate(req.Pickup, req.Destination, req.VehicleType)
	if err != nil {
		return nil, res, errs.Wrap(errs.Validation, op, err)
	}

	now := s.clock()
	ride := &models.Ride{
		ID:                 uuid.NewString(),
		RiderID:            req.RiderID,
		Pickup:             req.Pickup,
		Destination:        req.Destination,
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestinationAddress,
		VehicleType:        req.VehicleType,
		Status:             models.StatusRequested,
		EstimatedFare:      quote.Fare,
		DistanceKm:         quote.DistanceKm,
		DurationMinutes:    quote.DurationMinutes,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateRide(ctx, ride); err != nil {
		s.record("request", err)
		return nil, res, err
	}
	s.record("request", nil)
	s.logger.Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID, "fare", ride.EstimatedFare.StringFixed(2), "distance_km", ride.DistanceKm)

	waiting, err := s.enqueue(ctx, ride.ID, ride.CreatedAt)
	if err != nil {
		s.logger.Warn("enqueue failed", "ride_id", ride.ID, "error", err)
	}
	s.refreshQueueDepth(ctx)

	if waiting {
		if res, err = s.engine.Dispatch(ctx, ride); err != nil {
			s.logger.Warn("dispatch failed", "ride_id", ride.ID, "error", err)
		}
	} else {
		s.logger.Info("ride taken before dispatch", "ride_id", ride.ID)
	}

	if s.payments != nil {
		s.hold(ride.ID, ride.EstimatedFare)
	}
	return ride, res, nil
}

// enqueue puts a requested ride in the queue and takes it out again if the
// ride left requested meanwhile. Accept and Cancel remove after their store
// update, so whichever side runs second cleans up. It reports whether the
// ride is still waiting; on error it assumes it is.
func (s *Service) enqueue(ctx context.Context, rideID string, at time.Time) (bool, error) {
	if err := s.queue.Enqueue(ctx, rideID, at); err != nil {
		return true, err
	}
	latest, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return true, err
	}
	if latest.Status == models.StatusRequested {
		return true, nil
	}
	return false, s.queue.Remove(ctx, rideID)
}

// hold places the fare hold. The ride may finish or be cancelled before the
// provider answers, so the ride is read again once the intent is stored.
func (s *Service) hold(rideID string, amount decimal.Decimal) {
	s.external("hold", rideID, func(ctx context.Context) error {
		intentID, err := s.payments.Hold(ctx, amount, s.currency, rideID)
		if err != nil {
			return err
		}
		if err := s.store.SetPaymentIntent(ctx, rideID, intentID); err != nil {
			s.settle("cancel", rideID, intentID)
			return err
		}
		latest, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		switch latest.Status {
		case models.StatusCompleted:
			s.settle("capture", rideID, intentID)
		case models.StatusCancelled:
			s.settle("cancel", rideID, intentID)
		}
		return nil
	})
}

// settle captures or releases a hold, at most once per intent.
func (s *Service) settle(op, rideID, intentID string) {
	if _, done := s.settled.LoadOrStore(intentID, op); done {
		return
	}
	s.external(op, rideID, func(ctx context.Context) error {
		if op == "capture" {
			return s.payments.Capture(ctx, intentID)
		}
		return s.payments.Cancel(ctx, intentID)
	})
}

// Accept is first-accept-wins. Losers get AlreadyAssigned.
func (s *Service) Accept(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	const op = "lifecycle.Accept"
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := acceptable(op, ride); err != nil {
		return nil, s.fail(EventAccept, err)
	}
	if actor.Role != models.RoleDriver {
		return nil, s.fail(EventAccept, errs.E(errs.Forbidden, op, "only drivers can accept rides"))
	}
	driver, err := s.store.GetDriver(ctx, actor.ID)
	if err != nil {
		return nil, err
	}

	ok, err := s.store.AcceptRide(ctx, rideID, driver.ID, s.clock())
	if err != nil {
		return nil, s.fail(EventAccept, err)
	}
	if !ok {
		latest, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if err := acceptable(op, latest); err != nil {
			return nil, s.fail(EventAccept, err)
		}
		return nil, s.fail(EventAccept, errs.E(errs.InvalidTransition, op, "ride changed concurrently"))
	}
	s.record(string(EventAccept), nil)

	if err := s.queue.Remove(ctx, rideID); err != nil {
		s.logger.Warn("dequeue failed", "ride_id", rideID, "error", err)
	}
	s.refreshQueueDepth(ctx)

	ride, err = s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driver.ID)
	s.pub.SendTo(ride.RiderID, dispatch.Event{Type: dispatch.EventRideAccepted, RideID: rideID, Data: acceptedPayload{
		DriverID:      driver.ID,
		DriverName:    driver.Name,
		VehicleType:   driver.VehicleType,
		VehicleNumber: driver.VehicleNumber,
		DriverRating:  driver.Rating,
	}})
	return ride, nil
}

type acceptedPayload struct {
	DriverID      string             `json:"driver_id"`
	DriverName    string             `json:"driver_name"`
	VehicleType   models.VehicleType `json:"vehicle_type"`
	VehicleNumber string             `json:"vehicle_number"`
	DriverRating  float64            `json:"driver_rating"`
}

// acceptable reports AlreadyAssigned only for a ride another driver holds
// right now; every other state outside the table is InvalidTransition.
func acceptable(op string, r *models.Ride) error {
	if _, ok := Next(r.Status, EventAccept); ok && r.DriverID == nil {
		return nil
	}
	if r.Status == models.StatusAccepted {
		return errs.E(errs.AlreadyAssigned, op, "ride already taken")
	}
	return errs.E(errs.InvalidTransition, op, "cannot accept a "+string(r.Status)+" ride")
}

func (s *Service) Start(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := s.driverStep(ctx, actor, rideID, EventStart, s.store.StartRide)
	if err != nil {
		return nil, err
	}
	s.pub.SendTo(ride.RiderID, dispatch.Event{Type: dispatch.EventRideStarted, RideID: ride.ID})
	return ride, nil
}

// Complete settles the ride: the store credits the driver wallet and writes
// the ledger entry in the same unit as the status change.
func (s *Service) Complete(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := s.driverStep(ctx, actor, rideID, EventComplete, s.store.CompleteRide)
	if err != nil {
		return nil, err
	}
	s.pub.SendTo(ride.RiderID, dispatch.Event{Type: dispatch.EventRideCompleted, RideID: ride.ID, Data: map[string]any{
		"fare":        ride.EstimatedFare,
		"distance_km": ride.DistanceKm,
	}})
	if s.payments != nil && ride.PaymentIntentID != "" {
		s.settle("capture", ride.ID, ride.PaymentIntentID)
	}
	return ride, nil
}

type stepFunc func(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)

// driverStep runs a transition only the assigned driver may perform.
func (s *Service) driverStep(ctx context.Context, actor models.Actor, rideID string, ev Event, step stepFunc) (*models.Ride, error) {
	op := "lifecycle." + string(ev)
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := assignedGuard(op, ride, actor, ev); err != nil {
		return nil, s.fail(ev, err)
	}
	ok, err := step(ctx, rideID, actor.ID, s.clock())
	if err != nil {
		return nil, s.fail(ev, err)
	}
	if !ok {
		latest, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if err := assignedGuard(op, latest, actor, ev); err != nil {
			return nil, s.fail(ev, err)
		}
		return nil, s.fail(ev, errs.E(errs.InvalidTransition, op, "ride changed concurrently"))
	}
	s.record(string(ev), nil)
	ride, err = s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ride "+string(ride.Status), "ride_id", rideID, "driver_id", actor.ID)
	return ride, nil
}

func assignedGuard(op string, r *models.Ride, actor models.Actor, ev Event) error {
	if _, ok := Next(r.Status, ev); !ok {
		return errs.E(errs.InvalidTransition, op, "cannot "+string(ev)+" a "+string(r.Status)+" ride")
	}
	if r.DriverID == nil {
		return errs.E(errs.InvalidTransition, op, "ride has no assigned driver")
	}
	if !r.AssignedTo(actor.ID) {
		return errs.E(errs.Forbidden, op, "only the assigned driver can "+string(ev)+" this ride")
	}
	return nil
}

// Cancel is allowed to the ride's rider or an admin while the ride is
// requested or accepted.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	const op = "lifecycle.Cancel"
	var ride *models.Ride
	// A ride can move from requested to accepted under us; re-read and try
	// again against the new state.
	for attempt := 0; ; attempt++ {
		var err error
		ride, err = s.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if _, ok := Next(ride.Status, EventCancel); !ok {
			return nil, s.fail(EventCancel, errs.E(errs.InvalidTransition, op, "cannot cancel a "+string(ride.Status)+" ride"))
		}
		if actor.Role != models.RoleAdmin && !(actor.Role == models.RoleRider && actor.ID == ride.RiderID) {
			return nil, s.fail(EventCancel, errs.E(errs.Forbidden, op, "only the rider or an admin can cancel"))
		}
		ok, err := s.store.CancelRide(ctx, rideID, ride.Status, s.clock())
		if err != nil {
			return nil, s.fail(EventCancel, err)
		}
		if ok {
			break
		}
		if attempt == 2 {
			return nil, s.fail(EventCancel, errs.E(errs.InvalidTransition, op, "ride changed concurrently"))
		}
	}
	s.record(string(EventCancel), nil)

	if err := s.queue.Remove(ctx, rideID); err != nil {
		s.logger.Warn("dequeue failed", "ride_id", rideID, "error", err)
	}
	s.refreshQueueDepth(ctx)

	cancelled, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("ride cancelled", "ride_id", rideID, "by", actor.ID, "role", actor.Role)
	ev := dispatch.Event{Type: dispatch.EventRideCancelled, RideID: rideID, Data: map[string]string{"cancelled_by": string(actor.Role)}}
	if cancelled.DriverID != nil {
		s.pub.SendTo(*cancelled.DriverID, ev)
	}
	if actor.ID != cancelled.RiderID {
		s.pub.SendTo(cancelled.RiderID, ev)
	}
	if s.payments != nil && cancelled.PaymentIntentID != "" {
		s.settle("cancel", rideID, cancelled.PaymentIntentID)
	}
	return cancelled, nil
}

// Rate records the rider's 1-5 rating once and refreshes the driver average.
func (s *Service) Rate(ctx context.Context, actor models.Actor, rideID string, rating int, feedback string) (*models.Ride, error) {
	const op = "lifecycle.Rate"
	if err := validation.Var(op, "rating", rating, "gte=1,lte=5"); err != nil {
		return nil, s.fail(EventRate, err)
	}
	if err := validation.Var(op, "feedback", feedback, "max=1000"); err != nil {
		return nil, s.fail(EventRate, err)
	}
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := rateGuard(op, ride, actor); err != nil {
		return nil, s.fail(EventRate, err)
	}
	ok, err := s.store.RateRide(ctx, rideID, actor.ID, rating, feedback)
	if err != nil {
		return nil, s.fail(EventRate, err)
	}
	if !ok {
		latest, err := s.store.GetRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		if err := rateGuard(op, latest, actor); err != nil {
			return nil, s.fail(EventRate, err)
		}
		return nil, s.fail(EventRate, errs.E(errs.InvalidTransition, op, "ride changed concurrently"))
	}
	s.record(string(EventRate), nil)

	ride, err = s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != nil {
		s.pub.SendTo(*ride.DriverID, dispatch.Event{Type: dispatch.EventRideRated, RideID: rideID, Data: map[string]int{"rating": rating}})
	}
	return ride, nil
}

func rateGuard(op string, r *models.Ride, actor models.Actor) error {
	if _, ok := Next(r.Status, EventRate); !ok {
		return errs.E(errs.InvalidTransition, op, "only completed rides can be rated")
	}
	if r.Rating != nil {
		return errs.E(errs.InvalidTransition, op, "ride already rated")
	}
	if r.DriverID == nil {
		return errs.E(errs.InvalidTransition, op, "ride has no driver to rate")
	}
	if actor.Role != models.RoleRider || actor.ID != r.RiderID {
		return errs.E(errs.Forbidden, op, "only the ride's rider can rate it")
	}
	return nil
}

// UpdateStatus moves a ride to target by firing the matching event.
func (s *Service) UpdateStatus(ctx context.Context, actor models.Actor, rideID string, target models.Status) (*models.Ride, error) {
	const op = "lifecycle.UpdateStatus"
	if !target.Valid() {
		return nil, errs.E(errs.Validation, op, "unknown status "+string(target))
	}
	ev, ok := eventFor(target)
	if !ok {
		return nil, errs.E(errs.InvalidTransition, op, "a ride cannot return to "+string(target))
	}
	switch ev {
	case EventAccept:
		return s.Accept(ctx, actor, rideID)
	case EventStart:
		return s.Start(ctx, actor, rideID)
	case EventComplete:
		return s.Complete(ctx, actor, rideID)
	default:
		return s.Cancel(ctx, actor, rideID)
	}
}

// clock is microsecond precision so memory, Postgres and Redis agree on
// queue order.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s *Service) fail(ev Event, err error) error {
	s.record(string(ev), err)
	return err
}

func (s *Service) record(ev string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errs.KindOf(err).String()
	}
	observability.RideTransitions.WithLabelValues(ev, outcome).Inc()
}

func (s *Service) refreshQueueDepth(ctx context.Context) {
	if n, err := s.queue.Len(ctx); err == nil {
		observability.QueueDepth.Set(float64(n))
	}
}

// external runs a provider call off the request path with its own timeout.
func (s *Service) external(op, rideID string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			observability.PaymentErrors.WithLabelValues(op).Inc()
			s.logger.Warn("payment call failed", "op", op, "ride_id", rideID, "error", err)
		}
	}()
}
