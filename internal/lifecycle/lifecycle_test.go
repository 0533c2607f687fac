package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	bengaluru = models.Coord{Lat: 12.9716, Lon: 77.5946}
	mysuru    = models.Coord{Lat: 12.2958, Lon: 76.6394}

	admin = models.Actor{ID: "ops", Role: models.RoleAdmin}
)

type sent struct {
	to string
	ev dispatch.Event
}

type recordingPublisher struct {
	mu        sync.Mutex
	sent      []sent
	broadcast []dispatch.Event
}

func (p *recordingPublisher) SendTo(id string, ev dispatch.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{to: id, ev: ev})
}

func (p *recordingPublisher) Broadcast(ev dispatch.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcast = append(p.broadcast, ev)
}

func (p *recordingPublisher) received(id string) []dispatch.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dispatch.EventType
	for _, s := range p.sent {
		if s.to == id {
			out = append(out, s.ev.Type)
		}
	}
	return out
}

type fakePayments struct {
	mu    sync.Mutex
	calls []string
	err   error
	// gate, when set, holds Hold until closed
	gate chan struct{}
}

func (f *fakePayments) Hold(_ context.Context, amount decimal.Decimal, currency, rideID string) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "hold:"+rideID+":"+amount.StringFixed(2)+":"+currency)
	return "pi_" + rideID, f.err
}

func (f *fakePayments) Capture(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "capture:"+intentID)
	return f.err
}

func (f *fakePayments) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePayments) Cancel(_ context.Context, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "cancel:"+intentID)
	return f.err
}

type harness struct {
	svc   *Service
	store *storage.MemoryStore
	queue *queue.Memory
	reg   *registry.Registry
	pub   *recordingPublisher
	pay   *fakePayments
	ctx   context.Context
	now   time.Time
	mu    sync.Mutex
}

// hookQueue runs beforeEnqueue ahead of every Enqueue.
type hookQueue struct {
	queue.Queue
	beforeEnqueue func(rideID string)
}

func (q *hookQueue) Enqueue(ctx context.Context, rideID string, at time.Time) error {
	if q.beforeEnqueue != nil {
		q.beforeEnqueue(rideID)
	}
	return q.Queue.Enqueue(ctx, rideID, at)
}

func newHarness(t *testing.T, wrap ...func(queue.Queue) queue.Queue) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMemoryStore(),
		queue: queue.NewMemory(),
		pub:   &recordingPublisher{},
		pay:   &fakePayments{},
		ctx:   context.Background(),
		now:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.reg = registry.New(h.store, geo.NewIndex(), nil)
	engine := matcher.New(h.reg, &eta.Estimator{DefaultSpeedMps: 10}, h.pub, matcher.Config{}, nil)
	var q queue.Queue = h.queue
	for _, w := range wrap {
		q = w(q)
	}
	h.svc = New(Deps{
		Store:      h.store,
		Queue:      q,
		Drivers:    h.reg,
		Dispatcher: engine,
		Publisher:  h.pub,
		Payments:   h.pay,
		Now:        h.clock,
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) rider(t *testing.T, id string) models.Actor {
	t.Helper()
	_, err := h.svc.RegisterRider(h.ctx, models.Rider{ID: id, Name: "Rider " + id})
	require.NoError(t, err)
	return models.Actor{ID: id, Role: models.RoleRider}
}

func (h *harness) driver(t *testing.T, id string, loc *models.Coord) models.Actor {
	t.Helper()
	_, err := h.reg.Register(h.ctx, models.Driver{ID: id, Name: "Driver " + id, VehicleType: models.VehicleEconomy, Location: loc, Online: true})
	require.NoError(t, err)
	return models.Actor{ID: id, Role: models.RoleDriver}
}

func (h *harness) request(t *testing.T, rider models.Actor) *models.Ride {
	t.Helper()
	ride, _, err := h.svc.Request(h.ctx, rider, models.RideRequest{
		Pickup: bengaluru, Destination: mysuru, VehicleType: models.VehicleEconomy,
		PickupAddress: "MG Road", DestinationAddress: "Mysuru Palace",
	})
	require.NoError(t, err)
	h.advance(time.Second)
	return ride
}

// rideIn drives a fresh ride into status st with driver d.
func (h *harness) rideIn(t *testing.T, st models.Status, rider, d models.Actor) *models.Ride {
	t.Helper()
	ride := h.request(t, rider)
	var err error
	steps := map[models.Status][]func() (*models.Ride, error){
		models.StatusRequested: nil,
		models.StatusAccepted:  {func() (*models.Ride, error) { return h.svc.Accept(h.ctx, d, ride.ID) }},
		models.StatusInProgress: {
			func() (*models.Ride, error) { return h.svc.Accept(h.ctx, d, ride.ID) },
			func() (*models.Ride, error) { return h.svc.Start(h.ctx, d, ride.ID) },
		},
		models.StatusCompleted: {
			func() (*models.Ride, error) { return h.svc.Accept(h.ctx, d, ride.ID) },
			func() (*models.Ride, error) { return h.svc.Start(h.ctx, d, ride.ID) },
			func() (*models.Ride, error) { return h.svc.Complete(h.ctx, d, ride.ID) },
		},
		models.StatusCancelled: {func() (*models.Ride, error) { return h.svc.Cancel(h.ctx, rider, ride.ID) }},
	}
	for _, step := range steps[st] {
		ride, err = step()
		require.NoError(t, err)
	}
	require.Equal(t, st, ride.Status)
	return ride
}

func TestRequestCreatesQueuedRideWithFare(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	h.driver(t, "near", &models.Coord{Lat: 12.972, Lon: 77.595})

	ride, res, err := h.svc.Request(h.ctx, rider, models.RideRequest{Pickup: bengaluru, Destination: mysuru, VehicleType: models.VehicleEconomy})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, ride.Status)
	assert.Nil(t, ride.DriverID)
	assert.Equal(t, "1330.17", ride.EstimatedFare.StringFixed(2))
	assert.Equal(t, 192, ride.DurationMinutes)
	assert.Equal(t, "r1", ride.RiderID)

	pos, ok, err := h.queue.Position(h.ctx, ride.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, pos)

	require.Len(t, res.Offers, 1)
	assert.Equal(t, "near", res.Offers[0].DriverID)
	assert.Equal(t, []dispatch.EventType{dispatch.EventNewRideRequest}, h.pub.received("near"))
}

func TestRequestBroadcastsWithoutNearbyDrivers(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	h.driver(t, "delhi", &models.Coord{Lat: 28.61, Lon: 77.21})

	_, res, err := h.svc.Request(h.ctx, rider, models.RideRequest{Pickup: bengaluru, Destination: mysuru, VehicleType: models.VehicleEconomy})
	require.NoError(t, err)
	assert.True(t, res.Broadcast)
	assert.Equal(t, 1, res.Notified)
	assert.Len(t, h.pub.broadcast, 1)
}

func TestRequestRejections(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)

	_, _, err := h.svc.Request(h.ctx, d, models.RideRequest{Pickup: bengaluru, Destination: mysuru, VehicleType: models.VehicleEconomy})
	assert.True(t, errs.Is(err, errs.Forbidden))

	_, _, err = h.svc.Request(h.ctx, rider, models.RideRequest{Pickup: models.Coord{Lat: 91}, Destination: mysuru, VehicleType: models.VehicleEconomy})
	assert.True(t, errs.Is(err, errs.Validation))

	_, _, err = h.svc.Request(h.ctx, rider, models.RideRequest{Pickup: bengaluru, Destination: mysuru, VehicleType: "rickshaw"})
	assert.True(t, errs.Is(err, errs.Validation))

	ghost := models.Actor{ID: "ghost", Role: models.RoleRider}
	_, _, err = h.svc.Request(h.ctx, ghost, models.RideRequest{Pickup: bengaluru, Destination: mysuru, VehicleType: models.VehicleEconomy})
	assert.True(t, errs.Is(err, errs.NotFound))

	n, err := h.queue.Len(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentAcceptHasExactlyOneWinner(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	ride := h.request(t, rider)

	const n = 10
	drivers := make([]models.Actor, n)
	for i := range drivers {
		drivers[i] = h.driver(t, fmt.Sprintf("d%d", i), nil)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []string
		assigned int
	)
	start := make(chan struct{})
	for _, d := range drivers {
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.svc.Accept(h.ctx, d, ride.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, d.ID)
			case errs.Is(err, errs.AlreadyAssigned):
				assigned++
			default:
				t.Errorf("unexpected error for %s: %v", d.ID, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, assigned)

	got, err := h.svc.Get(h.ctx, admin, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	require.NotNil(t, got.DriverID)
	assert.Equal(t, winners[0], *got.DriverID)

	_, ok, err := h.queue.Position(h.ctx, ride.ID)
	require.NoError(t, err)
	assert.False(t, ok, "accepted ride leaves the queue")
	assert.Contains(t, h.pub.received("r1"), dispatch.EventRideAccepted)
}

func TestIllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	for _, st := range models.Statuses {
		for _, ev := range Events {
			if _, ok := Next(st, ev); ok {
				continue
			}
			t.Run(string(st)+"/"+string(ev), func(t *testing.T) {
				h := newHarness(t)
				rider := h.rider(t, "r1")
				d := h.driver(t, "d1", nil)
				ride := h.rideIn(t, st, rider, d)

				var err error
				switch ev {
				case EventAccept:
					_, err = h.svc.Accept(h.ctx, h.driver(t, "d2", nil), ride.ID)
				case EventStart:
					_, err = h.svc.Start(h.ctx, d, ride.ID)
				case EventComplete:
					_, err = h.svc.Complete(h.ctx, d, ride.ID)
				case EventCancel:
					_, err = h.svc.Cancel(h.ctx, rider, ride.ID)
				case EventRate:
					_, err = h.svc.Rate(h.ctx, rider, ride.ID, 4, "")
				}
				require.Error(t, err)
				want := errs.InvalidTransition
				if st == models.StatusAccepted && ev == EventAccept {
					want = errs.AlreadyAssigned
				}
				assert.Equal(t, want, errs.KindOf(err), "got %v", err)

				after, err := h.store.GetRide(h.ctx, ride.ID)
				require.NoError(t, err)
				assert.Equal(t, st, after.Status)
				assert.Equal(t, ride.DriverID, after.DriverID)
			})
		}
	}
}

func TestRatingCompletedRideTwiceIsRefused(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)
	ride := h.rideIn(t, models.StatusCompleted, rider, d)

	_, err := h.svc.Rate(h.ctx, rider, ride.ID, 5, "great")
	require.NoError(t, err)
	_, err = h.svc.Rate(h.ctx, rider, ride.ID, 1, "")
	assert.True(t, errs.Is(err, errs.InvalidTransition))

	got, err := h.store.GetRide(h.ctx, ride.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 5, *got.Rating)
	assert.Contains(t, h.pub.received("d1"), dispatch.EventRideRated)
}

func TestDriverRatingIsMeanOfRatedRides(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)

	drv, err := h.reg.Get(h.ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultDriverRating, drv.Rating)

	for _, v := range []int{5, 3, 4, 2} {
		ride := h.rideIn(t, models.StatusCompleted, rider, d)
		_, err := h.svc.Rate(h.ctx, rider, ride.ID, v, "")
		require.NoError(t, err)
	}
	// an unrated completed ride does not count
	h.rideIn(t, models.StatusCompleted, rider, d)

	drv, err = h.reg.Get(h.ctx, "d1")
	require.NoError(t, err)
	assert.InDelta(t, 3.5, drv.Rating, 1e-9)
}

func TestRateValidationAndPermissions(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	other := h.rider(t, "r2")
	d := h.driver(t, "d1", nil)
	ride := h.rideIn(t, models.StatusCompleted, rider, d)

	_, err := h.svc.Rate(h.ctx, rider, ride.ID, 6, "")
	assert.True(t, errs.Is(err, errs.Validation))
	_, err = h.svc.Rate(h.ctx, rider, ride.ID, 0, "")
	assert.True(t, errs.Is(err, errs.Validation))
	_, err = h.svc.Rate(h.ctx, other, ride.ID, 3, "")
	assert.True(t, errs.Is(err, errs.Forbidden))
	_, err = h.svc.Rate(h.ctx, d, ride.ID, 3, "")
	assert.True(t, errs.Is(err, errs.Forbidden))
}

func TestStartAndCompleteOnlyByAssignedDriver(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)
	intruder := h.driver(t, "d2", nil)
	ride := h.rideIn(t, models.StatusAccepted, rider, d)

	_, err := h.svc.Start(h.ctx, intruder, ride.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))

	ride, err = h.svc.Start(h.ctx, d, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, ride.Status)
	assert.NotNil(t, ride.StartedAt)

	_, err = h.svc.Complete(h.ctx, intruder, ride.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))

	ride, err = h.svc.Complete(h.ctx, d, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, ride.Status)

	drv, err := h.reg.Get(h.ctx, "d1")
	require.NoError(t, err)
	assert.True(t, drv.Available)
	assert.True(t, drv.WalletBalance.Equal(ride.EstimatedFare))
	assert.Equal(t, []dispatch.EventType{
		dispatch.EventRideAccepted, dispatch.EventRideStarted, dispatch.EventRideCompleted,
	}, h.pub.received("r1"))
}

func TestCompleteWithoutDriverIsInvalid(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)
	ride := h.request(t, rider)

	// force an inconsistent row: in progress with nobody assigned
	broken := *ride
	broken.ID = "broken"
	broken.Status = models.StatusInProgress
	require.NoError(t, h.store.CreateRide(h.ctx, &broken))

	_, err := h.svc.Complete(h.ctx, d, "broken")
	assert.True(t, errs.Is(err, errs.InvalidTransition))
}

func TestCancelPermissions(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	other := h.rider(t, "r2")
	d := h.driver(t, "d1", nil)

	ride := h.request(t, rider)
	_, err := h.svc.Cancel(h.ctx, other, ride.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))
	_, err = h.svc.Cancel(h.ctx, d, ride.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))

	got, err := h.svc.Cancel(h.ctx, rider, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
	n, err := h.queue.Len(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	accepted := h.rideIn(t, models.StatusAccepted, rider, d)
	_, err = h.svc.Cancel(h.ctx, admin, accepted.ID)
	require.NoError(t, err)
	assert.Contains(t, h.pub.received("d1"), dispatch.EventRideCancelled)
	assert.Contains(t, h.pub.received("r1"), dispatch.EventRideCancelled)

	drv, err := h.reg.Get(h.ctx, "d1")
	require.NoError(t, err)
	assert.True(t, drv.Available)
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)
	ride := h.request(t, rider)

	for _, target := range []models.Status{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted} {
		got, err := h.svc.UpdateStatus(h.ctx, d, ride.ID, target)
		require.NoError(t, err)
		assert.Equal(t, target, got.Status)
	}

	_, err := h.svc.UpdateStatus(h.ctx, d, ride.ID, models.StatusRequested)
	assert.True(t, errs.Is(err, errs.InvalidTransition))
	_, err = h.svc.UpdateStatus(h.ctx, d, ride.ID, "teleported")
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestAcceptByNonDriverIsForbidden(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	ride := h.request(t, rider)

	_, err := h.svc.Accept(h.ctx, rider, ride.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))
	_, err = h.svc.Accept(h.ctx, models.Actor{ID: "ghost", Role: models.RoleDriver}, ride.ID)
	assert.True(t, errs.Is(err, errs.NotFound))
	_, err = h.svc.Accept(h.ctx, rider, "missing")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestAcceptOutsideTheTableIsInvalidForAnyRole(t *testing.T) {
	for _, st := range []models.Status{models.StatusInProgress, models.StatusCompleted, models.StatusCancelled} {
		t.Run(string(st), func(t *testing.T) {
			h := newHarness(t)
			rider := h.rider(t, "r1")
			d := h.driver(t, "d1", nil)
			ride := h.rideIn(t, st, rider, d)

			for _, actor := range []models.Actor{d, h.driver(t, "d2", nil), admin, rider} {
				_, err := h.svc.Accept(h.ctx, actor, ride.ID)
				assert.True(t, errs.Is(err, errs.InvalidTransition), "%s: %v", actor.Role, err)
			}
		})
	}
}

func TestPaymentsFollowTheRide(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)

	done := h.request(t, rider)
	require.NoError(t, h.svc.Close(h.ctx))
	_, err := h.svc.Accept(h.ctx, d, done.ID)
	require.NoError(t, err)
	_, err = h.svc.Start(h.ctx, d, done.ID)
	require.NoError(t, err)
	_, err = h.svc.Complete(h.ctx, d, done.ID)
	require.NoError(t, err)

	dropped := h.request(t, rider)
	require.NoError(t, h.svc.Close(h.ctx))
	_, err = h.svc.Cancel(h.ctx, rider, dropped.ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.Close(h.ctx))

	assert.ElementsMatch(t, []string{
		"hold:" + done.ID + ":1330.17:inr",
		"capture:pi_" + done.ID,
		"hold:" + dropped.ID + ":1330.17:inr",
		"cancel:pi_" + dropped.ID,
	}, h.pay.calls)
}

func TestLateHoldIsSettledByTheRideOutcome(t *testing.T) {
	h := newHarness(t)
	h.pay.gate = make(chan struct{})
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)

	dropped := h.request(t, rider)
	_, err := h.svc.Cancel(h.ctx, rider, dropped.ID)
	require.NoError(t, err)

	done := h.request(t, rider)
	for _, step := range []func(context.Context, models.Actor, string) (*models.Ride, error){
		h.svc.Accept, h.svc.Start, h.svc.Complete,
	} {
		_, err := step(h.ctx, d, done.ID)
		require.NoError(t, err)
	}
	assert.Empty(t, h.pay.recorded(), "holds are still pending")

	close(h.pay.gate)
	require.NoError(t, h.svc.Close(h.ctx))

	assert.ElementsMatch(t, []string{
		"hold:" + dropped.ID + ":1330.17:inr",
		"cancel:pi_" + dropped.ID,
		"hold:" + done.ID + ":1330.17:inr",
		"capture:pi_" + done.ID,
	}, h.pay.recorded())
}

func TestPaymentFailureDoesNotFailTheRide(t *testing.T) {
	h := newHarness(t)
	h.pay.err = errors.New("card declined")
	rider := h.rider(t, "r1")

	ride := h.request(t, rider)
	require.NoError(t, h.svc.Close(h.ctx))
	got, err := h.store.GetRide(h.ctx, ride.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, got.Status)
	assert.Empty(t, got.PaymentIntentID)
}

func TestQueuePosition(t *testing.T) {
	h := newHarness(t)
	r1 := h.rider(t, "r1")
	r2 := h.rider(t, "r2")
	d := h.driver(t, "d1", nil)

	first := h.request(t, r1)
	second := h.request(t, r2)

	qs, err := h.svc.QueuePosition(h.ctx, r2, second.ID)
	require.NoError(t, err)
	assert.True(t, qs.InQueue)
	assert.Equal(t, 2, qs.Position)
	assert.Equal(t, 2, qs.TotalWaiting)
	assert.Equal(t, 1, qs.OnlineDrivers)

	_, err = h.svc.Accept(h.ctx, d, first.ID)
	require.NoError(t, err)
	qs, err = h.svc.QueuePosition(h.ctx, r2, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, qs.Position)

	qs, err = h.svc.QueuePosition(h.ctx, r1, first.ID)
	require.NoError(t, err)
	assert.False(t, qs.InQueue)
	assert.Equal(t, models.StatusAccepted, qs.Status)

	_, err = h.svc.QueuePosition(h.ctx, r1, second.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))

	// a ride lost from the queue is put back on lookup
	require.NoError(t, h.queue.Remove(h.ctx, second.ID))
	qs, err = h.svc.QueuePosition(h.ctx, r2, second.ID)
	require.NoError(t, err)
	assert.True(t, qs.InQueue)
	assert.Equal(t, 1, qs.Position)
}

func TestRideTakenBeforeQueueingLeavesNoEntry(t *testing.T) {
	var (
		h *harness
		// grabber, when set, accepts the next ride just before it is queued
		grabber *models.Actor
	)
	h = newHarness(t, func(q queue.Queue) queue.Queue {
		return &hookQueue{Queue: q, beforeEnqueue: func(rideID string) {
			if grabber == nil {
				return
			}
			d := *grabber
			grabber = nil
			_, err := h.svc.Accept(h.ctx, d, rideID)
			require.NoError(t, err)
		}}
	})
	r1 := h.rider(t, "r1")
	r2 := h.rider(t, "r2")
	d1 := h.driver(t, "d1", nil)
	d2 := h.driver(t, "d2", nil)

	grabber = &d1
	taken := h.request(t, r1)
	waiting := h.request(t, r2)

	got, err := h.store.GetRide(h.ctx, taken.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	_, ok, err := h.queue.Position(h.ctx, taken.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, h.pub.broadcast, 1, "only the waiting ride is offered")

	qs, err := h.svc.QueuePosition(h.ctx, r2, waiting.ID)
	require.NoError(t, err)
	assert.True(t, qs.InQueue)
	assert.Equal(t, 1, qs.Position)
	assert.Equal(t, 1, qs.TotalWaiting)

	// lost from the queue and taken while QueuePosition puts it back
	require.NoError(t, h.queue.Remove(h.ctx, waiting.ID))
	grabber = &d2
	qs, err = h.svc.QueuePosition(h.ctx, r2, waiting.ID)
	require.NoError(t, err)
	assert.False(t, qs.InQueue)
	assert.Equal(t, models.StatusAccepted, qs.Status)
	assert.Equal(t, 0, qs.TotalWaiting)
}

func TestQueriesAreScopedByRole(t *testing.T) {
	h := newHarness(t)
	r1 := h.rider(t, "r1")
	r2 := h.rider(t, "r2")
	d := h.driver(t, "d1", nil)
	other := h.driver(t, "d2", nil)

	mine := h.rideIn(t, models.StatusAccepted, r1, d)
	open := h.request(t, r2)

	_, err := h.svc.Get(h.ctx, r2, mine.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))
	_, err = h.svc.Get(h.ctx, other, mine.ID)
	assert.True(t, errs.Is(err, errs.Forbidden))
	_, err = h.svc.Get(h.ctx, other, open.ID)
	assert.NoError(t, err)

	rides, err := h.svc.List(h.ctx, r1, storage.RideFilter{})
	require.NoError(t, err)
	require.Len(t, rides, 1)
	assert.Equal(t, mine.ID, rides[0].ID)

	avail, err := h.svc.Available(h.ctx, other)
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, open.ID, avail[0].ID)
	_, err = h.svc.Available(h.ctx, r1)
	assert.True(t, errs.Is(err, errs.Forbidden))

	active, err := h.svc.ActiveRide(h.ctx, d, "d1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, mine.ID, active.ID)
	none, err := h.svc.ActiveRide(h.ctx, other, "d2")
	require.NoError(t, err)
	assert.Nil(t, none)
	_, err = h.svc.ActiveRide(h.ctx, other, "d1")
	assert.True(t, errs.Is(err, errs.Forbidden))
}

func TestDriverSummaryAndTransactions(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)

	h.rideIn(t, models.StatusCompleted, rider, d)
	h.rideIn(t, models.StatusCompleted, rider, d)
	h.rideIn(t, models.StatusAccepted, rider, d)

	sum, err := h.svc.DriverSummary(h.ctx, d, "d1", h.clock())
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", sum.Day)
	assert.Equal(t, 2, sum.CompletedRides)
	assert.Equal(t, "2660.34", sum.TotalEarnings.StringFixed(2))

	next, err := h.svc.DriverSummary(h.ctx, admin, "d1", h.clock().AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, next.CompletedRides)

	txs, err := h.svc.Transactions(h.ctx, d, "d1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)
	_, err = h.svc.Transactions(h.ctx, rider, "d1")
	assert.True(t, errs.Is(err, errs.Forbidden))
}

func TestRedispatchStale(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	d := h.driver(t, "d1", nil)

	stale := h.request(t, rider)
	taken := h.request(t, rider)
	// simulate a lost dequeue: accepted in the store but still queued
	_, err := h.svc.Accept(h.ctx, d, taken.ID)
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(h.ctx, taken.ID, taken.CreatedAt))

	h.advance(5 * time.Minute)
	fresh := h.request(t, rider)

	before := len(h.pub.broadcast)
	n, err := h.svc.RedispatchStale(h.ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.pub.broadcast, before+1)

	entries, err := h.queue.Head(h.ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.RideID
	}
	assert.Equal(t, []string{stale.ID, fresh.ID}, ids)
}

func TestRestoreQueue(t *testing.T) {
	h := newHarness(t)
	rider := h.rider(t, "r1")
	a := h.request(t, rider)
	b := h.request(t, rider)
	require.NoError(t, h.queue.Remove(h.ctx, a.ID))
	require.NoError(t, h.queue.Remove(h.ctx, b.ID))

	n, err := h.svc.RestoreQueue(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	pos, ok, err := h.queue.Position(h.ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)
}

func TestRunRedispatcherStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan struct{})
	go func() {
		h.svc.RunRedispatcher(ctx, time.Millisecond, time.Minute)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("redispatcher did not stop")
	}
}
