package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps behind one mutex. Every method
// returns copies so callers never alias stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	riders  map[string]models.Rider
	drivers map[string]models.Driver
	rides   map[string]models.Ride
	txs     []models.Transaction
	nextTx  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		riders:  make(map[string]models.Rider),
		drivers: make(map[string]models.Driver),
		rides:   make(map[string]models.Ride),
	}
}

func (m *MemoryStore) CreateRider(_ context.Context, r *models.Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.riders[r.ID]; ok {
		return errs.E(errs.Validation, "storage.CreateRider", "rider already exists")
	}
	m.riders[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRider(_ context.Context, id string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, errs.E(errs.NotFound, "storage.GetRider", "rider not found")
	}
	return &r, nil
}

func (m *MemoryStore) CreateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return errs.E(errs.Validation, "storage.CreateDriver", "driver already exists")
	}
	m.drivers[d.ID] = copyDriver(*d)
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, errs.E(errs.NotFound, "storage.GetDriver", "driver not found")
	}
	d = copyDriver(d)
	return &d, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context, f DriverFilter) ([]models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if f.OnlineOnly && !d.Online {
			continue
		}
		if f.AvailableOnly && !d.Available {
			continue
		}
		if f.WithLocation && d.Location == nil {
			continue
		}
		out = append(out, copyDriver(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetDriverOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return errs.E(errs.NotFound, "storage.SetDriverOnline", "driver not found")
	}
	d.Online = online
	d.UpdatedAt = time.Now().UTC()
	m.drivers[id] = d
	return nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return errs.E(errs.NotFound, "storage.UpdateDriverLocation", "driver not found")
	}
	d.Location = &loc
	d.UpdatedAt = time.Now().UTC()
	m.drivers[id] = d
	return nil
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.riders[r.RiderID]; !ok {
		return errs.E(errs.NotFound, "storage.CreateRide", "rider not found")
	}
	if _, ok := m.rides[r.ID]; ok {
		return errs.E(errs.Validation, "storage.CreateRide", "ride already exists")
	}
	m.rides[r.ID] = copyRide(*r)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, errs.E(errs.NotFound, "storage.GetRide", "ride not found")
	}
	r = copyRide(r)
	return &r, nil
}

func (m *MemoryStore) ListRides(_ context.Context, f RideFilter) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if matchesFilter(&r, f) {
			out = append(out, copyRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) SetPaymentIntent(_ context.Context, rideID, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return errs.E(errs.NotFound, "storage.SetPaymentIntent", "ride not found")
	}
	r.PaymentIntentID = intentID
	m.rides[rideID] = r
	return nil
}

func (m *MemoryStore) AcceptRide(_ context.Context, rideID, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusRequested || r.DriverID != nil {
		return false, nil
	}
	d, ok := m.drivers[driverID]
	if !ok {
		return false, errs.E(errs.NotFound, "storage.AcceptRide", "driver not found")
	}
	id := driverID
	r.DriverID = &id
	r.Status = models.StatusAccepted
	r.AcceptedAt = &at
	r.UpdatedAt = at
	m.rides[rideID] = r

	d.Available = false
	d.UpdatedAt = at
	m.drivers[driverID] = d
	return true, nil
}

func (m *MemoryStore) StartRide(_ context.Context, rideID, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusAccepted || !r.AssignedTo(driverID) {
		return false, nil
	}
	r.Status = models.StatusInProgress
	r.StartedAt = &at
	r.UpdatedAt = at
	m.rides[rideID] = r
	return true, nil
}

func (m *MemoryStore) CompleteRide(_ context.Context, rideID, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusInProgress || !r.AssignedTo(driverID) {
		return false, nil
	}
	d, ok := m.drivers[driverID]
	if !ok {
		return false, errs.E(errs.NotFound, "storage.CompleteRide", "driver not found")
	}
	r.Status = models.StatusCompleted
	r.EndedAt = &at
	r.UpdatedAt = at
	m.rides[rideID] = r

	d.WalletBalance = d.WalletBalance.Add(r.EstimatedFare)
	d.Available = true
	d.UpdatedAt = at
	m.drivers[driverID] = d

	m.nextTx++
	rid := rideID
	m.txs = append(m.txs, models.Transaction{
		ID:          m.nextTx,
		UserID:      driverID,
		RideID:      &rid,
		Amount:      r.EstimatedFare,
		Type:        models.TxCredit,
		Description: rideCreditDescription(rideID),
		CreatedAt:   at,
	})
	return true, nil
}

func (m *MemoryStore) CancelRide(_ context.Context, rideID string, from models.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = models.StatusCancelled
	r.CancelledAt = &at
	r.UpdatedAt = at
	m.rides[rideID] = r

	if r.DriverID != nil {
		if d, ok := m.drivers[*r.DriverID]; ok {
			d.Available = true
			d.UpdatedAt = at
			m.drivers[d.ID] = d
		}
	}
	return true, nil
}

func (m *MemoryStore) RateRide(_ context.Context, rideID, riderID string, rating int, feedback string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusCompleted || r.Rating != nil || r.RiderID != riderID || r.DriverID == nil {
		return false, nil
	}
	v := rating
	r.Rating = &v
	r.Feedback = feedback
	r.UpdatedAt = time.Now().UTC()
	m.rides[rideID] = r

	// recompute over every rated ride, O(n) in the driver's history
	driverID := *r.DriverID
	sum, n := 0, 0
	for _, other := range m.rides {
		if other.AssignedTo(driverID) && other.Status == models.StatusCompleted && other.Rating != nil {
			sum += *other.Rating
			n++
		}
	}
	if d, ok := m.drivers[driverID]; ok {
		d.Rating = models.DefaultDriverRating
		if n > 0 {
			d.Rating = float64(sum) / float64(n)
		}
		d.UpdatedAt = r.UpdatedAt
		m.drivers[driverID] = d
	}
	return true, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Transaction, 0)
	for i := len(m.txs) - 1; i >= 0; i-- {
		if m.txs[i].UserID == userID {
			out = append(out, m.txs[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func matchesFilter(r *models.Ride, f RideFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DriverID != "" && !r.AssignedTo(f.DriverID) {
		return false
	}
	if f.RiderID != "" && r.RiderID != f.RiderID {
		return false
	}
	if !inRange(&r.CreatedAt, f.CreatedFrom, f.CreatedTo) {
		return false
	}
	if (!f.EndedFrom.IsZero() || !f.EndedTo.IsZero()) && (r.EndedAt == nil || !inRange(r.EndedAt, f.EndedFrom, f.EndedTo)) {
		return false
	}
	return true
}

func inRange(t *time.Time, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func copyDriver(d models.Driver) models.Driver {
	if d.Location != nil {
		loc := *d.Location
		d.Location = &loc
	}
	return d
}

func copyRide(r models.Ride) models.Ride {
	if r.DriverID != nil {
		id := *r.DriverID
		r.DriverID = &id
	}
	if r.Rating != nil {
		v := *r.Rating
		r.Rating = &v
	}
	r.AcceptedAt = copyTime(r.AcceptedAt)
	r.StartedAt = copyTime(r.StartedAt)
	r.EndedAt = copyTime(r.EndedAt)
	r.CancelledAt = copyTime(r.CancelledAt)
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
