// Package registry tracks driver presence: online flag, availability and last
// known position. The store is authoritative; the geo index only narrows
// radius searches.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/validation"
)

// Candidate is a driver eligible for a pickup, with distance to it.
type Candidate struct {
	Driver     models.Driver
	DistanceKm float64
}

type Registry struct {
	store  storage.Store
	geo    geo.Geo
	logger *slog.Logger
}

func New(store storage.Store, g geo.Geo, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, geo: g, logger: logger}
}

// Register creates a driver. New drivers start offline and available with
// the default rating.
func (r *Registry) Register(ctx context.Context, d models.Driver) (*models.Driver, error) {
	const op = "registry.Register"
	if err := validation.Struct(op, d); err != nil {
		return nil, err
	}
	if d.Location != nil {
		if err := validation.Struct(op, *d.Location); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.Available = true
	d.Rating = models.DefaultDriverRating
	d.CreatedAt, d.UpdatedAt = now, now
	if err := r.store.CreateDriver(ctx, &d); err != nil {
		return nil, err
	}
	if d.Online && d.Location != nil {
		r.index(ctx, d.ID, *d.Location)
	}
	r.refreshOnlineGauge(ctx)
	return &d, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Driver, error) {
	return r.store.GetDriver(ctx, id)
}

// SetOnline toggles the driver's online flag and keeps the geo index in step.
func (r *Registry) SetOnline(ctx context.Context, id string, online bool) (*models.Driver, error) {
	if err := r.store.SetDriverOnline(ctx, id, online); err != nil {
		return nil, err
	}
	d, err := r.store.GetDriver(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case online && d.Location != nil:
		r.index(ctx, id, *d.Location)
	case !online:
		if err := r.geo.Remove(ctx, id); err != nil {
			r.logger.Warn("geo remove failed", "driver_id", id, "error", err)
		}
	}
	r.refreshOnlineGauge(ctx)
	r.logger.Info("driver status changed", "driver_id", id, "online", online)
	return d, nil
}

// UpdateLocation records a position ping.
func (r *Registry) UpdateLocation(ctx context.Context, u models.LocationUpdate) error {
	const op = "registry.UpdateLocation"
	if err := validation.Struct(op, u); err != nil {
		return err
	}
	if err := r.store.UpdateDriverLocation(ctx, u.DriverID, u.Location); err != nil {
		return err
	}
	d, err := r.store.GetDriver(ctx, u.DriverID)
	if err != nil {
		return err
	}
	if d.Online {
		r.index(ctx, d.ID, u.Location)
	}
	return nil
}

// FindCandidates returns online, available, located drivers within radiusKm
// of pickup, nearest first.
func (r *Registry) FindCandidates(ctx context.Context, pickup models.Coord, radiusKm float64) ([]Candidate, error) {
	const op = "registry.FindCandidates"
	if err := validation.Struct(op, pickup); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		return nil, errs.E(errs.Validation, op, "radius must be positive")
	}
	drivers, err := r.store.ListDrivers(ctx, storage.DriverFilter{OnlineOnly: true, AvailableOnly: true, WithLocation: true})
	if err != nil {
		return nil, err
	}

	// The index narrows the scan; when it fails we fall back to every
	// eligible driver and let the distance check below decide.
	var near map[string]struct{}
	if hits, err := r.geo.Within(ctx, pickup, radiusKm); err != nil {
		r.logger.Warn("geo search failed, scanning all drivers", "error", err)
	} else if len(hits) > 0 {
		near = make(map[string]struct{}, len(hits))
		for _, h := range hits {
			near[h.DriverID] = struct{}{}
		}
	}

	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if near != nil {
			if _, ok := near[d.ID]; !ok {
				continue
			}
		}
		dist := geo.HaversineKm(pickup.Lat, pickup.Lon, d.Location.Lat, d.Location.Lon)
		if dist <= radiusKm {
			out = append(out, Candidate{Driver: d, DistanceKm: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out, nil
}

func (r *Registry) OnlineDrivers(ctx context.Context) ([]models.Driver, error) {
	return r.store.ListDrivers(ctx, storage.DriverFilter{OnlineOnly: true})
}

// Rebuild reloads the geo index from the store, e.g. after a restart with an
// empty in-memory index.
func (r *Registry) Rebuild(ctx context.Context) (int, error) {
	drivers, err := r.store.ListDrivers(ctx, storage.DriverFilter{OnlineOnly: true, WithLocation: true})
	if err != nil {
		return 0, err
	}
	for _, d := range drivers {
		if err := r.geo.Upsert(ctx, d.ID, *d.Location); err != nil {
			return 0, err
		}
	}
	r.refreshOnlineGauge(ctx)
	return len(drivers), nil
}

func (r *Registry) index(ctx context.Context, id string, loc models.Coord) {
	if err := r.geo.Upsert(ctx, id, loc); err != nil {
		r.logger.Warn("geo upsert failed", "driver_id", id, "error", err)
	}
}

func (r *Registry) refreshOnlineGauge(ctx context.Context) {
	online, err := r.OnlineDrivers(ctx)
	if err != nil {
		return
	}
	observability.DriversOnline.Set(float64(len(online)))
}
