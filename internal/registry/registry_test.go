package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Coord{Lat: 12.9716, Lon: 77.5946}

func newRegistry(t *testing.T) (*Registry, *geo.Index) {
	t.Helper()
	idx := geo.NewIndex()
	return New(storage.NewMemoryStore(), idx, nil), idx
}

func register(t *testing.T, r *Registry, id string, loc *models.Coord, online bool) {
	t.Helper()
	_, err := r.Register(context.Background(), models.Driver{ID: id, Name: id, VehicleType: models.VehicleEconomy, Location: loc, Online: online})
	require.NoError(t, err)
}

func TestRegisterDefaults(t *testing.T) {
	r, _ := newRegistry(t)
	d, err := r.Register(context.Background(), models.Driver{Name: "Asha", VehicleType: models.VehicleSUV})
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.True(t, d.Available)
	assert.False(t, d.Online)
	assert.Equal(t, models.DefaultDriverRating, d.Rating)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Register(context.Background(), models.Driver{Name: "x", VehicleType: "bike"})
	assert.True(t, errs.Is(err, errs.Validation))

	_, err = r.Register(context.Background(), models.Driver{Name: "x", VehicleType: models.VehicleEconomy, Location: &models.Coord{Lat: 100}})
	assert.True(t, errs.Is(err, errs.Validation))
}

func TestFindCandidatesFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)

	register(t, r, "close", &models.Coord{Lat: 12.9720, Lon: 77.5950}, true)
	register(t, r, "medium", &models.Coord{Lat: 13.05, Lon: 77.60}, true)
	register(t, r, "offline", &models.Coord{Lat: 12.9716, Lon: 77.5946}, false)
	register(t, r, "nowhere", nil, true)
	register(t, r, "mysuru", &models.Coord{Lat: 12.2958, Lon: 76.6394}, true)

	cands, err := r.FindCandidates(ctx, pickup, 50)
	require.NoError(t, err)
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.Driver.ID
	}
	assert.Equal(t, []string{"close", "medium"}, ids)
	assert.Less(t, cands[0].DistanceKm, cands[1].DistanceKm)

	wide, err := r.FindCandidates(ctx, pickup, 200)
	require.NoError(t, err)
	assert.Len(t, wide, 3)
}

func TestFindCandidatesSkipsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	r := New(store, geo.NewIndex(), nil)
	register(t, r, "busy", &models.Coord{Lat: 12.9720, Lon: 77.5950}, true)

	require.NoError(t, store.CreateRider(ctx, &models.Rider{ID: "r1", Name: "r"}))
	require.NoError(t, store.CreateRide(ctx, &models.Ride{ID: "ride", RiderID: "r1", Status: models.StatusRequested}))
	ok, err := store.AcceptRide(ctx, "ride", "busy", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	cands, err := r.FindCandidates(ctx, pickup, 50)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestSetOnlineMaintainsIndex(t *testing.T) {
	ctx := context.Background()
	r, idx := newRegistry(t)
	register(t, r, "d1", &models.Coord{Lat: 12.9720, Lon: 77.5950}, false)

	hits, err := idx.Within(ctx, pickup, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	d, err := r.SetOnline(ctx, "d1", true)
	require.NoError(t, err)
	assert.True(t, d.Online)
	hits, err = idx.Within(ctx, pickup, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = r.SetOnline(ctx, "d1", false)
	require.NoError(t, err)
	hits, err = idx.Within(ctx, pickup, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = r.SetOnline(ctx, "ghost", true)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestUpdateLocation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRegistry(t)
	register(t, r, "d1", nil, true)

	err := r.UpdateLocation(ctx, models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 91}})
	assert.True(t, errs.Is(err, errs.Validation))

	require.NoError(t, r.UpdateLocation(ctx, models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 12.9720, Lon: 77.5950}}))
	cands, err := r.FindCandidates(ctx, pickup, 1)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "d1", cands[0].Driver.ID)

	err = r.UpdateLocation(ctx, models.LocationUpdate{DriverID: "ghost", Location: pickup})
	assert.True(t, errs.Is(err, errs.NotFound))
}

type failingGeo struct{ geo.Geo }

func (failingGeo) Within(context.Context, models.Coord, float64) ([]geo.Hit, error) {
	return nil, errors.New("redis down")
}

func TestFindCandidatesSurvivesGeoFailure(t *testing.T) {
	ctx := context.Background()
	r := New(storage.NewMemoryStore(), failingGeo{Geo: geo.NewIndex()}, nil)
	register(t, r, "d1", &models.Coord{Lat: 12.9720, Lon: 77.5950}, true)

	cands, err := r.FindCandidates(ctx, pickup, 50)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	first := New(store, geo.NewIndex(), nil)
	register(t, first, "d1", &models.Coord{Lat: 12.9720, Lon: 77.5950}, true)
	register(t, first, "d2", &models.Coord{Lat: 12.9720, Lon: 77.5950}, false)

	idx := geo.NewIndex()
	n, err := New(store, idx, nil).Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	hits, err := idx.Within(ctx, pickup, 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
