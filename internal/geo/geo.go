package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Hit is a driver found by a radius search.
type Hit struct {
	DriverID   string
	DistanceKm float64
}

// Geo indexes driver positions for radius queries. Results are sorted by
// distance, nearest first.
type Geo interface {
	Upsert(ctx context.Context, driverID string, loc models.Coord) error
	Remove(ctx context.Context, driverID string) error
	Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error)
}

type Index struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{points: make(map[string]models.Coord)}
}

func (g *Index) Upsert(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[driverID] = loc
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, driverID)
	return nil
}

// naive scan; fine for a city's worth of drivers
func (g *Index) Within(_ context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hit, 0, len(g.points))
	for id, p := range g.points {
		d := HaversineKm(center.Lat, center.Lon, p.Lat, p.Lon)
		if d <= radiusKm {
			out = append(out, Hit{DriverID: id, DistanceKm: d})
		}
	}
	SortHits(out)
	return out, nil
}

// SortHits orders by distance, then id so equal distances are stable.
func SortHits(h []Hit) {
	sort.Slice(h, func(i, j int) bool {
		if h[i].DistanceKm != h[j].DistanceKm {
			return h[i].DistanceKm < h[j].DistanceKm
		}
		return h[i].DriverID < h[j].DriverID
	})
}

// HaversineKm is the great-circle distance in kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return HaversineKm(lat1, lon1, lat2, lon2) * 1000
}
