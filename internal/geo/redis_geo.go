package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. A small hash per driver
// records when the position was last written.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, driverID string, loc models.Coord) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
		p.HSet(ctx, metaKey(driverID), map[string]interface{}{
			"lat":     strconv.FormatFloat(loc.Lat, 'f', 6, 64),
			"lon":     strconv.FormatFloat(loc.Lon, 'f', 6, 64),
			"updated": time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	return errs.Wrap(errs.StoreUnavailable, "geo.Upsert", err)
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, driverID)
		p.Del(ctx, metaKey(driverID))
		return nil
	})
	return errs.Wrap(errs.StoreUnavailable, "geo.Remove", err)
}

func (r *RedisGeo) Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "geo.Within", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
