package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/errs"
)

// Redis stores the queue in a sorted set scored by enqueue time in unix
// microseconds. Redis orders equal scores by member bytes, which gives the
// ride id tie-break for free.
type Redis struct {
	client redis.UniversalClient
	key    string
}

func NewRedis(client redis.UniversalClient, key string) *Redis {
	return &Redis{client: client, key: key}
}

func (q *Redis) Enqueue(ctx context.Context, rideID string, at time.Time) error {
	err := q.client.ZAddNX(ctx, q.key, redis.Z{Score: float64(at.UnixMicro()), Member: rideID}).Err()
	return errs.Wrap(errs.StoreUnavailable, "queue.Enqueue", err)
}

func (q *Redis) Remove(ctx context.Context, rideID string) error {
	return errs.Wrap(errs.StoreUnavailable, "queue.Remove", q.client.ZRem(ctx, q.key, rideID).Err())
}

func (q *Redis) Position(ctx context.Context, rideID string) (int, bool, error) {
	rank, err := q.client.ZRank(ctx, q.key, rideID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Wrap(errs.StoreUnavailable, "queue.Position", err)
	}
	return int(rank) + 1, true, nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, errs.Wrap(errs.StoreUnavailable, "queue.Len", err)
	}
	return int(n), nil
}

func (q *Redis) Head(ctx context.Context, n int) ([]Entry, error) {
	stop := int64(n - 1)
	if n <= 0 {
		stop = -1
	}
	zs, err := q.client.ZRangeWithScores(ctx, q.key, 0, stop).Result()
	if err != nil {
		return nil, errs.Wrap(errs.StoreUnavailable, "queue.Head", err)
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, Entry{RideID: id, At: time.UnixMicro(int64(z.Score)).UTC()})
	}
	return out, nil
}

var _ Queue = (*Redis)(nil)
