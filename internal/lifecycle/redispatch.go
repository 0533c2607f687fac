package lifecycle

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// RestoreQueue re-queues every requested ride from the store. Run it on
// start-up when the queue does not survive restarts.
func (s *Service) RestoreQueue(ctx context.Context) (int, error) {
	rides, err := s.store.ListRides(ctx, storage.RideFilter{Statuses: []models.Status{models.StatusRequested}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range rides {
		waiting, err := s.enqueue(ctx, r.ID, r.CreatedAt)
		if err != nil {
			return n, err
		}
		if waiting {
			n++
		}
	}
	s.refreshQueueDepth(ctx)
	return n, nil
}

// RedispatchStale offers rides that have waited longer than after again and
// drops queue entries whose ride already left requested. It returns how many
// rides were re-offered.
func (s *Service) RedispatchStale(ctx context.Context, after time.Duration) (int, error) {
	entries, err := s.queue.Head(ctx, 0)
	if err != nil {
		return 0, err
	}
	cutoff := s.clock().Add(-after)
	n := 0
	for _, e := range entries {
		if e.At.After(cutoff) {
			// the queue is time ordered, nothing further back is stale
			break
		}
		ride, err := s.store.GetRide(ctx, e.RideID)
		if errs.Is(err, errs.NotFound) || (err == nil && ride.Status != models.StatusRequested) {
			if err := s.queue.Remove(ctx, e.RideID); err != nil {
				return n, err
			}
			continue
		}
		if err != nil {
			return n, err
		}
		if _, err := s.engine.Dispatch(ctx, ride); err != nil {
			s.logger.Warn("re-dispatch failed", "ride_id", ride.ID, "error", err)
			continue
		}
		n++
	}
	s.refreshQueueDepth(ctx)
	return n, nil
}

// RunRedispatcher calls RedispatchStale every interval until ctx ends.
func (s *Service) RunRedispatcher(ctx context.Context, interval, after time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.RedispatchStale(ctx, after)
			if err != nil {
				s.logger.Warn("re-dispatch round failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("re-dispatched waiting rides", "count", n)
			}
		}
	}
}
