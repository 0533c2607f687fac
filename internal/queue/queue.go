// Package queue keeps pending ride ids in dispatch order: enqueue time
// ascending, ties broken by ride id. It holds ids only; ride state lives in
// the store.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Entry struct {
	RideID string    `json:"ride_id"`
	At     time.Time `json:"at"`
}

func (e Entry) less(o Entry) bool {
	if !e.At.Equal(o.At) {
		return e.At.Before(o.At)
	}
	return e.RideID < o.RideID
}

type Queue interface {
	// Enqueue is a no-op for a ride that is already queued.
	Enqueue(ctx context.Context, rideID string, at time.Time) error
	Remove(ctx context.Context, rideID string) error
	// Position is 1-based; ok is false when the ride is not queued.
	Position(ctx context.Context, rideID string) (pos int, ok bool, err error)
	Len(ctx context.Context) (int, error)
	// Head returns up to n entries from the front; n <= 0 means all.
	Head(ctx context.Context, n int) ([]Entry, error)
}

// Memory is a sorted slice plus an index. Appends in time order are O(1),
// position is a binary search, removal shifts the tail.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{index: make(map[string]time.Time)}
}

func (q *Memory) Enqueue(_ context.Context, rideID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[rideID]; ok {
		return nil
	}
	e := Entry{RideID: rideID, At: at}
	q.index[rideID] = at
	n := len(q.entries)
	if n == 0 || q.entries[n-1].less(e) {
		q.entries = append(q.entries, e)
		return nil
	}
	i := sort.Search(n, func(i int) bool { return e.less(q.entries[i]) })
	q.entries = append(q.entries, Entry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = e
	return nil
}

func (q *Memory) Remove(_ context.Context, rideID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, ok := q.find(rideID)
	if !ok {
		return nil
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	delete(q.index, rideID)
	return nil
}

func (q *Memory) Position(_ context.Context, rideID string) (int, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	i, ok := q.find(rideID)
	if !ok {
		return 0, false, nil
	}
	return i + 1, true, nil
}

func (q *Memory) Len(context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries), nil
}

func (q *Memory) Head(_ context.Context, n int) ([]Entry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if n <= 0 || n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Entry, n)
	copy(out, q.entries[:n])
	return out, nil
}

// find must be called with mu held.
func (q *Memory) find(rideID string) (int, bool) {
	at, ok := q.index[rideID]
	if !ok {
		return 0, false
	}
	key := Entry{RideID: rideID, At: at}
	i := sort.Search(len(q.entries), func(i int) bool { return !q.entries[i].less(key) })
	if i < len(q.entries) && q.entries[i].RideID == rideID {
		return i, true
	}
	return 0, false
}

var _ Queue = (*Memory)(nil)
