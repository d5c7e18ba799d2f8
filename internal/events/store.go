package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ride-query/internal/status"
)

// ErrUnknownRide is returned by a Store asked to append to a ride it cannot find.
var ErrUnknownRide = errors.New("unknown ride")

// State is the derived tail of a ride's log.
type State struct {
	Status status.Status
	// LastAt is the timestamp of the most recent event of any kind.
	LastAt time.Time
}

// Store persists events. ListByRide returns events ordered by
// (created_at, id).
type Store interface {
	Append(ctx context.Context, ev Event) (Event, error)
	ListByRide(ctx context.Context, rideID int64) ([]Event, error)
	States(ctx context.Context) (map[int64]State, error)
}

// deriveState folds an ordered event slice into its State.
func deriveState(evs []Event) State {
	st := State{Status: status.Requested}
	for _, ev := range evs {
		if ev.CreatedAt.After(st.LastAt) {
			st.LastAt = ev.CreatedAt
		}
		if s, ok, err := status.ParseChange(ev.Description); ok && err == nil {
			st.Status = s
		}
	}
	return st
}

func sortEvents(evs []Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if !evs[i].CreatedAt.Equal(evs[j].CreatedAt) {
			return evs[i].CreatedAt.Before(evs[j].CreatedAt)
		}
		return evs[i].ID < evs[j].ID
	})
}

// MemoryStore keeps events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byRide map[int64][]Event
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRide: make(map[int64][]Event)}
}

func (m *MemoryStore) Append(_ context.Context, ev Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ev.ID = m.nextID
	m.byRide[ev.RideID] = append(m.byRide[ev.RideID], ev)
	return ev, nil
}

func (m *MemoryStore) ListByRide(_ context.Context, rideID int64) ([]Event, error) {
	m.mu.RLock()
	out := make([]Event, len(m.byRide[rideID]))
	copy(out, m.byRide[rideID])
	m.mu.RUnlock()
	sortEvents(out)
	return out, nil
}

func (m *MemoryStore) States(ctx context.Context) (map[int64]State, error) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.byRide))
	for id := range m.byRide {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	out := make(map[int64]State, len(ids))
	for _, id := range ids {
		evs, _ := m.ListByRide(ctx, id)
		out[id] = deriveState(evs)
	}
	return out, nil
}
