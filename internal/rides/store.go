package rides

import (
	"context"
	"sync"
	"time"
)

// Store persists rides. List may apply any subset of the scope; callers
// re-check every predicate.
type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id int64) (*Ride, error)
	List(ctx context.Context, scope Scope) ([]*Ride, error)
	AssignDriver(ctx context.Context, id int64, driverID string) (*Ride, error)
}

// MemoryStore keeps rides in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rides  map[int64]*Ride
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory ride store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[int64]*Ride), now: time.Now}
}

// Create assigns an id and, when unset, the timestamps.
func (m *MemoryStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	now := m.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// List applies the rider/driver part of the scope and returns copies.
func (m *MemoryStore) List(_ context.Context, scope Scope) ([]*Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Ride, 0, len(m.rides))
	for _, r := range m.rides {
		if scope.RiderID != "" && r.RiderID != scope.RiderID {
			continue
		}
		if scope.DriverID != "" && (r.DriverID == nil || *r.DriverID != scope.DriverID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AssignDriver(_ context.Context, id int64, driverID string) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	d := driverID
	r.DriverID = &d
	r.UpdatedAt = m.now().UTC()
	cp := *r
	return &cp, nil
}
