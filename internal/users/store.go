package users

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ride-query/pkg/geo"
)

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	MatchEmail(ctx context.Context, substr string) ([]string, error)
	MatchName(ctx context.Context, substr string) ([]string, error)
	UpdateLocation(ctx context.Context, id string, p geo.Point) error
	// LocatedDrivers returns drivers that have reported a location.
	LocatedDrivers(ctx context.Context) ([]*User, error)
}

// MemoryStore keeps users in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryStore creates an empty in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) match(pred func(*User) bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, u := range m.users {
		if pred(u) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryStore) MatchEmail(_ context.Context, substr string) ([]string, error) {
	s := strings.ToLower(substr)
	return m.match(func(u *User) bool { return strings.Contains(strings.ToLower(u.Email), s) }), nil
}

func (m *MemoryStore) MatchName(_ context.Context, substr string) ([]string, error) {
	s := strings.ToLower(substr)
	return m.match(func(u *User) bool {
		return strings.Contains(strings.ToLower(u.FirstName), s) || strings.Contains(strings.ToLower(u.LastName), s)
	}), nil
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, p geo.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Location = &p
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) LocatedDrivers(_ context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*User
	for _, u := range m.users {
		if u.Role == RoleDriver && u.Location != nil {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
