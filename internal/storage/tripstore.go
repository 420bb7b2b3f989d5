package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("trip not found")
	// ErrConflict means the trip exists but its status did not satisfy the
	// update's predicate.
	ErrConflict = errors.New("trip status precondition failed")
)

// TripStore defines persistence operations for negotiation records.
//
// Update is the only mutation path after Create: it loads the trip, checks
// that its status is one of allowed (any status when allowed is empty),
// applies fn to a private copy and writes it back, all atomically with
// respect to other Updates of the same trip. When the predicate fails the
// current trip is returned together with ErrConflict. An error from fn
// aborts the update without writing.
type TripStore interface {
	Create(ctx context.Context, t *models.Trip) error
	Get(ctx context.Context, id string) (*models.Trip, error)
	Update(ctx context.Context, id string, allowed []models.Status, fn func(*models.Trip) error) (*models.Trip, error)
	ActiveForRequester(ctx context.Context, requesterID string) (*models.Trip, error)
	ActiveForDriver(ctx context.Context, driverID string) (*models.Trip, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

func statusAllowed(s models.Status, allowed []models.Status) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip)}
}

func (m *MemoryStore) Create(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.trips[t.ID]; dup {
		return errors.New("trip already exists")
	}
	m.trips[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, allowed []models.Status, fn func(*models.Trip) error) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusAllowed(cur.Status, allowed) {
		return cur.Clone(), ErrConflict
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.UpdatedAt = time.Now()
	m.trips[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ActiveForRequester(_ context.Context, requesterID string) (*models.Trip, error) {
	return m.findActive(func(t *models.Trip) bool { return t.RequesterID == requesterID })
}

func (m *MemoryStore) ActiveForDriver(_ context.Context, driverID string) (*models.Trip, error) {
	return m.findActive(func(t *models.Trip) bool { return t.DriverID == driverID })
}

func (m *MemoryStore) findActive(match func(*models.Trip) bool) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.trips {
		if t.Status.Active() && match(t) {
			return t.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.trips {
		if t.CreatedAt.Before(cutoff) {
			delete(m.trips, id)
			n++
		}
	}
	return n, nil
}
