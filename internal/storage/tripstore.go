package storage

import (
	"context"
	"sync"

	"github.com/example/safewalk/internal/models"
)

// RequestStore persists live requests. Lookups return models.ErrNotFound
// when nothing live matches.
type RequestStore interface {
	Save(ctx context.Context, r *models.RequestRecord) error
	Update(ctx context.Context, r *models.RequestRecord) error
	Get(ctx context.Context, id string) (*models.RequestRecord, error)
	ByStudent(ctx context.Context, studentID string) (*models.RequestRecord, error)
	ByEscort(ctx context.Context, escortID string) (*models.RequestRecord, error)
	// End retires a request with its final status.
	End(ctx context.Context, id string, final models.Status) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RequestRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*models.RequestRecord)}
}

func (m *MemoryStore) Save(_ context.Context, r *models.RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, r *models.RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return models.ErrNotFound
	}
	m.requests[r.ID] = clone(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return clone(r), nil
}

func (m *MemoryStore) ByStudent(_ context.Context, studentID string) (*models.RequestRecord, error) {
	return m.find(func(r *models.RequestRecord) bool { return r.StudentID == studentID })
}

func (m *MemoryStore) ByEscort(_ context.Context, escortID string) (*models.RequestRecord, error) {
	if escortID == "" {
		return nil, models.ErrNotFound
	}
	return m.find(func(r *models.RequestRecord) bool { return r.EscortID == escortID })
}

func (m *MemoryStore) End(_ context.Context, id string, _ models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.requests, id)
	return nil
}

func (m *MemoryStore) find(match func(*models.RequestRecord) bool) (*models.RequestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if match(r) {
			return clone(r), nil
		}
	}
	return nil, models.ErrNotFound
}

// clone keeps callers from mutating stored records without Update.
func clone(r *models.RequestRecord) *models.RequestRecord {
	c := *r
	if r.StudentLoc != nil {
		loc := *r.StudentLoc
		c.StudentLoc = &loc
	}
	c.Pickup = clonePlace(r.Pickup)
	c.Destination = clonePlace(r.Destination)
	c.Declined = append([]string(nil), r.Declined...)
	return &c
}

func clonePlace(p models.Place) models.Place {
	if p.Coord != nil {
		c := *p.Coord
		p.Coord = &c
	}
	return p
}
