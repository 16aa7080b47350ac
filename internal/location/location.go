package location

import (
	"context"
	"sync"

	"github.com/example/safewalk/internal/models"
)

// Source supplies device coordinates on demand.
type Source interface {
	// RequestPermission returns an error wrapping models.ErrPermissionDenied
	// when the capability is refused.
	RequestPermission(ctx context.Context) error
	Current(ctx context.Context) (models.Coord, error)
}

// Static is a fixed-position source, used by the agent binary when the
// position is given on the command line.
type Static struct {
	mu     sync.RWMutex
	loc    models.Coord
	denied bool
}

func NewStatic(loc models.Coord) *Static { return &Static{loc: loc} }

// Deny makes subsequent permission requests fail.
func (s *Static) Deny() {
	s.mu.Lock()
	s.denied = true
	s.mu.Unlock()
}

// Move replaces the reported position.
func (s *Static) Move(loc models.Coord) {
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
}

func (s *Static) RequestPermission(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.denied {
		return models.ErrPermissionDenied
	}
	return nil
}

func (s *Static) Current(ctx context.Context) (models.Coord, error) {
	if err := ctx.Err(); err != nil {
		return models.Coord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loc, nil
}

// Func adapts a plain function into a Source that always grants permission.
type Func func(ctx context.Context) (models.Coord, error)

func (f Func) RequestPermission(ctx context.Context) error { return nil }

func (f Func) Current(ctx context.Context) (models.Coord, error) { return f(ctx) }

// BestEffort returns the current position, or the origin sentinel when the
// source fails. ok is false when the sentinel was used.
func BestEffort(ctx context.Context, src Source) (loc models.Coord, ok bool) {
	if src == nil {
		return models.Origin, false
	}
	c, err := src.Current(ctx)
	if err != nil {
		return models.Origin, false
	}
	return c, true
}
