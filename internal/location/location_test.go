package location

import (
	"context"
	"errors"
	"testing"

	"github.com/example/safewalk/internal/models"
)

func TestStaticDeny(t *testing.T) {
	s := NewStatic(models.Coord{Lat: 1, Lng: 2})
	if err := s.RequestPermission(context.Background()); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	s.Deny()
	if err := s.RequestPermission(context.Background()); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestBestEffortFallsBackToOrigin(t *testing.T) {
	failing := Func(func(ctx context.Context) (models.Coord, error) {
		return models.Coord{}, models.ErrCapabilityUnavailable
	})
	loc, ok := BestEffort(context.Background(), failing)
	if ok || loc != models.Origin {
		t.Fatalf("expected origin sentinel, got %+v ok=%v", loc, ok)
	}

	s := NewStatic(models.Coord{Lat: 41.8, Lng: -71.4})
	loc, ok = BestEffort(context.Background(), s)
	if !ok || loc.Lat != 41.8 {
		t.Fatalf("expected real fix, got %+v ok=%v", loc, ok)
	}
}
