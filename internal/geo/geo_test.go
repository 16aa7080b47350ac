package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/safewalk/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(models.Coord{}, models.Coord{})
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 1, Lng: 0})
	if math.Abs(d-111195) > 10 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestNearbyOrdersAndFilters(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, models.Escort{ID: "far", Loc: models.Coord{Lat: 0.02}, Online: true})
	_ = g.Upsert(ctx, models.Escort{ID: "near", Loc: models.Coord{Lat: 0.001}, Online: true})
	_ = g.Upsert(ctx, models.Escort{ID: "offline", Loc: models.Coord{}, Online: false})
	_ = g.Upsert(ctx, models.Escort{ID: "mid", Loc: models.Coord{Lat: 0.005}, Online: true})

	got, err := g.Nearby(ctx, models.Coord{}, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("unexpected order %+v", got)
	}

	got, _ = g.Nearby(ctx, models.Coord{}, 1000, 10)
	if len(got) != 2 {
		t.Fatalf("radius must exclude the far escort, got %+v", got)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 online escorts, got %d", g.Len())
	}
}

func TestRemoveAndGet(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, models.Escort{ID: "w1", Name: "Ana", Online: true})
	e, ok, _ := g.Get(ctx, "w1")
	if !ok || e.Name != "Ana" || e.Updated.IsZero() {
		t.Fatalf("unexpected escort %+v", e)
	}
	_ = g.Remove(ctx, "w1")
	if _, ok, _ := g.Get(ctx, "w1"); ok {
		t.Fatal("escort must be gone after Remove")
	}
}
