package matcher

import (
	"context"
	"testing"

	"github.com/example/safewalk/internal/models"
)

type fakeGeo struct{ escorts []models.Escort }

func (f *fakeGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]models.Escort, error) {
	return f.escorts, nil
}

type busySet map[string]bool

func (b busySet) ByEscort(ctx context.Context, id string) (*models.RequestRecord, error) {
	if b[id] {
		return &models.RequestRecord{EscortID: id}, nil
	}
	return nil, models.ErrNotFound
}

var pickup = models.Coord{Lat: 41.826, Lng: -71.402}

func TestChoosesShortestWalk(t *testing.T) {
	g := &fakeGeo{escorts: []models.Escort{
		{ID: "A", Loc: models.Coord{Lat: 41.84, Lng: -71.402}, Online: true},
		{ID: "B", Loc: models.Coord{Lat: 41.827, Lng: -71.402}, Online: true},
	}}
	s := &Service{Geo: g, Busy: busySet{}, Codes: func() (string, error) { return "0042", nil }}
	rec := &models.RequestRecord{ID: "req_1"}

	e, ok, err := s.Match(context.Background(), rec, &pickup)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	if e.ID != "B" || rec.EscortID != "B" {
		t.Fatalf("expected B, got %s", e.ID)
	}
	if rec.Code != "0042" || rec.ETASeconds <= 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSkipsBusyAndDeclined(t *testing.T) {
	g := &fakeGeo{escorts: []models.Escort{
		{ID: "A", Loc: pickup, Online: true},
		{ID: "B", Loc: pickup, Online: true},
		{ID: "C", Loc: pickup, Online: true},
	}}
	s := &Service{Geo: g, Busy: busySet{"A": true}}
	rec := &models.RequestRecord{ID: "req_1", Declined: []string{"B"}, Code: "1111"}

	e, ok, err := s.Match(context.Background(), rec, &pickup)
	if err != nil || !ok || e.ID != "C" {
		t.Fatalf("expected C, got %+v ok=%v err=%v", e, ok, err)
	}
	if rec.Code != "1111" {
		t.Fatal("re-match must keep the pairing code")
	}
}

func TestNoCandidates(t *testing.T) {
	s := &Service{Geo: &fakeGeo{}, Busy: busySet{}}
	rec := &models.RequestRecord{ID: "req_1"}
	if _, ok, err := s.Match(context.Background(), rec, nil); ok || err != nil {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
	if rec.EscortID != "" {
		t.Fatal("record must stay unassigned")
	}
}

func TestNewCodeFormat(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, err := NewCode()
		if err != nil {
			t.Fatal(err)
		}
		if len(c) != 4 {
			t.Fatalf("code %q is not four digits", c)
		}
		for _, r := range c {
			if r < '0' || r > '9' {
				t.Fatalf("code %q is not numeric", c)
			}
		}
	}
}
