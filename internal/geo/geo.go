package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/safewalk/internal/models"
)

// Geo is the escort presence index used by the matcher and handlers.
// A radius of zero or less means unbounded.
type Geo interface {
	Upsert(ctx context.Context, e models.Escort) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (models.Escort, bool, error)
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]models.Escort, error)
}

type Index struct {
	mu      sync.RWMutex
	escorts map[string]models.Escort
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{escorts: make(map[string]models.Escort), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, e models.Escort) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.Updated = g.now()
	g.escorts[e.ID] = e
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.escorts, id)
	return nil
}

func (g *Index) Get(_ context.Context, id string) (models.Escort, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.escorts[id]
	return e, ok, nil
}

// Len counts online escorts.
func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, e := range g.escorts {
		if e.Online {
			n++
		}
	}
	return n
}

// naive scan; campus-sized populations do not need a spatial index
func (g *Index) Nearby(_ context.Context, at models.Coord, radiusM float64, limit int) ([]models.Escort, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		e    models.Escort
		dist float64
	}
	arr := make([]pair, 0, len(g.escorts))
	for _, e := range g.escorts {
		if !e.Online {
			continue
		}
		dist := Haversine(at, e.Loc)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		arr = append(arr, pair{e, dist})
	}
	// partial selection sort for top-N, ties broken by id for stable results
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist || (arr[j].dist == arr[minIdx].dist && arr[j].e.ID < arr[minIdx].e.ID) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Escort, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].e)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(a, b models.Coord) float64 {
	const R = 6371000.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return R * c
}
