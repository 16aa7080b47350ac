package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/safewalk/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimateSecondsDefaultsSpeed(t *testing.T) {
	a, b := models.Coord{}, models.Coord{Lat: 0.01}
	if EstimateSeconds(a, b, 0) != EstimateSeconds(a, b, DefaultWalkingSpeedMps) {
		t.Fatal("zero speed must fall back to walking speed")
	}
}

func TestEstimatorUsesCache(t *testing.T) {
	fc := &fakeClient{v: 240}
	e := &Estimator{Client: fc, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 41.8}, models.Coord{Lat: 41.81}

	if got := e.Seconds(context.Background(), a, b); got != 240 {
		t.Fatalf("expected routed value, got %f", got)
	}
	_ = e.Seconds(context.Background(), a, b)
	if fc.calls != 1 {
		t.Fatalf("second lookup must hit the cache, calls=%d", fc.calls)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, SpeedMps: 2}
	a, b := models.Coord{}, models.Coord{Lat: 0.01}
	if got, want := e.Seconds(context.Background(), a, b), EstimateSeconds(a, b, 2); got != want {
		t.Fatalf("expected fallback %f, got %f", want, got)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Nanosecond)
	c.Set(models.Coord{}, models.Coord{Lat: 1}, 5)
	time.Sleep(time.Millisecond)
	if _, ok := c.Get(models.Coord{}, models.Coord{Lat: 1}); ok {
		t.Fatal("expired entry must not be returned")
	}
}

func TestOSRMClient(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	o := NewOSRMClient(srv.URL + "/")
	got, err := o.EstimateSeconds(context.Background(), models.Coord{Lat: 41.8, Lng: -71.4}, models.Coord{Lat: 41.82, Lng: -71.41})
	if err != nil {
		t.Fatal(err)
	}
	if got != 321.5 {
		t.Fatalf("unexpected duration %f", got)
	}
	if !strings.HasPrefix(path, "/route/v1/foot/-71.400000,41.800000;") {
		t.Fatalf("unexpected path %s", path)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatal("expected error")
	}
}
