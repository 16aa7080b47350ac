package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/safewalk/internal/location"
	"github.com/example/safewalk/internal/models"
)

// fakeUpdater counts pushes and can hold them open until released.
type fakeUpdater struct {
	mu       sync.Mutex
	calls    int
	inFlight int32
	maxSeen  int32
	active   []bool
	fail     bool
	block    chan struct{}
	resp     models.StatusUpdateResponse
	// ctxErrs records ctx.Err() as each push returns.
	ctxErrs []error
}

func (f *fakeUpdater) StatusUpdate(ctx context.Context, p models.StatusUpdateParams) (models.StatusUpdateResponse, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls++
	f.active = append(f.active, p.IsActiveRequest)
	block, fail, resp := f.block, f.fail, f.resp
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	if fail {
		return models.StatusUpdateResponse{}, models.ErrTransport
	}
	return resp, nil
}

func (f *fakeUpdater) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeTicker hands out a channel the test fires by hand.
type fakeTicker struct {
	mu      sync.Mutex
	created int
	stopped int
	ch      chan time.Time
}

func newFakeTicker() *fakeTicker { return &fakeTicker{ch: make(chan time.Time, 4)} }

func (t *fakeTicker) factory(time.Duration) (<-chan time.Time, func()) {
	t.mu.Lock()
	t.created++
	t.mu.Unlock()
	return t.ch, func() {
		t.mu.Lock()
		t.stopped++
		t.mu.Unlock()
	}
}

func (t *fakeTicker) fire() {
	select {
	case t.ch <- time.Now():
	default:
	}
}

func (t *fakeTicker) counts() (created, stopped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.created, t.stopped
}

func newTestPublisher(svc StatusUpdater, loc location.Source) (*Publisher, *fakeTicker) {
	p := New(svc, loc, nil)
	ft := newFakeTicker()
	p.newTicker = ft.factory
	return p, ft
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func here() *location.Static { return location.NewStatic(models.Coord{Lat: 41.8268, Lng: -71.4025}) }

func TestStartTwiceIsNoop(t *testing.T) {
	svc := &fakeUpdater{}
	p, ft := newTestPublisher(svc, here())
	defer p.Stop()
	ctx := context.Background()

	if err := p.Start(ctx, Options{SubjectID: "w1", Interval: time.Second}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first tick", func() bool { return svc.Calls() == 1 })
	if err := p.Start(ctx, Options{SubjectID: "w1", Interval: time.Second}); err != nil {
		t.Fatalf("second start: %v", err)
	}

	ft.fire()
	waitFor(t, "interval tick", func() bool { return svc.Calls() == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := svc.Calls(); got != 2 {
		t.Fatalf("expected exactly 2 pushes, got %d", got)
	}
	if created, _ := ft.counts(); created != 1 {
		t.Fatalf("expected one ticker, got %d", created)
	}
}

func TestStartPermissionDenied(t *testing.T) {
	svc := &fakeUpdater{}
	loc := here()
	loc.Deny()
	p, ft := newTestPublisher(svc, loc)

	err := p.Start(context.Background(), Options{SubjectID: "s1"})
	if !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if p.Running() {
		t.Fatal("publisher must not run after a refused permission")
	}
	if created, _ := ft.counts(); created != 0 {
		t.Fatal("no ticker may be created")
	}
	if svc.Calls() != 0 {
		t.Fatal("no push may happen")
	}
}

func TestLocationFailureSkipsPush(t *testing.T) {
	svc := &fakeUpdater{}
	var failing atomic.Bool
	failing.Store(true)
	loc := location.Func(func(ctx context.Context) (models.Coord, error) {
		if failing.Load() {
			return models.Coord{}, models.ErrCapabilityUnavailable
		}
		return models.Coord{Lat: 1, Lng: 2}, nil
	})
	p, ft := newTestPublisher(svc, loc)
	defer p.Stop()

	if err := p.Start(context.Background(), Options{SubjectID: "s1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if svc.Calls() != 0 {
		t.Fatal("no network call expected when location fails")
	}
	if _, ok := p.Latest(); ok {
		t.Fatal("lastSentAt must not advance")
	}
	if !p.Running() {
		t.Fatal("loop must keep running")
	}

	failing.Store(false)
	ft.fire()
	waitFor(t, "retry on next tick", func() bool { return svc.Calls() == 1 })
	waitFor(t, "record published", func() bool { _, ok := p.Latest(); return ok })
}

func TestTransportFailureKeepsLoop(t *testing.T) {
	svc := &fakeUpdater{fail: true}
	p, ft := newTestPublisher(svc, here())
	defer p.Stop()

	if err := p.Start(context.Background(), Options{SubjectID: "s1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first push", func() bool { return svc.Calls() == 1 })
	ft.fire()
	waitFor(t, "second push", func() bool { return svc.Calls() == 2 })
	if _, ok := p.Latest(); ok {
		t.Fatal("failed pushes must not publish")
	}
}

func TestSingleFlight(t *testing.T) {
	svc := &fakeUpdater{block: make(chan struct{})}
	p, ft := newTestPublisher(svc, here())
	defer p.Stop()

	if err := p.Start(context.Background(), Options{SubjectID: "w1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first push in flight", func() bool { return svc.Calls() == 1 })

	ft.fire()
	ft.fire()
	p.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if got := svc.Calls(); got != 1 {
		t.Fatalf("overlapping ticks must be skipped, saw %d pushes", got)
	}

	close(svc.block)
	waitFor(t, "published", func() bool { _, ok := p.Latest(); return ok })
	p.Tick(context.Background())
	if got := svc.Calls(); got != 2 {
		t.Fatalf("expected tick after release, got %d pushes", got)
	}
	if m := atomic.LoadInt32(&svc.maxSeen); m != 1 {
		t.Fatalf("at most one push may be in flight, saw %d", m)
	}
}

func TestActiveFlagReadEveryTick(t *testing.T) {
	svc := &fakeUpdater{}
	p, _ := newTestPublisher(svc, here())
	defer p.Stop()

	var active atomic.Bool
	if err := p.Start(context.Background(), Options{SubjectID: "s1", IsStudent: true, Active: active.Load}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first push", func() bool { _, ok := p.Latest(); return ok })
	active.Store(true)
	p.Tick(context.Background())

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.active) != 2 || svc.active[0] || !svc.active[1] {
		t.Fatalf("expected [false true], got %v", svc.active)
	}
}

func TestSubscribeReplayAndFanOut(t *testing.T) {
	svc := &fakeUpdater{resp: models.StatusUpdateResponse{Success: true, MatchingStatus: true}}
	p, _ := newTestPublisher(svc, here())
	defer p.Stop()

	var a, b atomic.Int32
	unsubA := p.Subscribe(func(models.HeartbeatRecord) { a.Add(1) })
	if err := p.Start(context.Background(), Options{SubjectID: "w1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first publish", func() bool { return a.Load() == 1 })

	var replayed models.HeartbeatRecord
	p.Subscribe(func(r models.HeartbeatRecord) {
		replayed = r
		b.Add(1)
	})
	if b.Load() != 1 || !replayed.MatchingSignal || replayed.SubjectID != "w1" {
		t.Fatalf("new subscriber must get the latest record, got %+v", replayed)
	}
	if replayed.LastSentAt.IsZero() {
		t.Fatal("record must carry lastSentAt")
	}

	unsubA()
	unsubA()
	p.Tick(context.Background())
	if a.Load() != 1 {
		t.Fatal("unsubscribed listener was called")
	}
	if b.Load() != 2 {
		t.Fatalf("remaining listener must still be called, got %d", b.Load())
	}
}

func TestStopThenSubscribe(t *testing.T) {
	svc := &fakeUpdater{}
	p, ft := newTestPublisher(svc, here())

	if err := p.Start(context.Background(), Options{SubjectID: "w1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "first publish", func() bool { _, ok := p.Latest(); return ok })
	p.Stop()
	p.Stop()

	called := false
	p.Subscribe(func(models.HeartbeatRecord) { called = true })
	ft.fire()
	p.Tick(context.Background())
	time.Sleep(20 * time.Millisecond)

	if called {
		t.Fatal("no replay or publish expected after stop")
	}
	if svc.Calls() != 1 {
		t.Fatalf("no further push expected after stop, got %d", svc.Calls())
	}
	waitFor(t, "ticker stopped", func() bool { _, stopped := ft.counts(); return stopped == 1 })
}

func TestStopDropsInFlightResult(t *testing.T) {
	svc := &fakeUpdater{block: make(chan struct{})}
	p, _ := newTestPublisher(svc, here())

	var got atomic.Int32
	p.Subscribe(func(models.HeartbeatRecord) { got.Add(1) })
	if err := p.Start(context.Background(), Options{SubjectID: "w1"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "push in flight", func() bool { return svc.Calls() == 1 })
	p.Stop()
	close(svc.block)
	time.Sleep(20 * time.Millisecond)

	if got.Load() != 0 {
		t.Fatal("result of a tick resolving after stop must not be published")
	}
	if _, ok := p.Latest(); ok {
		t.Fatal("latest record must stay cleared")
	}
	waitFor(t, "push returned", func() bool {
		svc.mu.Lock()
		defer svc.mu.Unlock()
		return len(svc.ctxErrs) == 1
	})
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.ctxErrs[0] != nil {
		t.Fatalf("stop must not abort the push in flight, got %v", svc.ctxErrs)
	}
}

func TestRestartAfterStop(t *testing.T) {
	svc := &fakeUpdater{}
	p, ft := newTestPublisher(svc, here())
	defer p.Stop()
	ctx := context.Background()

	if err := p.Start(ctx, Options{SubjectID: "w1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first push", func() bool { return svc.Calls() == 1 })
	p.Stop()
	if err := p.Start(ctx, Options{SubjectID: "w1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "push after restart", func() bool { return svc.Calls() == 2 })
	if created, _ := ft.counts(); created != 2 {
		t.Fatalf("expected a fresh ticker after restart, got %d", created)
	}
}
