// Package heartbeat keeps the request service apprised of a participant's
// location and "active" intent, and fans the service's reply out to
// in-process subscribers.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/safewalk/internal/location"
	"github.com/example/safewalk/internal/models"
	"github.com/example/safewalk/internal/observability"
)

const DefaultInterval = 5 * time.Second

// StatusUpdater is the one remote call a heartbeat makes.
type StatusUpdater interface {
	StatusUpdate(ctx context.Context, p models.StatusUpdateParams) (models.StatusUpdateResponse, error)
}

type Options struct {
	SubjectID string
	IsStudent bool
	// Active is read on every tick; the caller's intent may change while
	// the loop runs.
	Active   func() bool
	Interval time.Duration
	Label    string
}

// Publisher runs at most one heartbeat loop and at most one push at a time.
type Publisher struct {
	svc    StatusUpdater
	loc    location.Source
	logger *slog.Logger

	now       func() time.Time
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu       sync.Mutex
	running  bool
	inFlight bool
	gen      uint64
	opts     Options
	cancel   context.CancelFunc
	latest   *models.HeartbeatRecord
	subs     map[uint64]func(models.HeartbeatRecord)
	nextSub  uint64
}

func New(svc StatusUpdater, loc location.Source, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		svc:       svc,
		loc:       loc,
		logger:    logger,
		now:       time.Now,
		newTicker: realTicker,
		subs:      make(map[uint64]func(models.HeartbeatRecord)),
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Start begins the heartbeat loop. Calling it while the loop runs is a no-op.
// A refused location permission returns an error wrapping
// models.ErrPermissionDenied and leaves the publisher stopped.
func (p *Publisher) Start(ctx context.Context, opts Options) error {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.gen++
	gen := p.gen
	p.opts = opts
	p.mu.Unlock()

	if err := p.loc.RequestPermission(ctx); err != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.running = false
		}
		p.mu.Unlock()
		return fmt.Errorf("start heartbeat: %w", err)
	}

	p.mu.Lock()
	if p.gen != gen {
		// stopped while waiting for permission
		p.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	ticks, stopTicker := p.newTicker(opts.Interval)
	p.mu.Unlock()

	p.logger.Info("heartbeat_started", "sid", opts.SubjectID, "is_student", opts.IsStudent, "interval", opts.Interval.String())
	go p.loop(loopCtx, gen, ticks, stopTicker)
	return nil
}

// loop exits when Stop cancels ctx. Pushes run on a context Stop does not
// cancel; a push that outlives Stop finishes and its result is dropped.
func (p *Publisher) loop(ctx context.Context, gen uint64, ticks <-chan time.Time, stopTicker func()) {
	defer stopTicker()
	pushCtx := context.WithoutCancel(ctx)
	go p.tick(pushCtx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			go p.tick(pushCtx, gen)
		}
	}
}

// Tick performs one push now, subject to the same single-flight guard as the
// loop. It does nothing when the publisher is stopped.
func (p *Publisher) Tick(ctx context.Context) {
	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	p.tick(ctx, gen)
}

func (p *Publisher) tick(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if !p.running || p.gen != gen {
		p.mu.Unlock()
		return
	}
	if p.inFlight {
		p.mu.Unlock()
		observability.HeartbeatTicks.WithLabelValues("skipped_in_flight").Inc()
		return
	}
	p.inFlight = true
	opts := p.opts
	p.mu.Unlock()

	loc, err := p.loc.Current(ctx)
	if err != nil {
		p.logger.Debug("heartbeat_location_failed", "sid", opts.SubjectID, "error", err)
		observability.HeartbeatTicks.WithLabelValues("location_error").Inc()
		p.finish(gen, nil)
		return
	}

	active := opts.Active != nil && opts.Active()
	res, err := p.svc.StatusUpdate(ctx, models.StatusUpdateParams{
		SubjectID:       opts.SubjectID,
		IsStudent:       opts.IsStudent,
		IsActiveRequest: active,
		Label:           opts.Label,
		Loc:             loc,
	})
	if err != nil {
		p.logger.Debug("heartbeat_push_failed", "sid", opts.SubjectID, "error", err)
		observability.HeartbeatTicks.WithLabelValues("transport_error").Inc()
		p.finish(gen, nil)
		return
	}

	p.finish(gen, &models.HeartbeatRecord{
		SubjectID:        opts.SubjectID,
		IsStudent:        opts.IsStudent,
		IsActiveRequest:  active,
		Coordinates:      loc,
		LastSentAt:       p.now(),
		Success:          res.Success,
		MatchingSignal:   res.MatchingStatus,
		IsAssigned:       res.IsAssigned,
		CounterpartLive:  res.CounterpartLive(),
		CounterpartLabel: res.CounterpartLabel,
	})
}

// finish releases the in-flight guard and publishes rec, unless the
// publisher was stopped while the tick was running.
func (p *Publisher) finish(gen uint64, rec *models.HeartbeatRecord) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		if rec != nil {
			observability.HeartbeatTicks.WithLabelValues("stale").Inc()
		}
		return
	}
	p.inFlight = false
	if rec == nil {
		p.mu.Unlock()
		return
	}
	p.latest = rec
	subs := make([]func(models.HeartbeatRecord), 0, len(p.subs))
	for _, cb := range p.subs {
		subs = append(subs, cb)
	}
	p.mu.Unlock()

	observability.HeartbeatTicks.WithLabelValues("sent").Inc()
	for _, cb := range subs {
		cb(*rec)
	}
}

// Stop halts the loop, drops the latest record and releases every
// subscriber. A push still in flight completes but is not published.
func (p *Publisher) Stop() {
	p.mu.Lock()
	wasRunning := p.running
	p.running = false
	p.inFlight = false
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	sid := p.opts.SubjectID
	p.latest = nil
	p.subs = make(map[uint64]func(models.HeartbeatRecord))
	p.mu.Unlock()

	if wasRunning {
		p.logger.Info("heartbeat_stopped", "sid", sid)
	}
}

// Subscribe registers cb. It is called right away with the latest record if
// there is one, then on every publish. The returned func removes only cb.
func (p *Publisher) Subscribe(cb func(models.HeartbeatRecord)) (unsubscribe func()) {
	p.mu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = cb
	var latest *models.HeartbeatRecord
	if p.latest != nil {
		rec := *p.latest
		latest = &rec
	}
	p.mu.Unlock()

	if latest != nil {
		cb(*latest)
	}
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Publisher) Latest() (models.HeartbeatRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return models.HeartbeatRecord{}, false
	}
	return *p.latest, true
}

func (p *Publisher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
