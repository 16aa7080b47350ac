package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/safewalk/internal/location"
	"github.com/example/safewalk/internal/models"
	"github.com/example/safewalk/internal/observability"
)

// Trip is the client-side view of one request.
type Trip struct {
	r           *Reconciler
	requestID   string
	isStudent   bool
	pickup      models.Place
	destination models.Place

	mu          sync.Mutex
	status      models.Status
	eta         *int
	code        string
	counterpart *models.Coord
	// closed trips ignore late poll results
	closed bool
}

func (t *Trip) RequestID() string { return t.requestID }

func (t *Trip) Status() models.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Trip) Snapshot() models.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Trip) snapshotLocked() models.Request {
	s := models.Request{
		RequestID:   t.requestID,
		Status:      t.status,
		Pickup:      t.pickup,
		Destination: t.destination,
		PairingCode: t.code,
	}
	if t.eta != nil {
		v := *t.eta
		s.ETASeconds = &v
	}
	if t.counterpart != nil {
		c := *t.counterpart
		s.CounterpartLive = &c
	}
	return s
}

func (t *Trip) summary() *models.ActiveRequestSummary {
	s := t.snapshotLocked()
	return &models.ActiveRequestSummary{
		RequestID:   s.RequestID,
		Status:      s.Status,
		ETASeconds:  s.ETASeconds,
		PairingCode: s.PairingCode,
	}
}

// Close stops the trip from applying any further poll result. It does not
// touch the session; the request may still be live on the server.
func (t *Trip) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Release ends the trip once the request is known to be gone from some
// other source, such as an escort heartbeat that no longer reports the
// assignment. The status is left as it was and the session slot is cleared.
func (t *Trip) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}
	wasClosed := t.closed
	t.closed = true
	t.r.Session.SetActiveRequest(nil)
	if !wasClosed {
		t.r.Logger.Info("request_released", "request_id", t.requestID, "status", t.status.String())
	}
}

func (t *Trip) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Poll asks the service once for the request's state and folds the answer
// into the trip. Failures are logged and leave the status where it was. A
// request the service no longer knows keeps its last status but closes the
// trip and clears the session slot.
func (t *Trip) Poll(ctx context.Context) models.Request {
	if t.Closed() {
		return t.Snapshot()
	}
	log := t.r.Logger.With("request_id", t.requestID)

	loc, ok := location.BestEffort(ctx, t.r.Location)
	if !ok {
		log.Debug("poll_location_sentinel")
	}
	res, err := t.r.Service.StatusUpdate(ctx, models.StatusUpdateParams{
		SubjectID:       t.requestID,
		IsStudent:       t.isStudent,
		IsActiveRequest: true,
		Loc:             loc,
	})

	obs := models.Observation{Kind: models.ObservedSignals, Success: res.Success, Matching: res.MatchingStatus}
	switch {
	case errors.Is(err, models.ErrNotFound):
		obs = models.Observation{Kind: models.ObservedNotFound}
		observability.StatusPolls.WithLabelValues("not_found").Inc()
		log.Info("status_poll_not_found")
	case err != nil:
		obs = models.Observation{Kind: models.ObservedFailure}
		observability.StatusPolls.WithLabelValues("transport_error").Inc()
		log.Warn("status_poll_failed", "error", err)
	default:
		observability.StatusPolls.WithLabelValues("ok").Inc()
	}

	t.mu.Lock()
	if t.closed || ctx.Err() != nil {
		snap := t.snapshotLocked()
		t.mu.Unlock()
		return snap
	}
	prev := t.status
	t.status = models.NextStatus(prev, obs)
	if err == nil {
		t.counterpart = res.CounterpartLive()
		if res.Code != "" {
			t.code = res.Code
		}
		if res.ETASeconds != nil {
			eta := *res.ETASeconds
			t.eta = &eta
		}
	}
	gone := obs.Kind == models.ObservedNotFound
	if t.status.Terminal() || gone {
		t.closed = true
	}
	snap := t.snapshotLocked()
	// The slot is written under t.mu so a terminate that lands after this
	// poll always has the last word.
	if snap.Status.Live() && !gone {
		t.r.Session.SetActiveRequest(t.summary())
	} else {
		t.r.Session.SetActiveRequest(nil)
	}
	t.mu.Unlock()

	if prev != snap.Status {
		observability.StatusTransitions.WithLabelValues(prev.String(), snap.Status.String()).Inc()
		log.Info("status_changed", "from", prev.String(), "to", snap.Status.String())
	}
	return snap
}

// VerifyCode submits the pairing code the escort was shown. Acceptance does
// not change the status; WALKING shows up on a later poll.
func (t *Trip) VerifyCode(ctx context.Context, code string) error {
	ok, err := t.r.Service.VerifyCode(ctx, t.requestID, code)
	if err != nil {
		return fmt.Errorf("verify code: %w", err)
	}
	if !ok {
		t.r.Logger.Info("code_rejected", "request_id", t.requestID)
		return models.ErrIncorrectCode
	}
	t.r.Logger.Info("code_accepted", "request_id", t.requestID)
	return nil
}

// Cancel withdraws the request.
func (t *Trip) Cancel(ctx context.Context) error {
	return t.terminate(ctx, models.IntentCancel, models.StatusCancelled)
}

// Complete confirms arrival.
func (t *Trip) Complete(ctx context.Context) error {
	return t.terminate(ctx, models.IntentComplete, models.StatusCompleted)
}

// Decline hands an assigned request back to the pool. The escort's own trip
// ends as CANCELLED.
func (t *Trip) Decline(ctx context.Context) error {
	return t.terminate(ctx, models.IntentDecline, models.StatusCancelled)
}

// terminate issues the call and, once it succeeds, ends the trip locally
// without waiting for a poll to confirm it.
func (t *Trip) terminate(ctx context.Context, intent models.TerminateIntent, final models.Status) error {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	err := t.r.Service.Terminate(ctx, t.requestID, t.isStudent, intent)
	if errors.Is(err, models.ErrNotFound) {
		t.r.Logger.Info("terminate_unknown_request", "request_id", t.requestID, "intent", string(intent))
	} else if err != nil {
		return fmt.Errorf("%s request: %w", intent, err)
	}

	t.mu.Lock()
	prev := t.status
	if prev.Terminal() {
		// a concurrent terminate got there first
		t.mu.Unlock()
		return nil
	}
	t.status = final
	t.closed = true
	t.r.Session.SetActiveRequest(nil)
	t.mu.Unlock()

	observability.StatusTransitions.WithLabelValues(prev.String(), final.String()).Inc()
	t.r.Logger.Info("request_terminated", "request_id", t.requestID, "intent", string(intent), "status", final.String())
	return nil
}

// Watch polls right away and then every interval, handing each snapshot to
// fn, until ctx is cancelled or the trip is closed. Results that land after
// cancellation are dropped.
func (t *Trip) Watch(ctx context.Context, interval time.Duration, fn func(models.Request)) {
	poll := func() bool {
		if t.Closed() {
			return false
		}
		snap := t.Poll(ctx)
		if ctx.Err() != nil {
			return false
		}
		if fn != nil {
			fn(snap)
		}
		return !snap.Status.Terminal() && !t.Closed()
	}
	if !poll() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !poll() {
				return
			}
		}
	}
}
