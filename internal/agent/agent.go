// Package agent wires the session, heartbeat and reconciler for one
// participant and implements the sign-in and sign-out flows.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/safewalk/internal/heartbeat"
	"github.com/example/safewalk/internal/location"
	"github.com/example/safewalk/internal/models"
	"github.com/example/safewalk/internal/reconciler"
	"github.com/example/safewalk/internal/session"
)

// Service is everything the agent needs from the request service.
type Service interface {
	RegisterPresence(ctx context.Context, p models.PresenceRegistration) error
	reconciler.RequestService
	session.Deregisterer
}

type Options struct {
	HeartbeatInterval time.Duration
	// ListeningAddr is advertised by escorts at registration.
	ListeningAddr string
	Label         string
}

type Agent struct {
	svc    Service
	loc    location.Source
	opts   Options
	logger *slog.Logger

	Session    *session.Context
	Heartbeat  *heartbeat.Publisher
	Reconciler *reconciler.Reconciler
}

func New(svc Service, loc location.Source, opts Options, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	sess := session.New(svc, logger)
	return &Agent{
		svc:        svc,
		loc:        loc,
		opts:       opts,
		logger:     logger,
		Session:    sess,
		Heartbeat:  heartbeat.New(svc, loc, logger),
		Reconciler: reconciler.New(svc, loc, sess, logger),
	}
}

// SignIn registers an escort's presence, stores the credentials and starts
// the session's single heartbeat. Escorts are always active; students are
// active while they have a live request. Any failure leaves the agent
// signed out.
func (a *Agent) SignIn(ctx context.Context, token string, user models.User) error {
	if user.Role == models.RoleSafewalker {
		if err := a.register(ctx, user); err != nil {
			return err
		}
	}

	a.Session.Login(token, user)

	active := a.Session.HasActiveRequest
	if user.Role == models.RoleSafewalker {
		active = func() bool { return true }
	}
	err := a.Heartbeat.Start(ctx, heartbeat.Options{
		SubjectID: user.ID,
		IsStudent: user.IsStudent(),
		Active:    active,
		Interval:  a.opts.HeartbeatInterval,
		Label:     a.opts.Label,
	})
	if err != nil {
		a.Session.Logout(ctx)
		return fmt.Errorf("sign in: %w", err)
	}
	a.Session.AttachHeartbeat(a.Heartbeat)
	return nil
}

func (a *Agent) register(ctx context.Context, user models.User) error {
	if err := a.loc.RequestPermission(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	loc, err := a.loc.Current(ctx)
	if err != nil {
		return fmt.Errorf("sign in: %w: %v", models.ErrCapabilityUnavailable, err)
	}
	err = a.svc.RegisterPresence(ctx, models.PresenceRegistration{
		Name:          user.Name,
		SubjectID:     user.ID,
		ListeningAddr: a.opts.ListeningAddr,
		Label:         a.opts.Label,
		Loc:           loc,
	})
	if err != nil {
		return fmt.Errorf("sign in: register presence: %w", err)
	}
	return nil
}

func (a *Agent) SignOut(ctx context.Context) {
	a.Session.Logout(ctx)
}

// RequestWalk creates a request for the signed-in student.
func (a *Agent) RequestWalk(ctx context.Context, pickup, destination models.Place) (*reconciler.Trip, error) {
	return a.Reconciler.Create(ctx, pickup, destination)
}

// WaitForAssignment blocks until a heartbeat sent after the call reports a
// match and returns a trip tracking it. Records from before the call are
// ignored so a just-finished assignment is not picked up again. In the
// deployed protocol the escort's own id doubles as the request id.
func (a *Agent) WaitForAssignment(ctx context.Context) (*reconciler.Trip, models.HeartbeatRecord, error) {
	user, ok := a.Session.User()
	if !ok {
		return nil, models.HeartbeatRecord{}, models.ErrNotSignedIn
	}

	since := time.Now()
	found := make(chan models.HeartbeatRecord, 1)
	unsubscribe := a.Heartbeat.Subscribe(func(r models.HeartbeatRecord) {
		if r.IsStudent || !(r.Success && r.IsAssigned) || r.LastSentAt.Before(since) {
			return
		}
		select {
		case found <- r:
		default:
		}
	})
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil, models.HeartbeatRecord{}, ctx.Err()
	case rec := <-found:
		a.logger.Info("escort_assigned", "user_id", user.ID, "student_label", rec.CounterpartLabel)
		return a.Reconciler.Track(user.ID, false), rec, nil
	}
}
