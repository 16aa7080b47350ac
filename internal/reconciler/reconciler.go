// Package reconciler turns a stream of stateless status polls into one
// logical trip status per request and keeps the session's active-request
// slot in step with it.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/safewalk/internal/location"
	"github.com/example/safewalk/internal/models"
)

// RequestService is the subset of the remote request service a trip uses.
type RequestService interface {
	CreateRequest(ctx context.Context, p models.CreateRequestParams) (models.CreateResult, error)
	StatusUpdate(ctx context.Context, p models.StatusUpdateParams) (models.StatusUpdateResponse, error)
	VerifyCode(ctx context.Context, subjectID, code string) (bool, error)
	Terminate(ctx context.Context, subjectID string, isStudent bool, intent models.TerminateIntent) error
}

// SessionStore is the session slot the reconciler writes to.
type SessionStore interface {
	User() (models.User, bool)
	SetActiveRequest(s *models.ActiveRequestSummary)
}

var ErrNotStudent = errors.New("only students can create requests")

type Reconciler struct {
	Service  RequestService
	Location location.Source
	Session  SessionStore
	Logger   *slog.Logger
}

func New(svc RequestService, loc location.Source, sess SessionStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{Service: svc, Location: loc, Session: sess, Logger: logger}
}

// Create asks the service for an escort on behalf of the signed-in student.
// When nobody is available the returned trip is already NO_AVAILABLE and the
// error is nil; transport failures are returned wrapping models.ErrTransport.
func (r *Reconciler) Create(ctx context.Context, pickup, destination models.Place) (*Trip, error) {
	user, ok := r.Session.User()
	if !ok {
		return nil, models.ErrNotSignedIn
	}
	if !user.IsStudent() {
		return nil, ErrNotStudent
	}

	res, err := r.Service.CreateRequest(ctx, models.CreateRequestParams{
		SubjectID:   user.ID,
		Pickup:      pickup,
		Destination: destination,
	})
	if errors.Is(err, models.ErrNoAvailable) {
		t := r.newTrip("", true, pickup, destination)
		t.status = models.StatusNoAvailable
		t.closed = true
		r.Session.SetActiveRequest(nil)
		r.Logger.Info("request_no_available", "user_id", user.ID)
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	t := r.newTrip(res.RequestID, true, pickup, destination)
	t.status = models.StatusMatching
	t.code = res.PairingCode
	t.eta = res.ETASeconds
	r.Session.SetActiveRequest(t.summary())
	r.Logger.Info("request_created", "user_id", user.ID, "request_id", res.RequestID, "safewalker_id", res.CounterpartID)
	return t, nil
}

// Track attaches to a request that already exists, such as the one an
// escort has just been assigned. Its status is unknown until the first poll.
func (r *Reconciler) Track(requestID string, isStudent bool) *Trip {
	return r.newTrip(requestID, isStudent, models.Place{}, models.Place{})
}

func (r *Reconciler) newTrip(requestID string, isStudent bool, pickup, destination models.Place) *Trip {
	return &Trip{
		r:           r,
		requestID:   requestID,
		isStudent:   isStudent,
		pickup:      pickup,
		destination: destination,
	}
}
