// Package session holds who is signed in and the one request they have in
// progress. It is an explicit object so tests and agents can run
// independent instances.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/example/safewalk/internal/models"
)

// Stopper is the part of the heartbeat a session owns.
type Stopper interface {
	Stop()
}

// Deregisterer removes an escort's presence from the request service.
type Deregisterer interface {
	DeregisterPresence(ctx context.Context, subjectID string) error
}

type Context struct {
	deregister Deregisterer
	logger     *slog.Logger

	mu        sync.RWMutex
	user      *models.User
	token     string
	active    *models.ActiveRequestSummary
	heartbeat Stopper
}

func New(deregister Deregisterer, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{deregister: deregister, logger: logger}
}

// Login stores credentials. Starting the heartbeat is the caller's job.
func (c *Context) Login(token string, user models.User) {
	c.mu.Lock()
	c.token = token
	c.user = &user
	c.mu.Unlock()
	c.logger.Info("session_login", "user_id", user.ID, "role", string(user.Role))
}

// AttachHeartbeat records the heartbeat that Logout must stop. A previously
// attached heartbeat is stopped first so only one is ever owned.
func (c *Context) AttachHeartbeat(h Stopper) {
	c.mu.Lock()
	prev := c.heartbeat
	c.heartbeat = h
	c.mu.Unlock()
	if prev != nil && prev != h {
		prev.Stop()
	}
}

// Logout clears credentials and the active request, stops the heartbeat,
// and deregisters an escort. Deregistration failures are logged only.
func (c *Context) Logout(ctx context.Context) {
	c.mu.Lock()
	user := c.user
	hb := c.heartbeat
	c.user = nil
	c.token = ""
	c.active = nil
	c.heartbeat = nil
	c.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	if user == nil {
		return
	}
	if user.Role == models.RoleSafewalker && c.deregister != nil {
		if err := c.deregister.DeregisterPresence(ctx, user.ID); err != nil {
			c.logger.Warn("deregister_failed", "user_id", user.ID, "error", err)
		}
	}
	c.logger.Info("session_logout", "user_id", user.ID)
}

// SetActiveRequest replaces the single active-request slot; nil clears it.
func (c *Context) SetActiveRequest(s *models.ActiveRequestSummary) {
	var cp *models.ActiveRequestSummary
	if s != nil {
		v := *s
		cp = &v
	}
	c.mu.Lock()
	c.active = cp
	c.mu.Unlock()
}

func (c *Context) ActiveRequest() (models.ActiveRequestSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return models.ActiveRequestSummary{}, false
	}
	return *c.active, true
}

// HasActiveRequest is the student's heartbeat intent signal.
func (c *Context) HasActiveRequest() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active != nil
}

func (c *Context) User() (models.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return models.User{}, false
	}
	return *c.user, true
}

func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}
