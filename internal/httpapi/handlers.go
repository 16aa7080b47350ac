package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/safewalk/internal/geo"
	"github.com/example/safewalk/internal/matcher"
	"github.com/example/safewalk/internal/models"
	"github.com/example/safewalk/internal/observability"
	"github.com/example/safewalk/internal/storage"
)

const requestIDPrefix = "req_"

// EventPublisher receives every escort presence change.
type EventPublisher interface {
	PublishPresence(ctx context.Context, ev models.PresenceEvent) error
}

type Deps struct {
	Geo     geo.Geo
	Store   storage.RequestStore
	Matcher *matcher.Service
	// Events is optional.
	Events EventPublisher
}

// Server is the reference SafeWalk backend. Every endpoint takes its input
// from the query string and answers with JSON.
type Server struct {
	Geo     geo.Geo
	Matcher *matcher.Service
	Store   storage.RequestStore
	Events  EventPublisher
	logger  *slog.Logger
	mux     *mux.Router
	now     func() time.Time

	// mu serialises request mutations so two creates cannot take the same escort.
	mu       sync.Mutex
	students map[string]models.Coord
}

func New(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Geo:      d.Geo,
		Matcher:  d.Matcher,
		Store:    d.Store,
		Events:   d.Events,
		logger:   logger,
		mux:      mux.NewRouter(),
		now:      time.Now,
		students: make(map[string]models.Coord),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/register-safewalker", s.handleRegister).Methods("POST")
	s.mux.HandleFunc("/request-safewalk", s.handleCreate).Methods("POST")
	s.mux.HandleFunc("/status-update", s.handleStatusUpdate).Methods("POST")
	s.mux.HandleFunc("/verify-code", s.handleVerifyCode).Methods("POST")
	s.mux.HandleFunc("/cancel-safewalk", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/deregister-safewalker", s.handleDeregister).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	if sid == "" {
		http.Error(w, "sid is required", http.StatusBadRequest)
		return
	}
	loc, err := queryCoord(q, "lat", "long")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e := models.Escort{ID: sid, Name: q.Get("name"), Label: q.Get("label"), ListeningAddr: q.Get("listening_addr"), Online: true}
	if loc != nil {
		e.Loc = *loc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsertEscort(r.Context(), e, true); err != nil {
		s.logger.Error("register_failed", "sid", sid, "error", err)
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info("escort_registered", "sid", sid, "name", e.Name)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	if sid == "" {
		http.Error(w, "sid is required", http.StatusBadRequest)
		return
	}
	pickup, err := queryCoord(q, "plat", "plng")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dest, err := queryCoord(q, "dlat", "dlng")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.Store.ByStudent(ctx, sid); err == nil {
		writeJSON(w, http.StatusOK, createResult(existing))
		return
	} else if !errors.Is(err, models.ErrNotFound) {
		s.internalError(w, "lookup_failed", err)
		return
	}

	now := s.now()
	rec := &models.RequestRecord{
		ID:          newRequestID(),
		StudentID:   sid,
		Pickup:      models.Place{Label: q.Get("plabel"), Coord: pickup},
		Destination: models.Place{Label: q.Get("dlabel"), Coord: dest},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if loc, ok := s.students[sid]; ok {
		rec.StudentLoc = &loc
	}

	escort, ok, err := s.Matcher.Match(ctx, rec, anchorFor(rec))
	if err != nil {
		s.internalError(w, "match_failed", err)
		return
	}
	if !ok {
		s.logger.Info("no_escort_available", "sid", sid)
		http.Error(w, "no safewalker available", http.StatusServiceUnavailable)
		return
	}
	if err := s.Store.Save(ctx, rec); err != nil {
		s.internalError(w, "save_failed", err)
		return
	}
	s.logger.Info("request_matched", "request_id", rec.ID, "sid", sid, "escort_id", escort.ID, "eta_seconds", rec.ETASeconds)
	writeJSON(w, http.StatusOK, createResult(rec))
}

// handleStatusUpdate serves both heartbeats and status polls. A request id
// that is no longer live is a 404; a participant without a request gets
// success=false.
func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	if sid == "" {
		http.Error(w, "sid is required", http.StatusBadRequest)
		return
	}
	isStudent := queryBool(q, "isStudent")
	active := queryBool(q, "isActiveRequest")
	loc, err := queryCoord(q, "lat", "lng")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if loc != nil && *loc == models.Origin {
		loc = nil
	}
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	studentView := isStudent || isRequestID(sid)
	if !studentView {
		if err := s.touchEscort(ctx, sid, q.Get("label"), loc, active); err != nil {
			s.logger.Warn("presence_update_failed", "sid", sid, "error", err)
		}
	} else if loc != nil && !isRequestID(sid) {
		s.students[sid] = *loc
	}

	rec, err := s.lookup(ctx, sid, isStudent)
	if errors.Is(err, models.ErrNotFound) {
		if isRequestID(sid) {
			http.Error(w, "unknown request", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, models.StatusUpdateResponse{})
		return
	}
	if err != nil {
		s.internalError(w, "lookup_failed", err)
		return
	}

	if studentView {
		resp, err := s.studentReply(ctx, rec, loc)
		if err != nil {
			s.internalError(w, "status_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, escortReply(rec))
}

// studentReply records the student's position and lazily re-matches a
// request an escort declined.
func (s *Server) studentReply(ctx context.Context, rec *models.RequestRecord, loc *models.Coord) (models.StatusUpdateResponse, error) {
	dirty := false
	if loc != nil {
		rec.StudentLoc = loc
		dirty = true
	}
	if rec.EscortID == "" {
		escort, ok, err := s.Matcher.Match(ctx, rec, anchorFor(rec))
		if err != nil {
			return models.StatusUpdateResponse{}, err
		}
		if ok {
			dirty = true
			s.logger.Info("request_rematched", "request_id", rec.ID, "escort_id", escort.ID)
		}
	}
	if dirty {
		if err := s.Store.Update(ctx, rec); err != nil {
			return models.StatusUpdateResponse{}, err
		}
	}
	if rec.EscortID == "" {
		return models.StatusUpdateResponse{}, nil
	}

	resp := models.StatusUpdateResponse{
		Success:        true,
		MatchingStatus: rec.Walking,
		Code:           rec.Code,
		ETASeconds:     intPtr(rec.ETASeconds),
	}
	escort, ok, err := s.Geo.Get(ctx, rec.EscortID)
	if err != nil {
		return models.StatusUpdateResponse{}, err
	}
	if ok {
		resp.CounterpartLat, resp.CounterpartLng = floatPtr(escort.Loc.Lat), floatPtr(escort.Loc.Lng)
		resp.CounterpartLabel = escort.Name
	}
	return resp, nil
}

// escortReply never carries the pairing code; the student shows it.
func escortReply(rec *models.RequestRecord) models.StatusUpdateResponse {
	resp := models.StatusUpdateResponse{
		Success:          true,
		MatchingStatus:   rec.Walking,
		IsAssigned:       true,
		CounterpartLabel: rec.Pickup.Label,
		ETASeconds:       intPtr(rec.ETASeconds),
	}
	at := rec.StudentLoc
	if at == nil {
		at = rec.Pickup.Coord
	}
	if at != nil {
		resp.CounterpartLat, resp.CounterpartLng = floatPtr(at.Lat), floatPtr(at.Lng)
	}
	return resp
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid, code := q.Get("sid"), q.Get("code")
	if sid == "" {
		http.Error(w, "sid is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupAny(ctx, sid)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "unknown request", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "lookup_failed", err)
		return
	}
	if rec.EscortID == "" || code == "" || code != rec.Code {
		observability.CodeVerifyTotal.WithLabelValues("rejected").Inc()
		s.logger.Info("code_rejected", "request_id", rec.ID)
		writeJSON(w, http.StatusOK, map[string]bool{"success": false})
		return
	}
	rec.Walking = true
	if err := s.Store.Update(ctx, rec); err != nil {
		s.internalError(w, "update_failed", err)
		return
	}
	observability.CodeVerifyTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("walk_started", "request_id", rec.ID, "escort_id", rec.EscortID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	isStudent := queryBool(q, "isStudent")
	intent := models.TerminateIntent(q.Get("reason"))
	if intent == "" {
		intent = models.IntentCancel
	}
	switch {
	case sid == "":
		http.Error(w, "sid is required", http.StatusBadRequest)
		return
	case !intent.Valid():
		http.Error(w, "unknown reason", http.StatusBadRequest)
		return
	case intent == models.IntentDecline && isStudent:
		http.Error(w, "only a safewalker can decline", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookup(ctx, sid, isStudent)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "unknown request", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, "lookup_failed", err)
		return
	}

	from := rec.Status()
	switch intent {
	case models.IntentDecline:
		unassign(rec)
		err = s.Store.Update(ctx, rec)
	case models.IntentComplete:
		err = s.Store.End(ctx, rec.ID, models.StatusCompleted)
	default:
		err = s.Store.End(ctx, rec.ID, models.StatusCancelled)
	}
	if err != nil {
		s.internalError(w, "terminate_failed", err)
		return
	}
	s.logger.Info("request_terminated", "request_id", rec.ID, "sid", sid, "reason", string(intent), "from", from.String())
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		http.Error(w, "sid is required", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, existed, err := s.Geo.Get(ctx, sid)
	if err != nil {
		s.internalError(w, "lookup_failed", err)
		return
	}
	if err := s.Geo.Remove(ctx, sid); err != nil {
		s.internalError(w, "deregister_failed", err)
		return
	}
	if existed {
		observability.EscortsOnline.Dec()
		s.publish(ctx, models.PresenceEvent{SubjectID: sid, Name: e.Name, Label: e.Label, Loc: e.Loc, Online: false, At: s.now()})
	}

	if rec, err := s.Store.ByEscort(ctx, sid); err == nil {
		unassign(rec)
		if err := s.Store.Update(ctx, rec); err != nil {
			s.logger.Warn("release_request_failed", "request_id", rec.ID, "error", err)
		}
	}
	s.logger.Info("escort_deregistered", "sid", sid)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// touchEscort refreshes an escort's position from a heartbeat. The (0,0)
// sentinel leaves the stored position alone.
func (s *Server) touchEscort(ctx context.Context, sid, label string, loc *models.Coord, active bool) error {
	e, ok, err := s.Geo.Get(ctx, sid)
	if err != nil {
		return err
	}
	if !ok {
		e = models.Escort{ID: sid}
	}
	e.Online = true
	if loc != nil {
		e.Loc = *loc
	}
	if label != "" {
		e.Label = label
	}
	return s.upsertEscort(ctx, e, active)
}

func (s *Server) upsertEscort(ctx context.Context, e models.Escort, active bool) error {
	_, existed, err := s.Geo.Get(ctx, e.ID)
	if err != nil {
		return err
	}
	if err := s.Geo.Upsert(ctx, e); err != nil {
		return err
	}
	if !existed {
		observability.EscortsOnline.Inc()
	}
	s.publish(ctx, models.PresenceEvent{SubjectID: e.ID, Name: e.Name, Label: e.Label, Loc: e.Loc, Active: active, Online: e.Online, At: s.now()})
	return nil
}

func (s *Server) publish(ctx context.Context, ev models.PresenceEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishPresence(ctx, ev); err != nil {
		s.logger.Warn("presence_publish_failed", "sid", ev.SubjectID, "error", err)
	}
}

func (s *Server) lookup(ctx context.Context, sid string, isStudent bool) (*models.RequestRecord, error) {
	switch {
	case isRequestID(sid):
		return s.Store.Get(ctx, sid)
	case isStudent:
		return s.Store.ByStudent(ctx, sid)
	default:
		return s.Store.ByEscort(ctx, sid)
	}
}

// lookupAny is for endpoints that do not say which side is calling.
func (s *Server) lookupAny(ctx context.Context, sid string) (*models.RequestRecord, error) {
	if isRequestID(sid) {
		return s.Store.Get(ctx, sid)
	}
	rec, err := s.Store.ByEscort(ctx, sid)
	if errors.Is(err, models.ErrNotFound) {
		return s.Store.ByStudent(ctx, sid)
	}
	return rec, err
}

func (s *Server) internalError(w http.ResponseWriter, event string, err error) {
	s.logger.Error(event, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// unassign returns a request to the pool and keeps the escort from being
// offered it again.
func unassign(rec *models.RequestRecord) {
	if rec.EscortID != "" && !rec.DeclinedBy(rec.EscortID) {
		rec.Declined = append(rec.Declined, rec.EscortID)
	}
	rec.EscortID = ""
	rec.Walking = false
	rec.ETASeconds = 0
}

func anchorFor(rec *models.RequestRecord) *models.Coord {
	if rec.Pickup.Coord != nil {
		return rec.Pickup.Coord
	}
	return rec.StudentLoc
}

func createResult(rec *models.RequestRecord) models.CreateResult {
	return models.CreateResult{
		RequestID:     rec.ID,
		CounterpartID: rec.EscortID,
		PairingCode:   rec.Code,
		ETASeconds:    intPtr(rec.ETASeconds),
	}
}

func isRequestID(sid string) bool { return strings.HasPrefix(sid, requestIDPrefix) }

func newRequestID() string { return requestIDPrefix + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// queryCoord returns nil unless both keys are present.
func queryCoord(q url.Values, latKey, lngKey string) (*models.Coord, error) {
	latS, lngS := q.Get(latKey), q.Get(lngKey)
	if latS == "" || lngS == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latS, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", latKey, err)
	}
	lng, err := strconv.ParseFloat(lngS, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", lngKey, err)
	}
	return &models.Coord{Lat: lat, Lng: lng}, nil
}

func queryBool(q url.Values, key string) bool {
	b, _ := strconv.ParseBool(q.Get(key))
	return b
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
