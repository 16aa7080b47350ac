package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Origin is the sentinel sent when no real fix is available.
var Origin = Coord{}

// Place is a labelled point. Coord is nil when only the label is known.
type Place struct {
	Label string `json:"label"`
	Coord *Coord `json:"coord,omitempty"`
}

type Role string

const (
	RoleStudent    Role = "STUDENT"
	RoleSafewalker Role = "SAFEWALKER"
)

type User struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (u User) IsStudent() bool { return u.Role == RoleStudent }

// Request is the unit of work between one student and one escort.
type Request struct {
	RequestID       string `json:"request_id"`
	Status          Status `json:"status"`
	Pickup          Place  `json:"pickup"`
	Destination     Place  `json:"destination"`
	ETASeconds      *int   `json:"eta_seconds,omitempty"`
	PairingCode     string `json:"pairing_code,omitempty"`
	CounterpartLive *Coord `json:"counterpart_live,omitempty"`
}

// ActiveRequestSummary is what the session keeps about the one live request.
type ActiveRequestSummary struct {
	RequestID   string `json:"request_id"`
	Status      Status `json:"status"`
	ETASeconds  *int   `json:"eta_seconds,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// HeartbeatRecord is published after every successful presence push.
type HeartbeatRecord struct {
	SubjectID        string    `json:"sid"`
	IsStudent        bool      `json:"is_student"`
	IsActiveRequest  bool      `json:"is_active_request"`
	Coordinates      Coord     `json:"coordinates"`
	LastSentAt       time.Time `json:"last_sent_at"`
	Success          bool      `json:"success"`
	MatchingSignal   bool      `json:"matching_status"`
	IsAssigned       bool      `json:"is_assigned"`
	CounterpartLive  *Coord    `json:"counterpart_live,omitempty"`
	CounterpartLabel string    `json:"counterpart_label,omitempty"`
}

// Signals returns the wire booleans as a poll observation so heartbeat
// consumers share the reconciler's mapping table.
func (h HeartbeatRecord) Signals() Observation {
	return Observation{Kind: ObservedSignals, Success: h.Success, Matching: h.MatchingSignal}
}

// StatusUpdateParams is one presence push or status poll.
type StatusUpdateParams struct {
	SubjectID       string
	IsStudent       bool
	IsActiveRequest bool
	Label           string
	Loc             Coord
}

// StatusUpdateResponse is the wire reply of /status-update.
type StatusUpdateResponse struct {
	Success          bool     `json:"success"`
	MatchingStatus   bool     `json:"matching_status"`
	IsAssigned       bool     `json:"is_assigned,omitempty"`
	CounterpartLat   *float64 `json:"counterpart_lat,omitempty"`
	CounterpartLng   *float64 `json:"counterpart_lng,omitempty"`
	CounterpartLabel string   `json:"counterpart_label,omitempty"`
	Code             string   `json:"code,omitempty"`
	ETASeconds       *int     `json:"eta_seconds,omitempty"`
}

// CounterpartLive returns the counterpart position only when both axes are present.
func (r StatusUpdateResponse) CounterpartLive() *Coord {
	if r.CounterpartLat == nil || r.CounterpartLng == nil {
		return nil
	}
	return &Coord{Lat: *r.CounterpartLat, Lng: *r.CounterpartLng}
}

type PresenceRegistration struct {
	Name          string
	SubjectID     string
	ListeningAddr string
	Label         string
	Loc           Coord
}

type CreateRequestParams struct {
	SubjectID   string
	Pickup      Place
	Destination Place
}

// CreateResult is the wire reply of /request-safewalk.
type CreateResult struct {
	RequestID     string `json:"requestId"`
	CounterpartID string `json:"safewalkerId,omitempty"`
	PairingCode   string `json:"code,omitempty"`
	ETASeconds    *int   `json:"etaSeconds,omitempty"`
}

// TerminateIntent distinguishes callers of the single terminate primitive.
type TerminateIntent string

const (
	IntentCancel   TerminateIntent = "cancel"
	IntentComplete TerminateIntent = "complete"
	IntentDecline  TerminateIntent = "decline"
)

func (i TerminateIntent) Valid() bool {
	switch i {
	case IntentCancel, IntentComplete, IntentDecline:
		return true
	}
	return false
}

// PresenceEvent is emitted by the backend for each escort presence change.
type PresenceEvent struct {
	SubjectID string    `json:"sid"`
	Name      string    `json:"name,omitempty"`
	Label     string    `json:"label,omitempty"`
	Loc       Coord     `json:"loc"`
	Active    bool      `json:"active"`
	Online    bool      `json:"online"`
	At        time.Time `json:"at"`
}

// Escort is the backend's view of one registered SafeWalker.
type Escort struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Label         string    `json:"label,omitempty"`
	ListeningAddr string    `json:"listening_addr,omitempty"`
	Loc           Coord     `json:"loc"`
	Online        bool      `json:"online"`
	Updated       time.Time `json:"updated"`
}

// RequestRecord is the backend's persisted form of a live request. An empty
// EscortID means the request is waiting to be (re)matched.
type RequestRecord struct {
	ID          string
	StudentID   string
	EscortID    string
	Pickup      Place
	Destination Place
	StudentLoc  *Coord
	Code        string
	ETASeconds  int
	Walking     bool
	Declined    []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Status derives the logical status the wire signals describe.
func (r *RequestRecord) Status() Status {
	switch {
	case r.EscortID == "":
		return StatusMatching
	case r.Walking:
		return StatusWalking
	default:
		return StatusAssigned
	}
}

// DeclinedBy reports whether escortID already turned this request down.
func (r *RequestRecord) DeclinedBy(escortID string) bool {
	for _, id := range r.Declined {
		if id == escortID {
			return true
		}
	}
	return false
}
