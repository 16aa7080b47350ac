package models

import "fmt"

// Status is the reconciled, client-side trip state. The zero value means no
// status has been observed yet.
type Status int

const (
	StatusUnknown Status = iota
	StatusMatching
	StatusAssigned
	StatusWalking
	StatusNoAvailable
	StatusCancelled
	StatusCompleted
)

var statusNames = map[Status]string{
	StatusUnknown:     "UNKNOWN",
	StatusMatching:    "MATCHING",
	StatusAssigned:    "ASSIGNED",
	StatusWalking:     "WALKING",
	StatusNoAvailable: "NO_AVAILABLE",
	StatusCancelled:   "CANCELLED",
	StatusCompleted:   "COMPLETED",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

func (s Status) Terminal() bool {
	return s == StatusNoAvailable || s == StatusCancelled || s == StatusCompleted
}

// Live reports whether a request in this status occupies the session slot.
func (s Status) Live() bool {
	return s == StatusMatching || s == StatusAssigned || s == StatusWalking
}

// ObservationKind classifies the outcome of one poll.
type ObservationKind int

const (
	ObservedFailure ObservationKind = iota
	ObservedNotFound
	ObservedSignals
)

// Observation is what one poll told us. Success and Matching are only
// meaningful for ObservedSignals.
type Observation struct {
	Kind     ObservationKind
	Success  bool
	Matching bool
}

// NextStatus is the single mapping from a poll observation to a logical
// status. Polls never produce COMPLETED, never leave a terminal status and
// never move a live request backwards.
func NextStatus(prev Status, obs Observation) Status {
	if prev.Terminal() {
		return prev
	}
	switch obs.Kind {
	case ObservedFailure:
		if prev == StatusUnknown {
			return StatusMatching
		}
		return prev
	case ObservedNotFound:
		if prev == StatusUnknown {
			return StatusCancelled
		}
		return prev
	}

	next := StatusMatching
	switch {
	case obs.Success && obs.Matching:
		next = StatusWalking
	case obs.Success:
		next = StatusAssigned
	}
	if next < prev {
		return prev
	}
	return next
}
