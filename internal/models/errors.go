package models

import "errors"

var (
	ErrPermissionDenied      = errors.New("location permission denied")
	ErrCapabilityUnavailable = errors.New("location unavailable")
	ErrTransport             = errors.New("transport failure")
	ErrIncorrectCode         = errors.New("incorrect pairing code")
	ErrNotFound              = errors.New("request not found")
	ErrNoAvailable           = errors.New("no safewalkers available")
	ErrNotSignedIn           = errors.New("not signed in")
)
