package core

import "errors"

var (
	// ErrCallNotFound is returned for unknown or already-ended join codes so
	// callers can present "this call doesn't exist" rather than a transient
	// failure.
	ErrCallNotFound = errors.New("call not found")

	ErrCallEnded       = errors.New("call already ended")
	ErrAlreadyInCall   = errors.New("already in a call")
	ErrNotInCall       = errors.New("not in a call")
	ErrNotHost         = errors.New("operation requires host role")
	ErrUnauthenticated = errors.New("authenticated user required")
	ErrBusClosed       = errors.New("signal bus closed")
)
