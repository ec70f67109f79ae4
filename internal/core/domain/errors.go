package domain

import "errors"

var (
	ErrMediaUnavailable     = errors.New("local audio capture unavailable")
	ErrNegotiationFailure   = errors.New("peer negotiation failed")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrStaleReference       = errors.New("no peer session for sender")
	ErrAlreadyInCall        = errors.New("already in a call")
	ErrNotInCall            = errors.New("not in a call")
	ErrInvalidEvent         = errors.New("invalid signaling event")
)
