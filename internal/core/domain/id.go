package domain

import (
	"github.com/google/uuid"
)

// ParticipantID identifies a chat user taking part in a call. Ids come from
// the identity service, so any non-empty string is accepted.
type ParticipantID string

// CallID identifies a call room. The chat id is reused as the call id.
type CallID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

func (id ParticipantID) String() string {
	return string(id)
}

func (id CallID) String() string {
	return string(id)
}

// ParseCallID rejects empty ids taken from flags or URL parameters.
func ParseCallID(s string) (CallID, error) {
	if s == "" {
		return "", ErrInvalidEvent
	}
	return CallID(s), nil
}
