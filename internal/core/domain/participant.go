package domain

// Participant is a call member as carried on the wire. It is immutable for
// the duration of a call.
type Participant struct {
	ID          ParticipantID `json:"id"`
	DisplayName string        `json:"username"`
	AvatarRef   string        `json:"pfp,omitempty"`
}

func NewParticipant(id ParticipantID, displayName, avatarRef string) Participant {
	return Participant{
		ID:          id,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
	}
}

// Polite reports whether p yields when both sides send an offer at the same
// time. Exactly one side of any pair is polite.
func (p Participant) Polite(remote ParticipantID) bool {
	return p.ID < remote
}
