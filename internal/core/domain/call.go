package domain

// ConnectionState is the negotiation state of one peer session.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Invitation rings a participant before the call room is opened. Field names
// follow the chat backend's call request.
type Invitation struct {
	CallID      CallID        `json:"chatId"`
	CallerID    ParticipantID `json:"userId"`
	DisplayName string        `json:"displayName"`
}
