package ws

import "github.com/Wyydra/chatfusion/internal/core/domain"

type Client interface {
	ID() string
	Participant() domain.Participant
	// Send must not block. An error means the client cannot keep up.
	Send(d domain.RelayDelivery) error
	Close() error
}
