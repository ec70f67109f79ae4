package port

import (
	"context"

	"github.com/Wyydra/chatfusion/internal/core/domain"
)

// PresenceStore records which participants are subscribed to a call room.
type PresenceStore interface {
	Add(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error
	Remove(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error
	Participants(ctx context.Context, callID domain.CallID) ([]domain.ParticipantID, error)
}
