package port

import (
	"context"

	"github.com/Wyydra/chatfusion/internal/core/domain"
)

type AudioTrack interface {
	ID() string
	Stop() error
}

type MediaCapture interface {
	AcquireAudio(ctx context.Context) (AudioTrack, error)
}

// TrackSink consumes one remote audio track until closed.
type TrackSink interface {
	Close() error
}

// PeerObserver receives callbacks from the media layer. Calls arrive on
// adapter goroutines.
type PeerObserver interface {
	OnICECandidate(c domain.ICECandidate)
	OnConnected()
	OnFailed(err error)
	OnRemoteTrack(sink TrackSink)
}

type PeerLink interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(sd domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error
	Close() error
}

type PeerConnector interface {
	Connect(remote domain.ParticipantID, local AudioTrack, obs PeerObserver) (PeerLink, error)
}
