package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/chatfusion/internal/config"
	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrPeerConnectionFailed = errors.New("peer connection failed")

// LocalTrack is an audio track that can be attached to a peer connection.
type LocalTrack interface {
	port.AudioTrack
	TrackLocal() webrtc.TrackLocal
}

// Connector builds one pion peer connection per remote participant.
type Connector struct {
	api       *webrtc.API
	config    webrtc.Configuration
	recordDir string
}

func NewConnector(ice config.ICEConfig, recordDir string) (*Connector, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return &Connector{
		api: api,
		config: webrtc.Configuration{
			ICEServers:         ICEServers(ice),
			ICETransportPolicy: TransportPolicy(ice),
		},
		recordDir: recordDir,
	}, nil
}

func (c *Connector) Connect(remote domain.ParticipantID, local port.AudioTrack, obs port.PeerObserver) (port.PeerLink, error) {
	pc, err := c.api.NewPeerConnection(c.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if t, ok := local.(LocalTrack); ok {
		if _, err := pc.AddTrack(t.TrackLocal()); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add local track: %w", err)
		}
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
	}

	l := log.With().Str("remote_id", remote.String()).Logger()
	link := &Link{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		obs.OnICECandidate(domain.ICECandidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.Debug().Str("state", state.String()).Msg("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			obs.OnConnected()
		case webrtc.PeerConnectionStateFailed:
			obs.OnFailed(ErrPeerConnectionFailed)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		l.Info().Str("codec", track.Codec().MimeType).Msg("Received remote audio track")
		sink, err := newSink(c.recordDir, remote, track, receiver)
		if err != nil {
			l.Error().Err(err).Msg("Failed to open remote sink")
			return
		}
		obs.OnRemoteTrack(sink)
	})

	return link, nil
}

type Link struct {
	pc   *webrtc.PeerConnection
	once sync.Once
}

func (l *Link) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: offer.SDP}, nil
}

func (l *Link) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: answer.SDP}, nil
}

func (l *Link) SetRemoteDescription(sd domain.SessionDescription) error {
	var t webrtc.SDPType
	switch sd.Type {
	case domain.SDPOffer:
		t = webrtc.SDPTypeOffer
	case domain.SDPAnswer:
		t = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unsupported sdp type %q", sd.Type)
	}
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: sd.SDP})
}

func (l *Link) AddICECandidate(c domain.ICECandidate) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		err = l.pc.Close()
	})
	return err
}
