package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/google/uuid"
)

var (
	ErrMalformedSDP = errors.New("malformed sdp")
	ErrWrongState   = errors.New("description not valid in current state")
	ErrLinkClosed   = errors.New("link closed")
)

// Engine is a simulated peer connector. Links produce well-formed but fake
// descriptions and report connected once both descriptions are applied.
// Callbacks run on their own goroutines, as a real media stack does.
type Engine struct {
	mu    sync.Mutex
	links map[domain.ParticipantID][]*Link
}

func NewEngine() *Engine {
	return &Engine{
		links: make(map[domain.ParticipantID][]*Link),
	}
}

func (e *Engine) Connect(remote domain.ParticipantID, local port.AudioTrack, obs port.PeerObserver) (port.PeerLink, error) {
	if local == nil {
		return nil, errors.New("no local track")
	}
	l := &Link{
		id:     uuid.NewString(),
		remote: remote,
		obs:    obs,
	}
	e.mu.Lock()
	e.links[remote] = append(e.links[remote], l)
	e.mu.Unlock()
	return l, nil
}

// Fail reports a fatal transport failure on the newest open link to remote.
func (e *Engine) Fail(remote domain.ParticipantID, err error) bool {
	l := e.live(remote)
	if l == nil {
		return false
	}
	go l.obs.OnFailed(err)
	return true
}

func (e *Engine) live(remote domain.ParticipantID) *Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	links := e.links[remote]
	for i := len(links) - 1; i >= 0; i-- {
		if !links[i].Closed() {
			return links[i]
		}
	}
	return nil
}

// OpenLinks counts links that have not been closed.
func (e *Engine) OpenLinks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, links := range e.links {
		for _, l := range links {
			if !l.Closed() {
				n++
			}
		}
	}
	return n
}

// OpenSinks counts remote sinks handed out and not yet closed.
func (e *Engine) OpenSinks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, links := range e.links {
		for _, l := range links {
			n += l.openSinks()
		}
	}
	return n
}

// Links returns every link created for remote, oldest first.
func (e *Engine) Links(remote domain.ParticipantID) []*Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Link(nil), e.links[remote]...)
}

type Link struct {
	id     string
	remote domain.ParticipantID
	obs    port.PeerObserver

	mu         sync.Mutex
	localType  domain.SDPType
	remoteType domain.SDPType
	candidates []domain.ICECandidate
	sinks      []*Sink
	connected  bool
	closed     bool
}

func (l *Link) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return l.describe(ctx, domain.SDPOffer)
}

func (l *Link) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return l.describe(ctx, domain.SDPAnswer)
}

func (l *Link) describe(ctx context.Context, t domain.SDPType) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return domain.SessionDescription{}, ErrLinkClosed
	}
	if t == domain.SDPAnswer && l.remoteType != domain.SDPOffer {
		l.mu.Unlock()
		return domain.SessionDescription{}, fmt.Errorf("%w: answer without remote offer", ErrWrongState)
	}
	l.localType = t
	l.mu.Unlock()

	go l.obs.OnICECandidate(l.hostCandidate())
	l.maybeConnect()
	return domain.SessionDescription{Type: t, SDP: fakeSDP(l.id, t)}, nil
}

func (l *Link) SetRemoteDescription(sd domain.SessionDescription) error {
	if !strings.HasPrefix(sd.SDP, "v=0") {
		return ErrMalformedSDP
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if sd.Type == domain.SDPAnswer && l.localType != domain.SDPOffer {
		l.mu.Unlock()
		return fmt.Errorf("%w: answer without local offer", ErrWrongState)
	}
	l.remoteType = sd.Type
	l.mu.Unlock()

	l.maybeConnect()
	return nil
}

func (l *Link) AddICECandidate(c domain.ICECandidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	if l.remoteType == "" {
		return fmt.Errorf("%w: candidate before remote description", ErrWrongState)
	}
	l.candidates = append(l.candidates, c)
	return nil
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Candidates returns the remote candidates applied so far.
func (l *Link) Candidates() []domain.ICECandidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ICECandidate(nil), l.candidates...)
}

func (l *Link) maybeConnect() {
	l.mu.Lock()
	if l.connected || l.closed || l.localType == "" || l.remoteType == "" {
		l.mu.Unlock()
		return
	}
	l.connected = true
	sink := &Sink{}
	l.sinks = append(l.sinks, sink)
	l.mu.Unlock()

	go func() {
		l.obs.OnRemoteTrack(sink)
		l.obs.OnConnected()
	}()
}

func (l *Link) openSinks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sinks {
		if !s.Closed() {
			n++
		}
	}
	return n
}

func (l *Link) hostCandidate() domain.ICECandidate {
	mid := "0"
	var idx uint16
	return domain.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:%s 1 udp 2130706431 127.0.0.1 9 typ host", l.id[:8]),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func fakeSDP(id string, t domain.SDPType) string {
	return fmt.Sprintf("v=0\r\no=memory %s 1 IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n", id, t)
}

type Sink struct {
	closed atomic.Bool
}

func (s *Sink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Sink) Closed() bool {
	return s.closed.Load()
}
