package service

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/rs/zerolog"
)

type stepKind int

const (
	stepLocalOffer stepKind = iota
	stepRemoteOffer
	stepRemoteAnswer
	stepCandidate
)

func (k stepKind) String() string {
	switch k {
	case stepLocalOffer:
		return "local_offer"
	case stepRemoteOffer:
		return "remote_offer"
	case stepRemoteAnswer:
		return "remote_answer"
	case stepCandidate:
		return "candidate"
	}
	return "unknown"
}

type sessionStep struct {
	kind  stepKind
	event domain.SignalEvent
}

// sessionFailure is reported to the room loop when a session cannot recover.
type sessionFailure struct {
	remote     domain.ParticipantID
	generation uint64
	err        error
}

type sessionDeps struct {
	self       domain.Participant
	local      port.AudioTrack
	connector  port.PeerConnector
	publish    func(domain.SignalEvent)
	failures   chan<- sessionFailure
	mailbox    int
	maxPending int
	logger     zerolog.Logger
}

// peerSession negotiates media with one remote participant. Steps run one at
// a time on the session worker; media callbacks take mu.
type peerSession struct {
	remote     domain.ParticipantID
	generation uint64
	deps       sessionDeps
	logger     zerolog.Logger

	mailbox chan sessionStep
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	state     domain.ConnectionState
	link      port.PeerLink
	epoch     uint64
	remoteSet bool
	pending   []domain.ICECandidate
	sinks     []port.TrackSink
}

func newPeerSession(remote domain.ParticipantID, gen uint64, deps sessionDeps) *peerSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &peerSession{
		remote:     remote,
		generation: gen,
		deps:       deps,
		logger: deps.logger.With().
			Str("remote_id", remote.String()).
			Uint64("generation", gen).
			Logger(),
		mailbox: make(chan sessionStep, deps.mailbox),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   domain.StateNew,
	}
	go s.run()
	return s
}

func (s *peerSession) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// enqueue never blocks the caller. A full mailbox drops the step.
func (s *peerSession) enqueue(step sessionStep) {
	select {
	case s.mailbox <- step:
	case <-s.ctx.Done():
	default:
		s.logger.Warn().Stringer("step", step.kind).Msg("Session mailbox full, dropping step")
	}
}

func (s *peerSession) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case step := <-s.mailbox:
			if err := s.handle(step); err != nil {
				s.fail(err)
			}
		}
	}
}

func (s *peerSession) handle(step sessionStep) error {
	switch step.kind {
	case stepLocalOffer:
		return s.offer()
	case stepRemoteOffer:
		return s.acceptOffer(step.event.Description())
	case stepRemoteAnswer:
		return s.acceptAnswer(step.event.Description())
	case stepCandidate:
		if step.event.Candidate != nil {
			s.addCandidate(*step.event.Candidate)
		}
	}
	return nil
}

func (s *peerSession) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	if !errors.Is(err, domain.ErrNegotiationFailure) {
		err = errors.Join(domain.ErrNegotiationFailure, err)
	}
	select {
	case s.deps.failures <- sessionFailure{remote: s.remote, generation: s.generation, err: err}:
	case <-s.ctx.Done():
	}
}

// currentLink returns the link, connecting a fresh one when none exists.
func (s *peerSession) currentLink() (port.PeerLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != nil {
		return s.link, nil
	}
	s.epoch++
	link, err := s.deps.connector.Connect(s.remote, s.deps.local, &linkObserver{session: s, epoch: s.epoch})
	if err != nil {
		return nil, err
	}
	s.link = link
	return link, nil
}

func (s *peerSession) offer() error {
	if s.State() != domain.StateNew {
		return nil
	}
	link, err := s.currentLink()
	if err != nil {
		return err
	}
	sd, err := link.CreateOffer(s.ctx)
	if err != nil {
		return err
	}
	if !s.transition(domain.StateNew, domain.StateOffering) {
		return nil
	}
	s.deps.publish(domain.NewOffer(s.deps.self, s.remote, sd))
	return nil
}

func (s *peerSession) acceptOffer(sd domain.SessionDescription) error {
	s.mu.Lock()
	if s.state == domain.StateOffering {
		if !s.deps.self.Polite(s.remote) {
			s.mu.Unlock()
			s.logger.Debug().Msg("Ignoring colliding offer")
			return nil
		}
		s.logger.Debug().Msg("Offer collision, rolling back local offer")
		s.closeLink(s.resetLocked())
	} else {
		s.mu.Unlock()
	}

	link, err := s.currentLink()
	if err != nil {
		return err
	}
	if err := link.SetRemoteDescription(sd); err != nil {
		return err
	}
	s.remoteApplied(link)

	answer, err := link.CreateAnswer(s.ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != domain.StateConnected && s.state != domain.StateClosed {
		s.state = domain.StateAnswering
	}
	s.mu.Unlock()
	s.deps.publish(domain.NewAnswer(s.deps.self, s.remote, answer))
	return nil
}

func (s *peerSession) acceptAnswer(sd domain.SessionDescription) error {
	s.mu.Lock()
	link, state := s.link, s.state
	s.mu.Unlock()
	if state != domain.StateOffering || link == nil {
		s.logger.Debug().Err(domain.ErrStaleReference).Stringer("state", state).Msg("Dropping answer")
		return nil
	}
	if err := link.SetRemoteDescription(sd); err != nil {
		return err
	}
	s.remoteApplied(link)
	s.transition(domain.StateOffering, domain.StateConnected)
	return nil
}

// addCandidate buffers until the remote description is applied. The oldest
// buffered candidate is dropped once the bound is reached.
func (s *peerSession) addCandidate(c domain.ICECandidate) {
	s.mu.Lock()
	if s.link == nil || !s.remoteSet {
		if len(s.pending) >= s.deps.maxPending {
			s.pending = s.pending[1:]
			s.logger.Debug().Msg("Candidate buffer full, dropped oldest")
		}
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return
	}
	link := s.link
	s.mu.Unlock()

	if err := link.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to add remote candidate")
	}
}

func (s *peerSession) remoteApplied(link port.PeerLink) {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := link.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to add buffered candidate")
		}
	}
}

func (s *peerSession) transition(from, to domain.ConnectionState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// resetLocked discards the current link so the next step starts over inside
// the same session. Buffered remote candidates are kept. It unlocks mu and
// returns the discarded link for the caller to close.
func (s *peerSession) resetLocked() port.PeerLink {
	old := s.link
	s.link = nil
	s.remoteSet = false
	s.state = domain.StateNew
	s.mu.Unlock()
	return old
}

// close cancels in-flight negotiation, waits for the worker and releases the
// link and every remote sink.
func (s *peerSession) close() {
	s.cancel()
	<-s.done

	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateClosed
	link, sinks := s.link, s.sinks
	s.link, s.sinks, s.pending = nil, nil, nil
	s.mu.Unlock()

	s.closeLink(link)
	for _, sink := range sinks {
		if err := sink.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Closing remote sink")
		}
	}
}

func (s *peerSession) closeLink(link port.PeerLink) {
	if link == nil {
		return
	}
	if err := link.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Closing link")
	}
}

// linkObserver forwards media callbacks for one link. Callbacks from a link
// that has since been replaced or closed are ignored.
type linkObserver struct {
	session *peerSession
	epoch   uint64
}

func (o *linkObserver) live() bool {
	s := o.session
	return s.epoch == o.epoch && s.state != domain.StateClosed
}

func (o *linkObserver) OnICECandidate(c domain.ICECandidate) {
	s := o.session
	s.mu.Lock()
	live := o.live()
	s.mu.Unlock()
	if !live {
		return
	}
	s.deps.publish(domain.NewCandidate(s.deps.self, s.remote, c))
}

func (o *linkObserver) OnConnected() {
	s := o.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !o.live() {
		return
	}
	if s.state != domain.StateConnected {
		s.logger.Info().Msg("Peer connected")
	}
	s.state = domain.StateConnected
}

func (o *linkObserver) OnFailed(err error) {
	s := o.session
	s.mu.Lock()
	live := o.live()
	s.mu.Unlock()
	if !live {
		return
	}
	s.fail(err)
}

func (o *linkObserver) OnRemoteTrack(sink port.TrackSink) {
	s := o.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !o.live() {
		if err := sink.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Closing stale remote sink")
		}
		return
	}
	s.sinks = append(s.sinks, sink)
}
