package service

import (
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/rs/zerolog"
)

// callRoom holds the state of one joined call. Its loop goroutine is the only
// writer of the roster and the peer table.
type callRoom struct {
	id        domain.CallID
	self      domain.Participant
	local     port.AudioTrack
	transport port.Transport
	connector port.PeerConnector
	cfg       CallConfig
	logger    zerolog.Logger
	onRoster  func([]domain.Participant)

	roster *roster
	peers  *peerTable

	inbox    chan domain.SignalEvent
	failures chan sessionFailure
	quit     chan struct{}
	done     chan struct{}
	closing  sync.WaitGroup
}

func newCallRoom(id domain.CallID, self domain.Participant, s *CallService) *callRoom {
	return &callRoom{
		id:        id,
		self:      self,
		transport: s.transport,
		connector: s.connector,
		cfg:       s.cfg,
		logger: s.logger.With().
			Str("call_id", id.String()).
			Str("self_id", self.ID.String()).
			Logger(),
		onRoster: s.onRoster,
		roster:   newRoster(),
		peers:    newPeerTable(),
		inbox:    make(chan domain.SignalEvent, s.cfg.InboxSize),
		failures: make(chan sessionFailure, s.cfg.InboxSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// deliver is the transport handler for the call topic.
func (r *callRoom) deliver(body []byte) {
	event, err := domain.DecodeSignalEvent(body)
	if err != nil {
		r.logger.Debug().Err(err).Msg("Dropping undecodable event")
		return
	}
	r.enqueue(event)
}

func (r *callRoom) enqueue(event domain.SignalEvent) {
	select {
	case r.inbox <- event:
	default:
		r.logger.Warn().Str("type", string(event.Type)).Msg("Inbox full, dropping event")
	}
}

func (r *callRoom) publish(event domain.SignalEvent) {
	if err := r.transport.Publish(domain.CallRoomDestination(r.id), event); err != nil {
		r.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to publish event")
	}
}

func (r *callRoom) stop() {
	close(r.quit)
	<-r.done
}

func (r *callRoom) Run() {
	defer close(r.done)
	for {
		select {
		case <-r.quit:
			for _, s := range r.peers.drain() {
				r.retire(s)
			}
			r.closing.Wait()
			r.logger.Info().Msg("Call room stopped, all sessions closed")
			return

		case event := <-r.inbox:
			r.handle(event)

		case f := <-r.failures:
			s := r.peers.get(f.remote)
			if s == nil || s.generation != f.generation {
				r.logger.Debug().Err(domain.ErrStaleReference).Str("remote_id", f.remote.String()).Msg("Dropping stale failure")
				continue
			}
			r.logger.Warn().Err(f.err).Str("remote_id", f.remote.String()).Msg("Peer session failed")
			r.retire(r.peers.remove(f.remote))
		}
	}
}

func (r *callRoom) handle(event domain.SignalEvent) {
	sender := event.Sender
	if sender.ID == r.self.ID {
		return
	}
	if event.Type.Targeted() && event.TargetID != r.self.ID {
		return
	}

	l := r.logger.With().Str("type", string(event.Type)).Str("sender_id", sender.ID.String()).Logger()
	switch event.Type {
	case domain.SignalJoin:
		if r.roster.has(sender.ID) && r.peers.get(sender.ID) != nil {
			l.Debug().Msg("Duplicate join")
			return
		}
		if r.roster.add(sender) {
			r.rosterChanged()
		}
		r.publish(domain.NewBroadcast(domain.SignalEcho, r.self))
		s, _ := r.session(sender.ID)
		s.enqueue(sessionStep{kind: stepLocalOffer})
		l.Info().Msg("Participant joined")

	case domain.SignalLeave:
		if r.roster.remove(sender.ID) {
			r.rosterChanged()
		}
		if s := r.peers.remove(sender.ID); s != nil {
			r.retire(s)
		}
		l.Info().Msg("Participant left")

	case domain.SignalEcho:
		if r.roster.add(sender) {
			r.rosterChanged()
		}

	case domain.SignalOffer:
		s, created := r.session(sender.ID)
		if created {
			l.Debug().Msg("Session created by offer")
		}
		s.enqueue(sessionStep{kind: stepRemoteOffer, event: event})

	case domain.SignalAnswer, domain.SignalCandidate:
		s := r.peers.get(sender.ID)
		if s == nil {
			l.Debug().Err(domain.ErrStaleReference).Msg("Dropping event")
			return
		}
		kind := stepRemoteAnswer
		if event.Type == domain.SignalCandidate {
			kind = stepCandidate
		}
		s.enqueue(sessionStep{kind: kind, event: event})
	}
}

func (r *callRoom) session(remote domain.ParticipantID) (*peerSession, bool) {
	return r.peers.getOrCreate(remote, func(gen uint64) *peerSession {
		return newPeerSession(remote, gen, sessionDeps{
			self:       r.self,
			local:      r.local,
			connector:  r.connector,
			publish:    r.publish,
			failures:   r.failures,
			mailbox:    r.cfg.MailboxSize,
			maxPending: r.cfg.MaxPendingCandidates,
			logger:     r.logger,
		})
	})
}

// retire closes s off the loop goroutine. stop waits for every retirement.
func (r *callRoom) retire(s *peerSession) {
	r.closing.Add(1)
	go func() {
		defer r.closing.Done()
		s.close()
	}()
}

func (r *callRoom) rosterChanged() {
	if r.onRoster != nil {
		r.onRoster(r.roster.snapshot())
	}
}
