package service

import (
	"context"
	"errors"
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/rs/zerolog"
)

type CallConfig struct {
	InboxSize            int
	MailboxSize          int
	MaxPendingCandidates int
}

func DefaultCallConfig() CallConfig {
	return CallConfig{
		InboxSize:            256,
		MailboxSize:          32,
		MaxPendingCandidates: 64,
	}
}

// CallService coordinates signaling for the one call this participant is in.
type CallService struct {
	transport port.Transport
	capture   port.MediaCapture
	connector port.PeerConnector
	cfg       CallConfig
	logger    zerolog.Logger

	// lifecycle serializes Join against Leave and Close, teardown included,
	// so a rejoin never shares the room topic with the previous room.
	lifecycle sync.Mutex

	mu       sync.Mutex
	room     *callRoom
	onRoster func([]domain.Participant)
}

func NewCallService(transport port.Transport, capture port.MediaCapture, connector port.PeerConnector, cfg CallConfig, logger zerolog.Logger) *CallService {
	def := DefaultCallConfig()
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = def.InboxSize
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.MaxPendingCandidates <= 0 {
		cfg.MaxPendingCandidates = def.MaxPendingCandidates
	}
	return &CallService{
		transport: transport,
		capture:   capture,
		connector: connector,
		cfg:       cfg,
		logger:    logger.With().Str("component", "call").Logger(),
	}
}

// OnRosterChange registers fn to be called with a roster snapshot after each
// change. It applies to calls joined afterwards and runs on the room loop, so
// fn must not block.
func (s *CallService) OnRosterChange(fn func([]domain.Participant)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRoster = fn
}

func (s *CallService) Join(ctx context.Context, callID domain.CallID, self domain.Participant) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.room != nil {
		active := s.room.id
		s.mu.Unlock()
		return errors.Join(domain.ErrAlreadyInCall, errors.New(active.String()))
	}
	room := newCallRoom(callID, self, s)
	s.mu.Unlock()

	topic := domain.CallRoomTopic(callID)
	if err := s.transport.Subscribe(ctx, topic, room.deliver); err != nil {
		return err
	}

	track, err := s.capture.AcquireAudio(ctx)
	if err != nil {
		if uerr := s.transport.Unsubscribe(topic); uerr != nil {
			room.logger.Warn().Err(uerr).Msg("Failed to roll back subscription")
		}
		if !errors.Is(err, domain.ErrMediaUnavailable) {
			err = errors.Join(domain.ErrMediaUnavailable, err)
		}
		return err
	}
	room.local = track

	room.roster.add(self)
	go room.Run()
	s.mu.Lock()
	s.room = room
	s.mu.Unlock()

	room.publish(domain.NewBroadcast(domain.SignalJoin, self))
	room.logger.Info().Msg("Joined call")
	return nil
}

// Leave tears down the active call. It is a no-op when no call is active.
func (s *CallService) Leave(callID domain.CallID) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	room := s.room
	if room == nil {
		s.mu.Unlock()
		return nil
	}
	if room.id != callID {
		s.mu.Unlock()
		return errors.Join(domain.ErrNotInCall, errors.New(callID.String()))
	}
	s.room = nil
	s.mu.Unlock()

	s.teardown(room)
	return nil
}

// Close leaves whatever call is active.
func (s *CallService) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	room := s.room
	s.room = nil
	s.mu.Unlock()
	if room != nil {
		s.teardown(room)
	}
	return nil
}

func (s *CallService) teardown(room *callRoom) {
	room.stop()

	if err := room.local.Stop(); err != nil {
		room.logger.Warn().Err(err).Msg("Failed to release local audio")
	}

	if err := s.transport.Publish(domain.CallRoomDestination(room.id), domain.NewBroadcast(domain.SignalLeave, room.self)); err != nil {
		room.logger.Debug().Err(err).Msg("Leave announcement not sent")
	}
	if err := s.transport.Unsubscribe(domain.CallRoomTopic(room.id)); err != nil {
		room.logger.Debug().Err(err).Msg("Unsubscribe failed")
	}
	room.roster.clear()
	room.logger.Info().Msg("Left call")
}

// HandleInboundEvent queues an event for the active call.
func (s *CallService) HandleInboundEvent(event domain.SignalEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return domain.ErrNotInCall
	}
	room.enqueue(event)
	return nil
}

func (s *CallService) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room != nil
}

// Participants returns the roster of the active call, self included.
func (s *CallService) Participants() []domain.Participant {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return nil
	}
	return room.roster.snapshot()
}

func (s *CallService) Sessions() map[domain.ParticipantID]domain.ConnectionState {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return map[domain.ParticipantID]domain.ConnectionState{}
	}
	return room.peers.states()
}
