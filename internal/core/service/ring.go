package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/Wyydra/chatfusion/internal/core/port"
	"github.com/rs/zerolog"
)

// CallStatus reports whether the participant is already in a call.
type CallStatus interface {
	Active() bool
}

// RingService sends and receives call invitations for one participant.
type RingService struct {
	transport port.Transport
	self      domain.Participant
	calls     CallStatus
	logger    zerolog.Logger

	mu        sync.Mutex
	onRing    func(domain.Invitation)
	listening bool
}

func NewRingService(transport port.Transport, self domain.Participant, calls CallStatus, logger zerolog.Logger) *RingService {
	return &RingService{
		transport: transport,
		self:      self,
		calls:     calls,
		logger:    logger.With().Str("component", "ring").Str("self_id", self.ID.String()).Logger(),
	}
}

// Ring invites every target to callID. A failed target does not stop the
// others; all failures are returned together.
func (s *RingService) Ring(ctx context.Context, targets []domain.ParticipantID, callerDisplayName string, callID domain.CallID) error {
	inv := domain.Invitation{
		CallID:      callID,
		CallerID:    s.self.ID,
		DisplayName: callerDisplayName,
	}
	var errs []error
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if target == s.self.ID {
			continue
		}
		if err := s.transport.Publish(domain.RingDestination(target), inv); err != nil {
			errs = append(errs, fmt.Errorf("ring %s: %w", target, err))
			continue
		}
		s.logger.Info().Str("target_id", target.String()).Str("call_id", callID.String()).Msg("Rang participant")
	}
	return errors.Join(errs...)
}

func (s *RingService) OnIncomingRing(fn func(domain.Invitation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRing = fn
}

func (s *RingService) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return nil
	}
	if err := s.transport.Subscribe(ctx, domain.RingTopic(s.self.ID), s.deliver); err != nil {
		return err
	}
	s.listening = true
	return nil
}

func (s *RingService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return nil
	}
	s.listening = false
	return s.transport.Unsubscribe(domain.RingTopic(s.self.ID))
}

func (s *RingService) deliver(body []byte) {
	var inv domain.Invitation
	if err := json.Unmarshal(body, &inv); err != nil || inv.CallID == "" {
		s.logger.Debug().Err(err).Msg("Dropping malformed invitation")
		return
	}
	if inv.CallerID == s.self.ID {
		return
	}
	if s.calls != nil && s.calls.Active() {
		s.logger.Info().Str("call_id", inv.CallID.String()).Msg("Busy, ignoring ring")
		return
	}

	s.mu.Lock()
	fn := s.onRing
	s.mu.Unlock()
	if fn != nil {
		fn(inv)
	}
}
