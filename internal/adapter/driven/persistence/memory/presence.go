package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
)

type PresenceStore struct {
	mu    sync.Mutex
	calls map[domain.CallID]map[domain.ParticipantID]struct{}
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		calls: make(map[domain.CallID]map[domain.ParticipantID]struct{}),
	}
}

func (s *PresenceStore) Add(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls[callID] == nil {
		s.calls[callID] = make(map[domain.ParticipantID]struct{})
	}
	s.calls[callID][id] = struct{}{}
	return nil
}

func (s *PresenceStore) Remove(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.calls[callID]
	if !ok {
		return nil
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.calls, callID)
	}
	return nil
}

func (s *PresenceStore) Participants(ctx context.Context, callID domain.CallID) ([]domain.ParticipantID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(s.calls[callID]))
	for id := range s.calls[callID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
