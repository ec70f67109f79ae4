package service

import (
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
)

// peerTable maps a remote participant to its live session. The room loop is
// the only writer; accessors take a read lock for UI snapshots.
type peerTable struct {
	mu       sync.RWMutex
	sessions map[domain.ParticipantID]*peerSession
	nextGen  uint64
}

func newPeerTable() *peerTable {
	return &peerTable{
		sessions: make(map[domain.ParticipantID]*peerSession),
	}
}

func (t *peerTable) get(id domain.ParticipantID) *peerSession {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

// getOrCreate returns the live session for id, building one with the next
// generation when none exists.
func (t *peerTable) getOrCreate(id domain.ParticipantID, build func(gen uint64) *peerSession) (*peerSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s, false
	}
	t.nextGen++
	s := build(t.nextGen)
	t.sessions[id] = s
	return s, true
}

func (t *peerTable) remove(id domain.ParticipantID) *peerSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil
	}
	delete(t.sessions, id)
	return s
}

func (t *peerTable) drain() []*peerSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*peerSession, 0, len(t.sessions))
	for id, s := range t.sessions {
		out = append(out, s)
		delete(t.sessions, id)
	}
	return out
}

func (t *peerTable) states() map[domain.ParticipantID]domain.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.ParticipantID]domain.ConnectionState, len(t.sessions))
	for id, s := range t.sessions {
		out[id] = s.State()
	}
	return out
}
