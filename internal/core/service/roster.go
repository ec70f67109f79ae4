package service

import (
	"sort"
	"sync"

	"github.com/Wyydra/chatfusion/internal/core/domain"
)

// roster is the set of participants known to be in the call. Only the room
// loop writes it.
type roster struct {
	mu      sync.RWMutex
	members map[domain.ParticipantID]domain.Participant
}

func newRoster() *roster {
	return &roster{
		members: make(map[domain.ParticipantID]domain.Participant),
	}
}

func (r *roster) has(id domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// add reports whether p was not a member before.
func (r *roster) add(p domain.Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[p.ID]; ok {
		return false
	}
	r.members[p.ID] = p
	return true
}

func (r *roster) remove(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

func (r *roster) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
}

func (r *roster) snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.members))
	for _, p := range r.members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
