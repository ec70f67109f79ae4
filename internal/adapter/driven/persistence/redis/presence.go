package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Wyydra/chatfusion/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// PresenceStore keeps one Redis set per call room.
type PresenceStore struct {
	rdb    *redis.Client
	prefix string
}

// NewPresenceStore builds a store whose keys start with prefix
// (default "chatfusion").
func NewPresenceStore(rdb *redis.Client, prefix string) *PresenceStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "chatfusion"
	}
	return &PresenceStore{rdb: rdb, prefix: p}
}

func (s *PresenceStore) key(callID domain.CallID) string {
	return fmt.Sprintf("%s:call:%s:participants", s.prefix, callID)
}

func (s *PresenceStore) Add(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error {
	return s.rdb.SAdd(ctx, s.key(callID), id.String()).Err()
}

func (s *PresenceStore) Remove(ctx context.Context, callID domain.CallID, id domain.ParticipantID) error {
	return s.rdb.SRem(ctx, s.key(callID), id.String()).Err()
}

func (s *PresenceStore) Participants(ctx context.Context, callID domain.CallID) ([]domain.ParticipantID, error) {
	vals, err := s.rdb.SMembers(ctx, s.key(callID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(vals)
	out := make([]domain.ParticipantID, len(vals))
	for i, v := range vals {
		out[i] = domain.ParticipantID(v)
	}
	return out, nil
}
