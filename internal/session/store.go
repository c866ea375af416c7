// Package session holds per-session conversational state: at most one
// pending confirmation per session, kept in memory for the process lifetime.
package session

import (
	"hash/fnv"
	"sync"

	"infra-agent/internal/domain"
)

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	pending map[string]domain.PendingConfirmation
}

// Store maps session IDs to pending confirmations. Shards keep sessions
// independent: calls for different IDs do not contend on one lock, calls for
// the same ID are serialized by its shard.
//
// Entries have no expiry; a pending confirmation survives until the next
// message from its session resolves it.
type Store struct {
	shards [shardCount]*shard
}

func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{pending: make(map[string]domain.PendingConfirmation)}
	}
	return s
}

func (s *Store) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return s.shards[h.Sum32()%shardCount]
}

// SetPending records a confirmation for the session, replacing any existing
// one. Mutating intents overwrite; they are never queued.
func (s *Store) SetPending(sessionID string, pc domain.PendingConfirmation) {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.pending[sessionID] = pc
}

// TakePending atomically removes and returns the session's pending
// confirmation. The second return is false when none was recorded.
func (s *Store) TakePending(sessionID string) (domain.PendingConfirmation, bool) {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	pc, ok := sh.pending[sessionID]
	if ok {
		delete(sh.pending, sessionID)
	}
	return pc, ok
}

// HasPending reports whether the session has a recorded confirmation.
func (s *Store) HasPending(sessionID string) bool {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.pending[sessionID]
	return ok
}
