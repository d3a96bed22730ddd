package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultMaxEntries = 100000

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local window counter. It gives no guarantee
// across replicas.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*window
	maxEntries int
	now        func() time.Time
}

// NewMemoryStore creates a store holding at most maxEntries live keys
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*window),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Allow implements Limiter
func (s *MemoryStore) Allow(_ context.Context, policy Policy, key string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := storageKey(policy, key)

	w, ok := s.entries[k]
	if !ok || !now.Before(w.resetAt) {
		if !ok && len(s.entries) >= s.maxEntries {
			s.makeRoomLocked(now)
		}
		w = &window{count: 1, resetAt: now.Add(policy.Window)}
		s.entries[k] = w
	} else {
		w.count++
	}

	return decide(policy, w.count, w.resetAt), nil
}

// Prune drops every window that has already reset and returns how many went
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(s.now())
}

// Len returns the number of tracked keys
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run prunes on every tick until ctx is done
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Prune(); n > 0 {
				log.Debug().Int("evicted", n).Msg("Rate limiter pruned")
			}
		}
	}
}

func (s *MemoryStore) pruneLocked(now time.Time) int {
	evicted := 0
	for k, w := range s.entries {
		if !now.Before(w.resetAt) {
			delete(s.entries, k)
			evicted++
		}
	}
	return evicted
}

// makeRoomLocked frees a slot: expired windows first, else the window
// closest to its reset
func (s *MemoryStore) makeRoomLocked(now time.Time) {
	if s.pruneLocked(now) > 0 {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, w := range s.entries {
		if oldestKey == "" || w.resetAt.Before(oldest) {
			oldestKey, oldest = k, w.resetAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}
