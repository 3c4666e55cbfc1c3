package store

import (
	"sync"
	"time"

	"github.com/KanavDutta/seigen/core"
)

// Identity is the live tracking record of one client key.
// Its fields are only read or written by the goroutine that acquired it.
type Identity struct {
	mu sync.Mutex

	id             core.IdentityID
	key            string
	banned         bool
	banExpiresAt   time.Time
	violationCount int64
	lastMessage    string

	expiresAt time.Time // Eviction deadline; zero until first touch
	evicted   bool
}

// ID returns the identity's opaque token.
func (i *Identity) ID() core.IdentityID { return i.id }

// Key returns the client key the identity was created for.
func (i *Identity) Key() string { return i.key }

// View returns a copy of the identity's state. Caller must hold the identity.
func (i *Identity) View() core.IdentityView {
	return core.IdentityView{
		ID:             i.id,
		Key:            i.key,
		Banned:         i.banned,
		BanExpiresAt:   i.banExpiresAt,
		ViolationCount: i.violationCount,
		LastMessage:    i.lastMessage,
	}
}

// ExpiresAt returns the eviction deadline. Caller must hold the identity.
func (i *Identity) ExpiresAt() time.Time { return i.expiresAt }

func (i *Identity) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// IdentityStore maps client keys to identities.
// It's thread-safe; per-identity state is guarded by the identity's own lock,
// taken with Acquire.
type IdentityStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	newID      func() core.IdentityID
}

// Ensure IdentityStore can be swept
var _ Sweeper = (*IdentityStore)(nil)

// NewIdentityStore creates an empty identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		identities: make(map[string]*Identity),
		newID:      core.NewIdentityID,
	}
}

// Resolve returns the identity for key, creating an unbanned one on first sight.
// Concurrent calls for the same key always get the same identity.
func (s *IdentityStore) Resolve(key string) *Identity {
	// Fast path - identity exists
	s.mu.RLock()
	id, exists := s.identities[key]
	s.mu.RUnlock()
	if exists {
		return id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check: another goroutine might have created it
	if id, exists = s.identities[key]; exists {
		return id
	}

	id = &Identity{id: s.newID(), key: key}
	s.identities[key] = id
	return id
}

// Lookup returns the identity for key without creating one.
func (s *IdentityStore) Lookup(key string) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[key]
	return id, ok
}

// Acquire resolves the identity for key and locks it.
// An identity whose eviction deadline passed before now is dropped and a fresh
// one is returned instead. Every Acquire must be paired with Release.
func (s *IdentityStore) Acquire(key string, now time.Time) *Identity {
	for {
		id := s.Resolve(key)
		id.mu.Lock()

		if id.evicted {
			// Lost a race with eviction; the map already points elsewhere
			id.mu.Unlock()
			continue
		}
		if id.expired(now) {
			s.evictLocked(id)
			id.mu.Unlock()
			continue
		}
		return id
	}
}

// Release unlocks an identity obtained from Acquire.
func (s *IdentityStore) Release(id *Identity) {
	id.mu.Unlock()
}

// ClearBan lifts the ban and resets the ban counters. No-op when not banned.
func (s *IdentityStore) ClearBan(id *Identity) {
	id.banned = false
	id.banExpiresAt = time.Time{}
	id.violationCount = 0
}

// SetBan bans the identity until the given time and moves its eviction
// deadline to the same instant.
func (s *IdentityStore) SetBan(id *Identity, until time.Time, message string) {
	id.banned = true
	id.banExpiresAt = until
	id.lastMessage = message
	id.expiresAt = until
}

// RecordViolationAttempt counts a request that arrived during a ban.
func (s *IdentityStore) RecordViolationAttempt(id *Identity) {
	id.violationCount++
}

// Touch pushes the eviction deadline to now+inactivity.
func (s *IdentityStore) Touch(id *Identity, now time.Time, inactivity time.Duration) {
	id.expiresAt = now.Add(inactivity)
}

// Sweep evicts identities whose deadline passed before now.
// Identities currently held by a request are skipped. Returns the number removed.
func (s *IdentityStore) Sweep(now time.Time) int {
	s.mu.RLock()
	candidates := make([]*Identity, 0, len(s.identities))
	for _, id := range s.identities {
		candidates = append(candidates, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range candidates {
		if !id.mu.TryLock() {
			continue // In use, so not idle
		}
		if !id.evicted && id.expired(now) {
			s.evictLocked(id)
			removed++
		}
		id.mu.Unlock()
	}
	return removed
}

// Count returns the number of tracked identities.
func (s *IdentityStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.identities)
}

// evictLocked removes id from the map. MUST be called with id.mu held.
func (s *IdentityStore) evictLocked(id *Identity) {
	id.evicted = true

	s.mu.Lock()
	if s.identities[id.key] == id {
		delete(s.identities, id.key)
	}
	s.mu.Unlock()
}
