package bot

import (
	"sync"
	"time"
)

type SessionState string

const (
	StateInitial    SessionState = "initial"
	StateChoosing   SessionState = "choosing_meditation"
	StateMeditating SessionState = "meditating"
)

// Session is the per-sender conversational state. It is process-local and
// advisory: anything that must survive a restart lives in the store, and
// the meditating state is re-derived from the active_meditations row on
// every request.
type Session struct {
	State          SessionState
	MeditationType string
	LastSeen       time.Time
}

// sessionStore keeps sessions bounded: entries idle past the TTL are
// dropped, and when the map outgrows maxEntries the oldest entries go
// first. Senders who went silent simply start over at StateInitial.
type sessionStore struct {
	mu         sync.Mutex
	items      map[string]*Session
	ttl        time.Duration
	maxEntries int
}

const defaultMaxSessions = 10000

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &sessionStore{
		items:      make(map[string]*Session),
		ttl:        ttl,
		maxEntries: defaultMaxSessions,
	}
}

// Get returns the sender's session, creating it lazily. An entry idle past
// the TTL is replaced with a fresh one.
func (s *sessionStore) Get(sender string) *Session {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.items[sender]
	if !ok || now.Sub(sess.LastSeen) > s.ttl {
		sess = &Session{State: StateInitial, LastSeen: now}
		s.items[sender] = sess
		if len(s.items) > s.maxEntries {
			s.evictOldestLocked()
		}
	}
	sess.LastSeen = now
	return sess
}

func (s *sessionStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, sess := range s.items {
		if oldestKey == "" || sess.LastSeen.Before(oldest) {
			oldestKey = key
			oldest = sess.LastSeen
		}
	}
	if oldestKey != "" {
		delete(s.items, oldestKey)
	}
}

// Sweep drops every entry idle past the TTL and returns how many were
// removed. The scheduler calls this periodically.
func (s *sessionStore) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.items {
		if now.Sub(sess.LastSeen) > s.ttl {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

func (s *sessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
