package session

import (
	"strings"
	"sync"

	"github.com/dunamismax/zyncut/internal/domain"
	"github.com/dunamismax/zyncut/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMaxSessions = 10000

// Manager hands out sessions by client-supplied id. At most maxSessions are
// kept; the least recently used one is evicted and its in-flight invocation
// cancelled. Usage lives in the store and survives eviction, history does not.
type Manager struct {
	store store.UsageStore
	quota domain.Quota

	mu       sync.Mutex
	sessions *lru.Cache[string, *Session]
}

type Option func(*managerOptions)

type managerOptions struct {
	maxSessions int
}

func WithMaxSessions(n int) Option {
	return func(o *managerOptions) {
		if n > 0 {
			o.maxSessions = n
		}
	}
}

func NewManager(usage store.UsageStore, quota domain.Quota, opts ...Option) *Manager {
	o := managerOptions{maxSessions: DefaultMaxSessions}
	for _, opt := range opts {
		opt(&o)
	}

	sessions, err := lru.NewWithEvict(o.maxSessions, func(_ string, sess *Session) {
		sess.Reset()
	})
	if err != nil {
		// Only reachable with a non-positive size, which WithMaxSessions filters.
		panic(err)
	}
	return &Manager{store: usage, quota: quota, sessions: sessions}
}

// Get returns the session for id, creating it on first use.
func (m *Manager) Get(id string) *Session {
	id = normalizeID(id)

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions.Get(id); ok {
		return sess
	}
	sess := New(id, m.store, m.quota)
	m.sessions.Add(id, sess)
	return sess
}

// Peek returns the session for id without registering a new one. Unknown ids
// get a detached session with empty history.
func (m *Manager) Peek(id string) *Session {
	id = normalizeID(id)
	if sess, ok := m.sessions.Peek(id); ok {
		return sess
	}
	return New(id, m.store, m.quota)
}

func (m *Manager) Len() int {
	return m.sessions.Len()
}

func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "anonymous"
	}
	return id
}
