package session

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/heartcore/pkg/logger"
)

// DurableStore is the narrow contract against the persistence layer.
// Load returns (nil, nil) when the session has never been saved.
type DurableStore interface {
	Load(ctx context.Context, sessionID string) (*Persisted, error)
	Save(ctx context.Context, sessionID string, p Persisted) error
	Close() error
}

// StateStore is the lazy-loading write-back cache of session state. The map
// mutex exists to make create-if-absent atomic; per-session mutation is
// guarded inside State itself.
type StateStore struct {
	durable       DurableStore
	energyInitial float64

	mu         sync.Mutex
	sessions   map[string]*State
	evictHooks []func(sessionID string)
}

func NewStateStore(durable DurableStore, energyInitial float64) *StateStore {
	return &StateStore{
		durable:       durable,
		energyInitial: energyInitial,
		sessions:      make(map[string]*State),
	}
}

// Get returns the cached state for sessionID, loading it from the durable
// store on first touch and creating a default otherwise.
func (st *StateStore) Get(ctx context.Context, sessionID string) (*State, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if s, ok := st.sessions[sessionID]; ok {
		s.Touch()
		return s, nil
	}

	p, err := st.durable.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		s := NewState(sessionID, *p, now)
		st.sessions[sessionID] = s
		logger.DebugCF("session", "State loaded from store", map[string]interface{}{"session": sessionID})
		return s, nil
	}

	s := NewState(sessionID, Persisted{
		Energy:        st.energyInitial,
		Mood:          0,
		LastResetDate: now.Format("2006-01-02"),
	}, now)
	s.MarkDirty()
	st.sessions[sessionID] = s
	logger.InfoCF("session", "New session state created", map[string]interface{}{"session": sessionID})
	return s, nil
}

// Peek returns the cached state without loading, or nil.
func (st *StateStore) Peek(sessionID string) *State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[sessionID]
}

// MarkDirty flags a cached session for write-back. No-op if not cached.
func (st *StateStore) MarkDirty(sessionID string) {
	if s := st.Peek(sessionID); s != nil {
		s.MarkDirty()
	}
}

// Flush persists the session if dirty and clears the flag on success.
// A failed save leaves the flag set; the next maintenance pass retries.
func (st *StateStore) Flush(ctx context.Context, sessionID string) error {
	s := st.Peek(sessionID)
	if s == nil {
		return nil
	}
	p, seq, dirty := s.persistSnapshot()
	if !dirty {
		return nil
	}
	if err := st.durable.Save(ctx, sessionID, p); err != nil {
		return err
	}
	s.clearDirtyIfUnchanged(seq)
	return nil
}

// OnEvict registers fn to run whenever a session is dropped from the cache,
// so per-session resources held elsewhere can be released with it. Hooks run
// outside the store lock.
func (st *StateStore) OnEvict(fn func(sessionID string)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.evictHooks = append(st.evictHooks, fn)
}

// EvictIfIdle removes the session from the cache when it has been idle past
// ttl and is safe to drop: not locked, pools empty, nothing dirty. Returns
// false without effect otherwise.
func (st *StateStore) EvictIfIdle(sessionID string, ttl time.Duration) bool {
	st.mu.Lock()
	s, ok := st.sessions[sessionID]
	if !ok || !s.evictable(ttl, time.Now()) {
		st.mu.Unlock()
		return false
	}
	delete(st.sessions, sessionID)
	hooks := st.evictHooks
	st.mu.Unlock()

	for _, fn := range hooks {
		fn(sessionID)
	}
	return true
}

// SessionIDs returns a snapshot of the cached session ids, for the
// maintenance sweep.
func (st *StateStore) SessionIDs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of cached sessions.
func (st *StateStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Close flushes every dirty session and closes the durable store.
func (st *StateStore) Close(ctx context.Context) error {
	for _, id := range st.SessionIDs() {
		if err := st.Flush(ctx, id); err != nil {
			logger.WarnCF("session", "Flush on close failed", map[string]interface{}{
				"session": id,
				"error":   err.Error(),
			})
		}
	}
	return st.durable.Close()
}
