package session

import (
	"sort"
	"sync"
	"time"

	"github.com/dotsetgreg/heartcore/pkg/bus"
)

// State is the per-session scheduling entity: a bounded energy budget, a
// decaying mood value, the generation ownership marker, and the two message
// pools. Scalar fields and pools are guarded by mu; a session is "locked"
// exactly while OwnerSenderID is non-empty, which is how at most one
// generation cycle per session is enforced.
type State struct {
	SessionID string

	mu            sync.Mutex
	energy        float64 // [0,1]
	mood          float64 // [-1,1]
	ownerSenderID string  // non-empty iff a cycle is in flight
	accumulation  []bus.InboundMessage
	background    []bus.InboundMessage

	lastReplyTime time.Time
	lastMoodDecay time.Time
	lastResetDate string // ISO date of the last daily reset
	lastAccess    time.Time

	dirty    bool
	dirtySeq uint64
}

// Persisted is the durable subset of State.
type Persisted struct {
	Energy        float64
	Mood          float64
	LastReplyTime time.Time
	LastMoodDecay time.Time
	LastResetDate string
}

// NewState builds an in-memory State from its durable subset.
func NewState(id string, p Persisted, now time.Time) *State {
	return &State{
		SessionID:     id,
		energy:        clampUnit(p.Energy),
		mood:          clampMood(p.Mood),
		lastReplyTime: p.LastReplyTime,
		lastMoodDecay: p.LastMoodDecay,
		lastResetDate: p.LastResetDate,
		lastAccess:    now,
	}
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampMood(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// Snapshot returns the admission-relevant view of the session.
func (s *State) Snapshot() (energy, mood float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energy, s.mood
}

// Locked reports whether a generation cycle currently owns the session.
func (s *State) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerSenderID != ""
}

// Owner returns the sender id owning the in-flight cycle, or "".
func (s *State) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownerSenderID
}

// TryBeginCycle atomically acquires the session for a new cycle seeded with
// msg. It fails if another cycle is already in flight.
func (s *State) TryBeginCycle(msg bus.InboundMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerSenderID != "" {
		return false
	}
	s.ownerSenderID = msg.SenderID
	s.accumulation = append(s.accumulation, msg)
	s.lastAccess = time.Now()
	return true
}

// AppendOwner appends msg to the accumulation pool if msg's sender owns the
// in-flight cycle. Returns false when the session is idle or owned by a
// different sender.
func (s *State) AppendOwner(msg bus.InboundMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerSenderID == "" || s.ownerSenderID != msg.SenderID {
		return false
	}
	s.accumulation = append(s.accumulation, msg)
	s.lastAccess = time.Now()
	return true
}

// DeferIfLocked appends msg to the background pool, but only while a cycle
// is in flight; the background pool is meaningless on an idle session.
// The oldest entry is dropped when the pool is at capacity. Returns whether
// the message was deferred and how many entries were dropped.
func (s *State) DeferIfLocked(msg bus.InboundMessage, capacity int) (deferred bool, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerSenderID == "" {
		return false, 0
	}
	s.background = append(s.background, msg)
	for capacity > 0 && len(s.background) > capacity {
		s.background = s.background[1:]
		dropped++
	}
	s.lastAccess = time.Now()
	return true, dropped
}

// DrainAccumulation atomically snapshots and clears the accumulation pool.
func (s *State) DrainAccumulation() []bus.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.accumulation
	s.accumulation = nil
	return drained
}

// EndCycle releases the session lock. Anything left pending (background
// messages deferred during the cycle plus owner messages that landed after
// the drain) is promoted into the accumulation pool in arrival order, and
// the session is immediately re-acquired for the sender of the earliest
// pending message. The promoted owner is returned with ok=true so the caller
// can schedule the follow-up cycle; nothing admitted is ever dropped here.
func (s *State) EndCycle() (nextOwner string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]bus.InboundMessage, 0, len(s.accumulation)+len(s.background))
	pending = append(pending, s.accumulation...)
	pending = append(pending, s.background...)
	s.accumulation = nil
	s.background = nil
	s.ownerSenderID = ""
	if len(pending) == 0 {
		return "", false
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].ArrivalTime.Before(pending[j].ArrivalTime)
	})
	s.accumulation = pending
	s.ownerSenderID = pending[0].SenderID
	s.lastAccess = time.Now()
	return s.ownerSenderID, true
}

// ApplyCycleResult charges the cycle's energy cost and, when the generator
// succeeded, adopts its reported mood value. Failure still charges energy
// (an attempt was made) and leaves mood untouched.
func (s *State) ApplyCycleResult(energyCost, moodValue float64, generated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energy = clampUnit(s.energy - energyCost)
	if generated {
		s.mood = clampMood(moodValue)
	}
	s.lastReplyTime = time.Now()
	s.lastAccess = s.lastReplyTime
	s.markDirtyLocked()
}

// ApplyPassiveRecovery bumps energy by increment (capped at ceiling) when the
// session has been silent longer than silence and energy sits below the
// ceiling. Reports whether anything changed.
func (s *State) ApplyPassiveRecovery(increment, ceiling float64, silence time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.energy >= ceiling {
		return false
	}
	if !s.lastReplyTime.IsZero() && now.Sub(s.lastReplyTime) < silence {
		return false
	}
	s.energy = s.energy + increment
	if s.energy > ceiling {
		s.energy = ceiling
	}
	s.energy = clampUnit(s.energy)
	s.markDirtyLocked()
	return true
}

// ApplyMoodDecay moves mood one step toward zero if interval has elapsed
// since the last decay. Reports whether anything changed.
func (s *State) ApplyMoodDecay(step float64, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mood == 0 {
		return false
	}
	if !s.lastMoodDecay.IsZero() && now.Sub(s.lastMoodDecay) < interval {
		return false
	}
	switch {
	case s.mood > 0:
		s.mood = s.mood - step
		if s.mood < 0 {
			s.mood = 0
		}
	case s.mood < 0:
		s.mood = s.mood + step
		if s.mood > 0 {
			s.mood = 0
		}
	}
	s.lastMoodDecay = now
	s.markDirtyLocked()
	return true
}

// ApplyDailyReset restores the daily energy bump and zeroes mood once per
// calendar day (keyed by the ISO date string).
func (s *State) ApplyDailyReset(bump float64, today string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastResetDate == today {
		return false
	}
	s.lastResetDate = today
	s.energy = clampUnit(s.energy + bump)
	s.mood = 0
	s.markDirtyLocked()
	return true
}

func (s *State) markDirtyLocked() {
	s.dirty = true
	s.dirtySeq++
}

// MarkDirty flags the state for write-back on the next maintenance pass.
func (s *State) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDirtyLocked()
}

// Dirty reports whether the state has unpersisted changes.
func (s *State) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Touch refreshes the access time used by eviction.
func (s *State) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAccess = time.Now()
}

// LastReply returns the time of the last completed cycle.
func (s *State) LastReply() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReplyTime
}

// persistSnapshot captures the durable fields together with the dirty
// sequence at capture time, so a concurrent mutation during a flush cannot
// have its dirty flag cleared from under it.
func (s *State) persistSnapshot() (Persisted, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return Persisted{}, 0, false
	}
	return Persisted{
		Energy:        s.energy,
		Mood:          s.mood,
		LastReplyTime: s.lastReplyTime,
		LastMoodDecay: s.lastMoodDecay,
		LastResetDate: s.lastResetDate,
	}, s.dirtySeq, true
}

func (s *State) clearDirtyIfUnchanged(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirtySeq == seq {
		s.dirty = false
	}
}

// evictable reports whether the session may leave the cache: not locked,
// both pools empty, nothing unpersisted, and idle past ttl.
func (s *State) evictable(ttl time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownerSenderID != "" || len(s.accumulation) > 0 || len(s.background) > 0 || s.dirty {
		return false
	}
	return now.Sub(s.lastAccess) >= ttl
}

// PoolSizes returns the current accumulation and background pool lengths.
func (s *State) PoolSizes() (accumulation, background int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accumulation), len(s.background)
}
