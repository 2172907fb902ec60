package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/heartcore/pkg/logger"
	"github.com/dotsetgreg/heartcore/pkg/session"
)

// cyclePhase tracks where a debounce cycle is in its lifetime.
type cyclePhase int32

const (
	phaseOpen cyclePhase = iota
	phaseWaiting
	phaseClosing
	phaseDone
)

func (p cyclePhase) String() string {
	switch p {
	case phaseOpen:
		return "open"
	case phaseWaiting:
		return "waiting"
	case phaseClosing:
		return "closing"
	case phaseDone:
		return "done"
	default:
		return "unknown"
	}
}

type closeReason string

const (
	closeQuiet    closeReason = "quiet"
	closeCeiling  closeReason = "ceiling"
	closeCanceled closeReason = "canceled"
)

// cycle is one debounce window for one session. It owns two timers:
// a quiet timer that re-arms every time the owner sends another message,
// and a ceiling timer set once when the window opens. Whichever fires
// first closes the window.
type cycle struct {
	id        string
	sessionID string
	state     *session.State
	quiet     time.Duration
	ceiling   time.Duration
	extend    chan struct{}
	phase     atomic.Int32
	openedAt  time.Time
}

func newCycle(st *session.State, quiet, ceiling time.Duration) *cycle {
	c := &cycle{
		id:        uuid.NewString(),
		sessionID: st.SessionID,
		state:     st,
		quiet:     quiet,
		ceiling:   ceiling,
		extend:    make(chan struct{}, 1),
		openedAt:  time.Now(),
	}
	c.phase.Store(int32(phaseOpen))
	return c
}

func (c *cycle) Phase() cyclePhase {
	return cyclePhase(c.phase.Load())
}

// signalExtend re-arms the quiet timer. Non-blocking: a pending signal
// already covers any number of coalesced messages.
func (c *cycle) signalExtend() {
	select {
	case c.extend <- struct{}{}:
	default:
	}
}

// collect runs the waiting phase until the quiet timer fires, the
// ceiling is hit, or the context is canceled.
func (c *cycle) collect(ctx context.Context) closeReason {
	c.phase.Store(int32(phaseWaiting))

	quiet := time.NewTimer(c.quiet)
	defer quiet.Stop()
	ceiling := time.NewTimer(c.ceiling)
	defer ceiling.Stop()

	for {
		select {
		case <-c.extend:
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(c.quiet)
		case <-quiet.C:
			c.phase.Store(int32(phaseClosing))
			return closeQuiet
		case <-ceiling.C:
			c.phase.Store(int32(phaseClosing))
			logger.WarnCF("dispatch", "debounce ceiling reached", map[string]interface{}{
				"session": c.sessionID,
				"cycle":   c.id,
				"window":  time.Since(c.openedAt).Round(time.Millisecond).String(),
			})
			return closeCeiling
		case <-ctx.Done():
			c.phase.Store(int32(phaseClosing))
			return closeCanceled
		}
	}
}

func (c *cycle) markDone() {
	c.phase.Store(int32(phaseDone))
}
