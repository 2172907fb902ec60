package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/heartcore/pkg/bus"
	"github.com/dotsetgreg/heartcore/pkg/config"
	"github.com/dotsetgreg/heartcore/pkg/logger"
	"github.com/dotsetgreg/heartcore/pkg/session"
)

// Dispatcher routes inbound messages into per-session debounce cycles.
// At most one cycle runs per session at a time. Messages from the cycle
// owner extend the open window; messages from other senders are parked
// in a bounded background pool and promoted when the window closes.
type Dispatcher struct {
	cfg       config.DispatchConfig
	sessions  *session.StateStore
	policy    *AdmissionPolicy
	generator Generator
	sanitizer Sanitizer
	msgBus    *bus.MessageBus

	quiet   time.Duration
	ceiling time.Duration

	mu      sync.Mutex
	cycles  map[string]*cycle
	ambient map[string]*ambientRing

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg config.DispatchConfig, sessions *session.StateStore, classifier Classifier, generator Generator, sanitizer Sanitizer, msgBus *bus.MessageBus) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		sessions:  sessions,
		policy:    NewAdmissionPolicy(classifier, cfg.EnergyFloor, ParseAction(cfg.ClassifierFailureDefault), cfg.ShortcutPhrases),
		generator: generator,
		sanitizer: sanitizer,
		msgBus:    msgBus,
		quiet:     time.Duration(cfg.DebounceQuietSeconds * float64(time.Second)),
		ceiling:   time.Duration(cfg.DebounceMaxWindowSeconds * float64(time.Second)),
		cycles:    make(map[string]*cycle),
		ambient:   make(map[string]*ambientRing),
	}
	// Ambient rings live and die with their session's cache entry.
	sessions.OnEvict(d.dropRing)
	return d
}

// Run consumes the inbound side of the bus until ctx is canceled, then
// waits for in-flight cycles to settle.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher already running")
	}
	defer d.running.Store(false)
	defer d.wg.Wait()

	logger.InfoCF("dispatch", "dispatcher started", map[string]interface{}{
		"quiet_window": d.quiet.String(),
		"max_window":   d.ceiling.String(),
	})

	for {
		msg, ok := d.msgBus.ConsumeInbound(ctx)
		if !ok {
			logger.InfoC("dispatch", "dispatcher stopping")
			return nil
		}
		if err := d.OnMessage(ctx, msg); err != nil {
			logger.ErrorCF("dispatch", "message handling failed", map[string]interface{}{
				"session": msg.SessionID,
				"error":   err.Error(),
			})
		}
	}
}

// OnMessage sanitizes, admits, and routes one inbound message.
func (d *Dispatcher) OnMessage(ctx context.Context, msg bus.InboundMessage) error {
	if d.sanitizer != nil {
		clean, drop := d.sanitizer.Filter(msg)
		if drop {
			logger.DebugCF("dispatch", "message dropped by sanitizer", map[string]interface{}{
				"session": msg.SessionID,
				"sender":  msg.SenderID,
			})
			return nil
		}
		msg = clean
	}
	if msg.ArrivalTime.IsZero() {
		msg.ArrivalTime = time.Now()
	}

	st, err := d.sessions.Get(ctx, msg.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", msg.SessionID, err)
	}

	decision := d.policy.Decide(ctx, st, msg)
	switch decision.Action {
	case ActionIgnore:
		d.ring(msg.SessionID).Add(msg)
		return nil
	case ActionWait:
		d.routeWait(st, msg)
		return nil
	case ActionReply:
		d.routeReply(ctx, st, msg)
		return nil
	default:
		d.ring(msg.SessionID).Add(msg)
		return nil
	}
}

// routeReply places the message in the accumulation pool if the sender
// already owns the open cycle, opens a cycle if the session is idle, or
// parks it in the background pool otherwise. Each step is an atomic
// check-and-act on the session; a failed step means the session changed
// underneath us, so we retry the chain.
func (d *Dispatcher) routeReply(ctx context.Context, st *session.State, msg bus.InboundMessage) {
	for {
		if st.AppendOwner(msg) {
			if c := d.activeCycle(msg.SessionID); c != nil {
				c.signalExtend()
			}
			return
		}
		if st.TryBeginCycle(msg) {
			d.startCycle(ctx, st)
			return
		}
		deferred, dropped := st.DeferIfLocked(msg, d.cfg.BackgroundPoolCapacity)
		if deferred {
			if dropped > 0 {
				logger.WarnCF("dispatch", "background pool overflow", map[string]interface{}{
					"session": msg.SessionID,
					"dropped": dropped,
				})
			}
			return
		}
		// Session flipped between checks; go around again.
	}
}

// routeWait joins an open window when the sender owns it, defers behind
// a foreign cycle, and otherwise records the message as ambient context.
// A WAIT verdict never opens a cycle on its own.
func (d *Dispatcher) routeWait(st *session.State, msg bus.InboundMessage) {
	for {
		if st.AppendOwner(msg) {
			if c := d.activeCycle(msg.SessionID); c != nil {
				c.signalExtend()
			}
			return
		}
		deferred, dropped := st.DeferIfLocked(msg, d.cfg.BackgroundPoolCapacity)
		if deferred {
			if dropped > 0 {
				logger.WarnCF("dispatch", "background pool overflow", map[string]interface{}{
					"session": msg.SessionID,
					"dropped": dropped,
				})
			}
			return
		}
		if !st.Locked() {
			d.ring(msg.SessionID).Add(msg)
			return
		}
	}
}

func (d *Dispatcher) startCycle(ctx context.Context, st *session.State) {
	c := newCycle(st, d.quiet, d.ceiling)
	d.mu.Lock()
	d.cycles[c.sessionID] = c
	d.mu.Unlock()

	logger.DebugCF("dispatch", "cycle opened", map[string]interface{}{
		"session": c.sessionID,
		"cycle":   c.id,
		"owner":   st.Owner(),
	})

	d.wg.Add(1)
	go d.runCycle(ctx, c)
}

func (d *Dispatcher) runCycle(ctx context.Context, c *cycle) {
	defer d.wg.Done()
	reason := c.collect(ctx)
	d.finalize(ctx, c, reason)
}

// finalize drains the window, generates at most one reply, applies the
// physiological deltas, and releases the session. If deferred messages
// remain, the earliest sender gets a fresh cycle on a new goroutine.
func (d *Dispatcher) finalize(ctx context.Context, c *cycle, reason closeReason) {
	if reason == closeCanceled {
		// Shutdown: leave the session and its pools as they are and stand
		// down. Ending the cycle here would re-acquire for any deferred
		// sender and spin up another doomed window.
		c.markDone()
		d.mu.Lock()
		if d.cycles[c.sessionID] == c {
			delete(d.cycles, c.sessionID)
		}
		d.mu.Unlock()
		return
	}

	batch := c.state.DrainAccumulation()

	generated := false
	if len(batch) > 0 {
		energy, mood := c.state.Snapshot()
		result, err := d.generator.Generate(ctx, GenerateRequest{
			SessionID: c.sessionID,
			Energy:    energy,
			Mood:      mood,
			Batch:     batch,
			Ambient:   d.ring(c.sessionID).Snapshot(),
		})
		if err != nil {
			logger.ErrorCF("dispatch", "generation failed", map[string]interface{}{
				"session": c.sessionID,
				"cycle":   c.id,
				"error":   err.Error(),
			})
		} else {
			generated = true
			if result.ReplyText != "" && d.msgBus != nil {
				head := batch[0]
				d.msgBus.PublishOutbound(bus.OutboundMessage{
					Channel:   head.Channel,
					SessionID: c.sessionID,
					ChatID:    head.ChatID,
					Content:   result.ReplyText,
				})
			}
			c.state.ApplyCycleResult(d.cfg.EnergyCostPerCycle, result.Sentiment, true)
		}
		if !generated {
			// Energy is still spent on a failed attempt; mood stays put.
			c.state.ApplyCycleResult(d.cfg.EnergyCostPerCycle, 0, false)
		}
	}

	c.markDone()
	d.mu.Lock()
	if d.cycles[c.sessionID] == c {
		delete(d.cycles, c.sessionID)
	}
	d.mu.Unlock()

	logger.DebugCF("dispatch", "cycle closed", map[string]interface{}{
		"session": c.sessionID,
		"cycle":   c.id,
		"reason":  string(reason),
		"batch":   len(batch),
	})

	next, ok := c.state.EndCycle()
	if !ok {
		return
	}
	logger.InfoCF("dispatch", "promoting deferred sender", map[string]interface{}{
		"session": c.sessionID,
		"owner":   next,
	})
	// Fresh goroutine per promotion keeps the stack flat no matter how
	// long the deferred chain gets.
	d.startCycle(ctx, c.state)
}

func (d *Dispatcher) activeCycle(sessionID string) *cycle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cycles[sessionID]
}

func (d *Dispatcher) dropRing(sessionID string) {
	d.mu.Lock()
	delete(d.ambient, sessionID)
	d.mu.Unlock()
}

func (d *Dispatcher) ring(sessionID string) *ambientRing {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.ambient[sessionID]
	if !ok {
		r = newAmbientRing(d.cfg.AmbientRingCapacity)
		d.ambient[sessionID] = r
	}
	return r
}
