package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/heartcore/pkg/bus"
	"github.com/dotsetgreg/heartcore/pkg/config"
	"github.com/dotsetgreg/heartcore/pkg/session"
)

type memDurable struct {
	mu    sync.Mutex
	saved map[string]session.Persisted
}

func (m *memDurable) Load(ctx context.Context, sessionID string) (*session.Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.saved[sessionID]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (m *memDurable) Save(ctx context.Context, sessionID string, p session.Persisted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]session.Persisted)
	}
	m.saved[sessionID] = p
	return nil
}

func (m *memDurable) Close() error { return nil }

type recordingGenerator struct {
	mu       sync.Mutex
	requests []GenerateRequest
	result   GenerateResult
	err      error
}

func (g *recordingGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return g.result, g.err
}

func (g *recordingGenerator) Requests() []GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]GenerateRequest, len(g.requests))
	copy(out, g.requests)
	return out
}

func (g *recordingGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fixedClassifier struct {
	decision Decision
}

func (c *fixedClassifier) Classify(ctx context.Context, sessionID string, mood float64, text string) (Decision, error) {
	return c.decision, nil
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		EnergyInitial:            0.8,
		EnergyFloor:              0.1,
		EnergyCostPerCycle:       0.05,
		DebounceQuietSeconds:     0.05,
		DebounceMaxWindowSeconds: 0.5,
		BackgroundPoolCapacity:   5,
		AmbientRingCapacity:      10,
		ClassifierFailureDefault: "ignore",
	}
}

func newTestDispatcher(t *testing.T, cfg config.DispatchConfig, gen Generator) (*Dispatcher, *session.StateStore) {
	t.Helper()
	sessions := session.NewStateStore(&memDurable{}, cfg.EnergyInitial)
	d := NewDispatcher(cfg, sessions, &fixedClassifier{decision: Decision{Action: ActionReply}}, gen, nil, bus.NewMessageBus())
	return d, sessions
}

func msgFrom(sender, text string, at time.Time) bus.InboundMessage {
	return bus.InboundMessage{
		ID:          sender + "-" + text,
		Channel:     "test",
		SessionID:   "room-1",
		ChatID:      "chat-1",
		SenderID:    sender,
		SenderName:  sender,
		Content:     text,
		ArrivalTime: at,
	}
}

func waitIdle(t *testing.T, sessions *session.StateStore, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := sessions.Peek(sessionID)
		return s != nil && !s.Locked()
	}, 2*time.Second, 5*time.Millisecond, "session never released")
}

func TestDispatcher_BurstCoalescesIntoOneBatch(t *testing.T) {
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "hi", Sentiment: 0.3}}
	d, sessions := newTestDispatcher(t, testDispatchConfig(), gen)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "hey", base)))
	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "you there?", base.Add(time.Millisecond))))
	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "one more thing", base.Add(2*time.Millisecond))))

	waitIdle(t, sessions, "room-1")
	require.Eventually(t, func() bool { return gen.Calls() == 1 }, time.Second, 5*time.Millisecond)

	reqs := gen.Requests()
	require.Len(t, reqs[0].Batch, 3)
	assert.Equal(t, "hey", reqs[0].Batch[0].Content)
	assert.Equal(t, "one more thing", reqs[0].Batch[2].Content)
}

func TestDispatcher_ReplyPublishedToBus(t *testing.T) {
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "hello alice", Sentiment: 0.1}}
	d, sessions := newTestDispatcher(t, testDispatchConfig(), gen)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "hello", time.Now())))
	waitIdle(t, sessions, "room-1")

	out, ok := d.msgBus.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "hello alice", out.Content)
	assert.Equal(t, "chat-1", out.ChatID)
	assert.Equal(t, "test", out.Channel)
}

func TestDispatcher_SecondSenderDeferredThenPromoted(t *testing.T) {
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "ok", Sentiment: 0}}
	d, sessions := newTestDispatcher(t, testDispatchConfig(), gen)
	ctx := context.Background()

	base := time.Now()
	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "first question", base)))
	require.NoError(t, d.OnMessage(ctx, msgFrom("bob", "me too please", base.Add(time.Millisecond))))

	require.Eventually(t, func() bool { return gen.Calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, sessions, "room-1")

	reqs := gen.Requests()
	require.Len(t, reqs[0].Batch, 1)
	assert.Equal(t, "alice", reqs[0].Batch[0].SenderID)
	require.Len(t, reqs[1].Batch, 1)
	assert.Equal(t, "bob", reqs[1].Batch[0].SenderID)
}

func TestDispatcher_CeilingClosesBusyWindow(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.DebounceQuietSeconds = 0.08
	cfg.DebounceMaxWindowSeconds = 0.2
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "ok"}}
	d, _ := newTestDispatcher(t, cfg, gen)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep re-arming the quiet timer faster than it can fire; only the
	// ceiling can close this window.
	done := make(chan struct{})
	go func() {
		defer close(done)
		base := time.Now()
		for i := 0; ; i++ {
			if gen.Calls() > 0 || ctx.Err() != nil {
				return
			}
			_ = d.OnMessage(ctx, msgFrom("alice", "spam", base.Add(time.Duration(i)*time.Millisecond)))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool { return gen.Calls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.GreaterOrEqual(t, len(gen.Requests()[0].Batch), 2)
}

func TestDispatcher_GeneratorFailureStillChargesEnergy(t *testing.T) {
	gen := &recordingGenerator{err: errors.New("provider down")}
	cfg := testDispatchConfig()
	d, sessions := newTestDispatcher(t, cfg, gen)
	ctx := context.Background()

	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "hello", time.Now())))
	waitIdle(t, sessions, "room-1")
	require.Eventually(t, func() bool { return gen.Calls() == 1 }, time.Second, 5*time.Millisecond)

	s := sessions.Peek("room-1")
	require.NotNil(t, s)
	energy, mood := s.Snapshot()
	assert.InDelta(t, cfg.EnergyInitial-cfg.EnergyCostPerCycle, energy, 1e-9)
	assert.Zero(t, mood, "mood must not move on a failed attempt")
	assert.False(t, s.Locked(), "a failed cycle must still release the session")
}

func TestDispatcher_SentimentBecomesMood(t *testing.T) {
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "yay", Sentiment: 0.7}}
	d, sessions := newTestDispatcher(t, testDispatchConfig(), gen)
	ctx := context.Background()

	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "great news!", time.Now())))
	waitIdle(t, sessions, "room-1")
	require.Eventually(t, func() bool { return gen.Calls() == 1 }, time.Second, 5*time.Millisecond)

	_, mood := sessions.Peek("room-1").Snapshot()
	assert.InDelta(t, 0.7, mood, 1e-9)
}

func TestDispatcher_IgnoredMessageFeedsAmbientRing(t *testing.T) {
	gen := &recordingGenerator{}
	cfg := testDispatchConfig()
	sessions := session.NewStateStore(&memDurable{}, cfg.EnergyInitial)
	d := NewDispatcher(cfg, sessions, &fixedClassifier{decision: Decision{Action: ActionIgnore}}, gen, nil, bus.NewMessageBus())

	require.NoError(t, d.OnMessage(context.Background(), msgFrom("carol", "random chatter", time.Now())))

	assert.Zero(t, gen.Calls())
	assert.Equal(t, 1, d.ring("room-1").Len())
	s := sessions.Peek("room-1")
	require.NotNil(t, s)
	assert.False(t, s.Locked())
}

func TestDispatcher_AmbientRingDroppedWithEvictedSession(t *testing.T) {
	gen := &recordingGenerator{}
	cfg := testDispatchConfig()
	sessions := session.NewStateStore(&memDurable{}, cfg.EnergyInitial)
	d := NewDispatcher(cfg, sessions, &fixedClassifier{decision: Decision{Action: ActionIgnore}}, gen, nil, bus.NewMessageBus())
	ctx := context.Background()

	require.NoError(t, d.OnMessage(ctx, msgFrom("carol", "random chatter", time.Now())))
	require.Equal(t, 1, d.ring("room-1").Len())

	require.NoError(t, sessions.Flush(ctx, "room-1"))
	require.True(t, sessions.EvictIfIdle("room-1", 0))

	d.mu.Lock()
	_, kept := d.ambient["room-1"]
	d.mu.Unlock()
	assert.False(t, kept, "ring must not outlive its session")
}

func TestDispatcher_WaitOnIdleSessionGoesAmbient(t *testing.T) {
	gen := &recordingGenerator{}
	cfg := testDispatchConfig()
	sessions := session.NewStateStore(&memDurable{}, cfg.EnergyInitial)
	d := NewDispatcher(cfg, sessions, &fixedClassifier{decision: Decision{Action: ActionWait}}, gen, nil, bus.NewMessageBus())

	require.NoError(t, d.OnMessage(context.Background(), msgFrom("carol", "interesting thought", time.Now())))

	assert.Zero(t, gen.Calls())
	assert.Equal(t, 1, d.ring("room-1").Len())
}

func TestDispatcher_AmbientContextReachesGenerator(t *testing.T) {
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "ok"}}
	cfg := testDispatchConfig()
	sessions := session.NewStateStore(&memDurable{}, cfg.EnergyInitial)
	d := NewDispatcher(cfg, sessions, &fixedClassifier{decision: Decision{Action: ActionReply}}, gen, nil, bus.NewMessageBus())
	ctx := context.Background()

	d.ring("room-1").Add(msgFrom("carol", "background noise", time.Now()))
	require.NoError(t, d.OnMessage(ctx, msgFrom("alice", "hey", time.Now())))
	waitIdle(t, sessions, "room-1")
	require.Eventually(t, func() bool { return gen.Calls() == 1 }, time.Second, 5*time.Millisecond)

	require.Len(t, gen.Requests()[0].Ambient, 1)
	assert.Contains(t, gen.Requests()[0].Ambient[0], "background noise")
}

func TestDispatcher_RunConsumesBusUntilCancel(t *testing.T) {
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "hi"}}
	cfg := testDispatchConfig()
	sessions := session.NewStateStore(&memDurable{}, cfg.EnergyInitial)
	mb := bus.NewMessageBus()
	d := NewDispatcher(cfg, sessions, &fixedClassifier{decision: Decision{Action: ActionReply}}, gen, nil, mb)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- d.Run(ctx) }()

	mb.PublishInbound(msgFrom("alice", "hello there", time.Now()))
	require.Eventually(t, func() bool { return gen.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestDispatcher_NoLossUnderInterleavedBurst(t *testing.T) {
	gen := &recordingGenerator{result: GenerateResult{ReplyText: "ok"}}
	cfg := testDispatchConfig()
	cfg.BackgroundPoolCapacity = 50
	d, sessions := newTestDispatcher(t, cfg, gen)
	ctx := context.Background()

	base := time.Now()
	senders := []string{"alice", "bob", "carol"}
	total := 0
	for i := 0; i < 9; i++ {
		sender := senders[i%len(senders)]
		require.NoError(t, d.OnMessage(ctx, msgFrom(sender, "msg", base.Add(time.Duration(i)*time.Millisecond))))
		total++
	}

	require.Eventually(t, func() bool {
		seen := 0
		for _, r := range gen.Requests() {
			seen += len(r.Batch)
		}
		return seen == total
	}, 3*time.Second, 10*time.Millisecond, "every admitted message must end up in exactly one batch")
	waitIdle(t, sessions, "room-1")

	seen := 0
	for _, r := range gen.Requests() {
		seen += len(r.Batch)
	}
	assert.Equal(t, total, seen)
}
