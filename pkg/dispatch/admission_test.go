package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dotsetgreg/heartcore/pkg/bus"
	"github.com/dotsetgreg/heartcore/pkg/session"
)

type stubClassifier struct {
	decision Decision
	err      error
	calls    int
}

func (c *stubClassifier) Classify(ctx context.Context, sessionID string, mood float64, text string) (Decision, error) {
	c.calls++
	return c.decision, c.err
}

func stateWithEnergy(t *testing.T, energy float64) *session.State {
	t.Helper()
	return session.NewState("sess-1", session.Persisted{Energy: energy}, time.Now())
}

func inbound(text string, wake bool) bus.InboundMessage {
	return bus.InboundMessage{
		ID:        "m1",
		SessionID: "sess-1",
		SenderID:  "alice",
		Content:   text,
		Wake:      wake,
	}
}

func TestAdmission_ExhaustedSessionIgnoresWithoutClassifier(t *testing.T) {
	cl := &stubClassifier{decision: Decision{Action: ActionReply}}
	policy := NewAdmissionPolicy(cl, 0.1, ActionIgnore, nil)
	st := stateWithEnergy(t, 0.05)

	d := policy.Decide(context.Background(), st, inbound("hello there", false))

	assert.Equal(t, ActionIgnore, d.Action)
	assert.Zero(t, cl.calls, "classifier must not run below the energy floor")
}

func TestAdmission_WakeBypassesExhaustion(t *testing.T) {
	cl := &stubClassifier{decision: Decision{Action: ActionIgnore}}
	policy := NewAdmissionPolicy(cl, 0.1, ActionIgnore, nil)
	st := stateWithEnergy(t, 0.05)

	d := policy.Decide(context.Background(), st, inbound("hey you awake?", true))

	assert.Equal(t, ActionReply, d.Action)
	assert.Equal(t, 1.0, d.Priority)
	assert.Zero(t, cl.calls)
}

func TestAdmission_ShortcutPhraseSkipsClassifier(t *testing.T) {
	cl := &stubClassifier{decision: Decision{Action: ActionIgnore}}
	policy := NewAdmissionPolicy(cl, 0.1, ActionIgnore, []string{"Good Morning"})
	st := stateWithEnergy(t, 0.8)

	d := policy.Decide(context.Background(), st, inbound("good morning everyone!", false))

	assert.Equal(t, ActionReply, d.Action)
	assert.Equal(t, 0.9, d.Priority)
	assert.Zero(t, cl.calls)
}

func TestAdmission_ClassifierVerdictPassesThrough(t *testing.T) {
	cl := &stubClassifier{decision: Decision{Action: ActionWait, Priority: 0.4}}
	policy := NewAdmissionPolicy(cl, 0.1, ActionIgnore, nil)
	st := stateWithEnergy(t, 0.8)

	d := policy.Decide(context.Background(), st, inbound("what do you think about this?", false))

	assert.Equal(t, ActionWait, d.Action)
	assert.Equal(t, 0.4, d.Priority)
	assert.Equal(t, 1, cl.calls)
}

func TestAdmission_ClassifierFailureUsesConfiguredDefault(t *testing.T) {
	cases := []struct {
		name string
		def  Action
	}{
		{"fail_closed", ActionIgnore},
		{"fail_open", ActionReply},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cl := &stubClassifier{err: errors.New("upstream timeout")}
			policy := NewAdmissionPolicy(cl, 0.1, tc.def, nil)
			st := stateWithEnergy(t, 0.8)

			d := policy.Decide(context.Background(), st, inbound("anyone around?", false))

			assert.Equal(t, tc.def, d.Action)
		})
	}
}

func TestAdmission_InvalidClassifierActionFallsBack(t *testing.T) {
	cl := &stubClassifier{decision: Decision{Action: Action("maybe")}}
	policy := NewAdmissionPolicy(cl, 0.1, ActionWait, nil)
	st := stateWithEnergy(t, 0.8)

	d := policy.Decide(context.Background(), st, inbound("hmm", false))

	assert.Equal(t, ActionWait, d.Action)
}

func TestAdmission_NilClassifierUsesDefault(t *testing.T) {
	policy := NewAdmissionPolicy(nil, 0.1, ActionReply, nil)
	st := stateWithEnergy(t, 0.8)

	d := policy.Decide(context.Background(), st, inbound("hello", false))

	assert.Equal(t, ActionReply, d.Action)
}

func TestParseAction(t *testing.T) {
	assert.Equal(t, ActionReply, ParseAction(" Reply "))
	assert.Equal(t, ActionWait, ParseAction("wait"))
	assert.Equal(t, ActionIgnore, ParseAction("ignore"))
	assert.Equal(t, ActionIgnore, ParseAction("bogus"))
}
