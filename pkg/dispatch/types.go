package dispatch

import (
	"context"
	"strings"

	"github.com/dotsetgreg/heartcore/pkg/bus"
)

// Action is the admission outcome for one inbound message.
type Action string

const (
	ActionReply  Action = "reply"
	ActionWait   Action = "wait"
	ActionIgnore Action = "ignore"
)

// ParseAction maps a config string to an Action; unknown values fall back to
// ActionIgnore.
func ParseAction(s string) Action {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionReply:
		return ActionReply
	case ActionWait:
		return ActionWait
	default:
		return ActionIgnore
	}
}

// Decision is produced once per admitted message and never persisted.
type Decision struct {
	Action   Action
	Priority float64
}

// Classifier is the external intent judge ("should this be answered?").
// It may be slow and may fail; the admission policy owns the fallback.
type Classifier interface {
	Classify(ctx context.Context, sessionID string, mood float64, text string) (Decision, error)
}

// GenerateRequest is one aggregated batch handed to the response generator,
// in arrival order, together with a snapshot of the session's state.
type GenerateRequest struct {
	SessionID string
	Energy    float64
	Mood      float64
	Batch     []bus.InboundMessage
	Ambient   []string // surrounding chatter not part of the batch
}

// GenerateResult carries the reply text and the generator's reported
// sentiment, an absolute mood value in [-1,1].
type GenerateResult struct {
	ReplyText string
	Sentiment float64
}

// Generator produces a reply for a drained batch. Failure must still let the
// cycle complete; the dispatcher releases the session either way.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}

// Sanitizer cleans a raw inbound event before dispatch. drop=true means the
// event never reaches the dispatcher (commands, noise).
type Sanitizer interface {
	Filter(raw bus.InboundMessage) (clean bus.InboundMessage, drop bool)
}
