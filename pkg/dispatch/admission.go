package dispatch

import (
	"context"
	"strings"

	"github.com/dotsetgreg/heartcore/pkg/bus"
	"github.com/dotsetgreg/heartcore/pkg/logger"
	"github.com/dotsetgreg/heartcore/pkg/session"
)

// AdmissionPolicy turns one inbound message into a final Decision. It is a
// pure function of the session snapshot and the message: no session mutation,
// no lock held, cheap except for the classifier call on the slow path.
type AdmissionPolicy struct {
	classifier     Classifier
	energyFloor    float64
	failureDefault Action
	shortcuts      []string
}

func NewAdmissionPolicy(classifier Classifier, energyFloor float64, failureDefault Action, shortcuts []string) *AdmissionPolicy {
	normalized := make([]string, 0, len(shortcuts))
	for _, p := range shortcuts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	return &AdmissionPolicy{
		classifier:     classifier,
		energyFloor:    energyFloor,
		failureDefault: failureDefault,
		shortcuts:      normalized,
	}
}

// Decide applies the admission rules in order, first match wins:
// exhaustion gate, wake bypass, shortcut phrases, then the classifier.
func (p *AdmissionPolicy) Decide(ctx context.Context, state *session.State, msg bus.InboundMessage) Decision {
	energy, mood := state.Snapshot()

	if energy < p.energyFloor && !msg.Wake {
		return Decision{Action: ActionIgnore}
	}

	if msg.Wake {
		return Decision{Action: ActionReply, Priority: 1.0}
	}

	if p.matchesShortcut(msg.Content) {
		return Decision{Action: ActionReply, Priority: 0.9}
	}

	if p.classifier == nil {
		return Decision{Action: p.failureDefault}
	}

	decision, err := p.classifier.Classify(ctx, msg.SessionID, mood, msg.Content)
	if err != nil {
		logger.WarnCF("admission", "Classifier failed, applying configured default", map[string]interface{}{
			"session": msg.SessionID,
			"default": string(p.failureDefault),
			"error":   err.Error(),
		})
		return Decision{Action: p.failureDefault}
	}
	switch decision.Action {
	case ActionReply, ActionWait, ActionIgnore:
		return decision
	default:
		return Decision{Action: p.failureDefault}
	}
}

func (p *AdmissionPolicy) matchesShortcut(text string) bool {
	if len(p.shortcuts) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, phrase := range p.shortcuts {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
