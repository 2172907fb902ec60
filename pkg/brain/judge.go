package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotsetgreg/heartcore/pkg/dispatch"
)

const judgeSystemPrompt = `You decide whether a chat bot should respond to a group chat message.
The bot only answers when genuinely addressed or when it can add value.
Current bot mood is given on a scale from -1 (bad) to 1 (good); a bad mood
raises the bar for responding.
Answer with strict JSON, nothing else: {"action": "reply"|"wait"|"ignore", "priority": 0.0-1.0}`

// Judge is the small-model intent classifier in front of the dispatcher.
type Judge struct {
	client *Client
	model  string
}

func NewJudge(client *Client, model string) *Judge {
	return &Judge{client: client, model: model}
}

func (j *Judge) Classify(ctx context.Context, sessionID string, mood float64, text string) (dispatch.Decision, error) {
	user := fmt.Sprintf("mood: %.2f\nmessage: %s", mood, text)
	raw, err := j.client.Chat(ctx, j.model, []Message{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: user},
	}, 0)
	if err != nil {
		return dispatch.Decision{}, fmt.Errorf("judge call: %w", err)
	}

	var verdict struct {
		Action   string  `json:"action"`
		Priority float64 `json:"priority"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &verdict); err != nil {
		return dispatch.Decision{}, fmt.Errorf("judge returned malformed verdict %q: %w", truncate(raw, 200), err)
	}

	action := dispatch.Action(strings.ToLower(strings.TrimSpace(verdict.Action)))
	switch action {
	case dispatch.ActionReply, dispatch.ActionWait, dispatch.ActionIgnore:
	default:
		return dispatch.Decision{}, fmt.Errorf("judge returned unknown action %q", verdict.Action)
	}
	if verdict.Priority < 0 {
		verdict.Priority = 0
	}
	if verdict.Priority > 1 {
		verdict.Priority = 1
	}
	return dispatch.Decision{Action: action, Priority: verdict.Priority}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
