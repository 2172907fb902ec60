package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dotsetgreg/heartcore/pkg/dispatch"
)

const replySystemPrompt = `You are a friendly, concise chat companion in a group conversation.
You receive a batch of messages addressed to you, plus some surrounding
chatter for context. Write ONE reply covering the whole batch.
Your current energy (0-1) and mood (-1 to 1) are given; let them color
the tone, not the substance.
Answer with strict JSON, nothing else:
{"reply": "<your reply>", "sentiment": -1.0-1.0}
sentiment is how the exchange left you feeling.`

// ReplyGenerator turns one drained batch into a single reply via the
// configured chat model.
type ReplyGenerator struct {
	client *Client
	model  string
}

func NewReplyGenerator(client *Client, model string) *ReplyGenerator {
	return &ReplyGenerator{client: client, model: model}
}

func (g *ReplyGenerator) Generate(ctx context.Context, req dispatch.GenerateRequest) (dispatch.GenerateResult, error) {
	raw, err := g.client.Chat(ctx, g.model, []Message{
		{Role: "system", Content: replySystemPrompt},
		{Role: "user", Content: buildPrompt(req)},
	}, 0.7)
	if err != nil {
		return dispatch.GenerateResult{}, fmt.Errorf("reply call: %w", err)
	}

	var parsed struct {
		Reply     string  `json:"reply"`
		Sentiment float64 `json:"sentiment"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		// A plain-text answer still counts; treat it as neutral.
		return dispatch.GenerateResult{ReplyText: strings.TrimSpace(raw)}, nil
	}
	if parsed.Sentiment < -1 {
		parsed.Sentiment = -1
	}
	if parsed.Sentiment > 1 {
		parsed.Sentiment = 1
	}
	return dispatch.GenerateResult{ReplyText: parsed.Reply, Sentiment: parsed.Sentiment}, nil
}

func buildPrompt(req dispatch.GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "energy: %.2f\nmood: %.2f\n", req.Energy, req.Mood)
	if len(req.Ambient) > 0 {
		b.WriteString("\nsurrounding chatter:\n")
		for _, line := range req.Ambient {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nmessages for you:\n")
	for _, m := range req.Batch {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "  %s: %s\n", name, m.Content)
		for _, att := range m.Attachments {
			fmt.Fprintf(&b, "    [attachment: %s]\n", att)
		}
	}
	return b.String()
}
