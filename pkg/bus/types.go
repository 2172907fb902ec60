package bus

import "time"

// InboundMessage is one sanitized chat event on its way into the dispatcher.
// Immutable once published.
type InboundMessage struct {
	ID          string
	Channel     string
	SessionID   string
	ChatID      string // channel-native chat identifier, echoed on replies
	SenderID    string
	SenderName  string
	Content     string
	Attachments []string // opaque attachment references
	ArrivalTime time.Time
	Wake        bool // explicit address (mention, nickname); bypasses classification
}

// OutboundMessage is reply text headed back to a channel adapter.
type OutboundMessage struct {
	Channel   string
	SessionID string
	ChatID    string
	Content   string
}
