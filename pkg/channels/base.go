package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/heartcore/pkg/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	bus       *bus.MessageBus
	running   bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running
}

func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	for _, allowed := range c.allowList {
		candidate := strings.TrimSpace(strings.TrimPrefix(allowed, "@"))
		if candidate != "" && candidate == senderID {
			return true
		}
	}
	return false
}

// HandleMessage publishes one inbound event. The session key groups all
// traffic of one chat room on one channel into a single session.
func (c *BaseChannel) HandleMessage(senderID, senderName, chatID, content string, attachments []string, wake bool) {
	if !c.IsAllowed(senderID) {
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		ID:          uuid.NewString(),
		Channel:     c.name,
		SessionID:   fmt.Sprintf("%s:%s", c.name, chatID),
		ChatID:      chatID,
		SenderID:    senderID,
		SenderName:  senderName,
		Content:     content,
		Attachments: attachments,
		ArrivalTime: time.Now(),
		Wake:        wake,
	})
}

func (c *BaseChannel) setRunning(running bool) {
	c.running = running
}
