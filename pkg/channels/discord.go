package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/heartcore/pkg/bus"
	"github.com/dotsetgreg/heartcore/pkg/config"
	"github.com/dotsetgreg/heartcore/pkg/logger"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
	// Longest a reply can plausibly take: the full debounce window plus the
	// provider timeout. Past that the indicator is stale and must go away
	// even if no outbound message ever lands.
	typingMaxDuration   = 3 * time.Minute
	discordMessageLimit = 1900 // hard limit is 2000, leave headroom
)

type typingSession struct {
	cancel context.CancelFunc
}

type DiscordChannel struct {
	*BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	typing         map[string]*typingSession
	typingMu       sync.Mutex
	typingDeadline time.Duration
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	return &DiscordChannel{
		BaseChannel:    NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		typing:         make(map[string]*typingSession),
		typingDeadline: typingMaxDuration,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID := msg.ChatID
	if channelID == "" {
		return fmt.Errorf("chat id is empty")
	}
	defer c.endTyping(channelID)

	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	for _, chunk := range splitMessage(msg.Content, discordMessageLimit) {
		if err := c.sendChunk(ctx, channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitMessage breaks long replies at the last newline (or space) before
// the limit so chunks read naturally.
func splitMessage(content string, limit int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}
		cut := strings.LastIndexByte(content[:limit], '\n')
		if cut <= 0 {
			cut = strings.LastIndexByte(content[:limit], ' ')
		}
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, content[:cut])
		content = strings.TrimSpace(content[cut:])
	}
	return chunks
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

// beginTyping keeps the typing indicator alive while a reply is pending.
// Discord forgets it after ~10s, so it is refreshed on a ticker until the
// reply goes out, or until typingMaxDuration passes. The deadline matters:
// a failed or empty generation never reaches Send, and without it the
// indicator would tick forever.
func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}
	c.typingMu.Lock()
	if _, ok := c.typing[channelID]; ok {
		c.typingMu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.typingDeadline)
	ts := &typingSession{cancel: cancel}
	c.typing[channelID] = ts
	c.typingMu.Unlock()

	c.sendTyping(channelID)
	go func() {
		defer cancel()
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.clearTyping(channelID, ts)
				return
			case <-ticker.C:
				if !c.IsRunning() {
					c.clearTyping(channelID, ts)
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

// clearTyping drops the map entry only if it still belongs to ts, so a
// timed-out loop cannot remove a newer session for the same channel.
func (c *DiscordChannel) clearTyping(channelID string, ts *typingSession) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typing[channelID] == ts {
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) endTyping(channelID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if ts, ok := c.typing[channelID]; ok {
		ts.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	for channelID, ts := range c.typing {
		ts.cancel()
		delete(c.typing, channelID)
	}
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]any{
			"error": err.Error(),
		})
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.ID == s.State.User.ID {
		return
	}
	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	// An explicit @mention of the bot is a wake signal: it bypasses the
	// admission gate downstream.
	wake := false
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == s.State.User.ID {
			wake = true
			break
		}
	}

	content := m.ContentWithMentionsReplaced()
	attachments := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, a.URL)
	}
	if content == "" && len(attachments) == 0 {
		return
	}

	if wake {
		c.beginTyping(m.ChannelID)
	}

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender": m.Author.Username,
		"wake":   wake,
	})

	c.HandleMessage(m.Author.ID, m.Author.Username, m.ChannelID, content, attachments, wake)
}
