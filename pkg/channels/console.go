package channels

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/heartcore/pkg/bus"
	"github.com/dotsetgreg/heartcore/pkg/logger"
)

// ConsoleChannel is a local terminal channel for trying the bot without
// any chat service. Every line typed is treated as a wake (the operator
// is obviously addressing the bot).
type ConsoleChannel struct {
	*BaseChannel
	prompt string

	mu     sync.Mutex
	rl     *readline.Instance
	cancel context.CancelFunc
}

func NewConsoleChannel(msgBus *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", msgBus, nil),
		prompt:      "you: ",
	}
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".heartcore_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.rl = rl
	c.cancel = cancel
	c.mu.Unlock()
	c.setRunning(true)

	go c.readLoop(readCtx, rl)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context, rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				logger.InfoC("console", "Console input closed")
				return
			}
			logger.WarnCF("console", "Read error", map[string]any{"error": err.Error()})
			continue
		}
		if ctx.Err() != nil {
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		c.HandleMessage("operator", "operator", "local", input, nil, true)
	}
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.rl != nil {
		err := c.rl.Close()
		c.rl = nil
		return err
	}
	return nil
}

func (c *ConsoleChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	fmt.Printf("\nbot: %s\n\n", msg.Content)
	return nil
}
