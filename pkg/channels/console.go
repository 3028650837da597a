package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/agentloop/pkg/message"
)

// ConsoleConfig configures a console channel.
type ConsoleConfig struct {
	Name   string
	User   string
	In     io.Reader
	Out    io.Writer
	Prompt string
	Logger *zerolog.Logger
}

// ConsoleChannel reads one message per input line and renders replies as text.
type ConsoleChannel struct {
	name   string
	user   string
	in     io.Reader
	out    io.Writer
	prompt string
	logger zerolog.Logger

	mu        sync.Mutex
	streaming bool

	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewConsoleChannel creates a console channel.
func NewConsoleChannel(cfg ConsoleConfig) (*ConsoleChannel, error) {
	if cfg.In == nil || cfg.Out == nil {
		return nil, fmt.Errorf("console input and output are required")
	}
	c := &ConsoleChannel{
		name:   strings.TrimSpace(cfg.Name),
		user:   strings.TrimSpace(cfg.User),
		in:     cfg.In,
		out:    cfg.Out,
		prompt: cfg.Prompt,
		logger: log.Logger,
		done:   make(chan struct{}),
	}
	if c.name == "" {
		c.name = "console"
	}
	if c.user == "" {
		c.user = "local"
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	}
	return c, nil
}

// Name returns channel name.
func (c *ConsoleChannel) Name() string {
	return c.name
}

// SessionID returns the session the console user talks in.
func (c *ConsoleChannel) SessionID() string {
	return c.name + ":" + c.user
}

// Done is closed once input is exhausted or the channel stops.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

// Start begins reading input lines in the background.
func (c *ConsoleChannel) Start(ctx context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.readLoop(ctx, dispatch)
	return nil
}

// Stop cancels in-flight dispatches and stops reading.
func (c *ConsoleChannel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context, dispatch DispatchFunc) {
	defer c.stopOnce.Do(func() { close(c.done) })

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	c.writePrompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			c.writePrompt()
			continue
		case "/exit", "/quit":
			return
		}

		msg := InboundMessage{
			Channel:   c.name,
			SessionID: c.SessionID(),
			SenderID:  c.user,
			MessageID: uuid.NewString(),
			Text:      line,
		}
		if err := dispatch(ctx, msg, c); err != nil {
			c.logger.Error().Err(err).Str("session_id", msg.SessionID).Msg("Console dispatch failed")
			c.writeLine("error: " + err.Error())
		}
		c.writePrompt()
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error().Err(err).Msg("Console input failed")
	}
}

// Send renders a chain on the console output.
func (c *ConsoleChannel) Send(_ context.Context, chain message.Chain) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch chain.Type {
	case message.ChainStreamingDelta:
		c.streaming = true
		_, err := io.WriteString(c.out, chain.PlainText())
		return err
	case message.ChainBreak:
		return c.endStreamLocked()
	case message.ChainStreamingFinish:
		if c.streaming {
			return c.endStreamLocked()
		}
		if chain.IsEmpty() {
			return nil
		}
	}

	if err := c.endStreamLocked(); err != nil {
		return err
	}
	text := Render(chain)
	if chain.Type == message.ChainToolCall {
		text = "[tool] " + text
	}
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *ConsoleChannel) endStreamLocked() error {
	if !c.streaming {
		return nil
	}
	c.streaming = false
	_, err := fmt.Fprintln(c.out)
	return err
}

func (c *ConsoleChannel) writePrompt() {
	if c.prompt == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, c.prompt)
}

func (c *ConsoleChannel) writeLine(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, s)
}

// Render flattens a chain into display text.
func Render(chain message.Chain) string {
	parts := make([]string, 0, len(chain.Segments))
	for _, seg := range chain.Segments {
		switch seg.Type {
		case message.SegmentPlain:
			parts = append(parts, seg.Text)
		case message.SegmentImage:
			ref := seg.URL
			if ref == "" {
				ref = seg.MIMEType
			}
			parts = append(parts, "[image] "+ref)
		case message.SegmentFile:
			parts = append(parts, "[file] "+seg.Name)
		}
	}
	return strings.Join(parts, "\n")
}
