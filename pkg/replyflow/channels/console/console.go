// Package console implements a local terminal channel. Lines typed at the
// prompt become inbound messages of a single conversation and replies are
// printed back, so the whole pipeline can be exercised without a phone.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
)

// Name is the channel identifier used in conversation keys.
const Name = "console"

// LineReader is the subset of *readline.Instance the channel uses.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Config holds console channel configuration.
type Config struct {
	// User names the local peer; the conversation key is "console:<User>".
	User string

	// Prompt is shown before each input line.
	Prompt string

	// HistoryFile persists readline history between sessions.
	HistoryFile string

	// ShowPresence prints typing and read indicators.
	ShowPresence bool

	// Out receives replies. Defaults to the readline stdout.
	Out io.Writer

	// Reader overrides the readline instance.
	Reader LineReader
}

// Console implements channels.Channel and channels.PresenceChannel.
type Console struct {
	cfg    Config
	logger *slog.Logger
	reader LineReader
	out    io.Writer
	outMu  sync.Mutex

	messages  chan *channels.IncomingMessage
	connected atomic.Bool
	seq       atomic.Int64
	lastMsg   atomic.Value // time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "local"
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", Name),
		messages: make(chan *channels.IncomingMessage, 64),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return Name }

// Key returns the conversation key of the local user.
func (c *Console) Key() string { return channels.ConversationKey(Name, c.cfg.User) }

// Connect opens the prompt and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	c.reader, c.out = c.cfg.Reader, c.cfg.Out
	if c.reader == nil {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          c.cfg.Prompt,
			HistoryFile:     c.cfg.HistoryFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
		})
		if err != nil {
			return fmt.Errorf("console: opening prompt: %w", err)
		}
		c.reader = rl
		if c.out == nil {
			c.out = rl.Stdout()
		}
	}
	if c.out == nil {
		c.out = io.Discard
	}

	c.connected.Store(true)
	go c.readLoop(ctx)
	return nil
}

// Done is closed when the user leaves the prompt (EOF, ^C or "/quit").
func (c *Console) Done() <-chan struct{} { return c.done }

func (c *Console) readLoop(ctx context.Context) {
	defer c.finish()
	for {
		line, err := c.reader.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}

		msg := &channels.IncomingMessage{
			ID:        "console-" + strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   Name,
			From:      c.cfg.User,
			FromName:  c.cfg.User,
			ChatID:    c.cfg.User,
			Type:      channels.MessageText,
			Content:   line,
			Timestamp: time.Now(),
		}
		c.lastMsg.Store(msg.Timestamp)

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) finish() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		close(c.messages)
	})
}

// Disconnect closes the prompt. The read loop ends on the resulting EOF.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}

// Send prints a reply.
func (c *Console) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) (string, error) {
	if !c.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	c.println("bot> " + msg.Content)
	return "console-out-" + strconv.FormatInt(c.seq.Add(1), 10), nil
}

// SendPresence prints the typing indicator when enabled.
func (c *Console) SendPresence(_ context.Context, _ string, state channels.Presence) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if c.cfg.ShowPresence && state == channels.PresenceComposing {
		c.println("  (typing...)")
	}
	return nil
}

// MarkRead prints a read marker when enabled.
func (c *Console) MarkRead(_ context.Context, _ string, ids []string) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if c.cfg.ShowPresence {
		c.println(fmt.Sprintf("  (read %d)", len(ids)))
	}
	return nil
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the prompt is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	h := channels.HealthStatus{Connected: c.connected.Load()}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

func (c *Console) println(s string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, s)
}

var (
	_ channels.Channel         = (*Console)(nil)
	_ channels.PresenceChannel = (*Console)(nil)
)
