// Package orchestrator drives one inbound event through the reply
// pipeline: filter, aggregate, generate, segment, pace and persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/replyflow/pkg/replyflow/aggregator"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/jholhewres/replyflow/pkg/replyflow/llm"
	"github.com/jholhewres/replyflow/pkg/replyflow/media"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/jholhewres/replyflow/pkg/replyflow/segmenter"
)

// ErrInvalidMessage is returned for events without a channel or chat id.
var ErrInvalidMessage = errors.New("orchestrator: message has no channel or chat id")

// DefaultApology is sent when the model cannot produce a reply.
const DefaultApology = "Sorry, I'm having trouble answering right now. Please try again in a moment."

// DefaultResetReply confirms a history reset.
const DefaultResetReply = "Done, I've forgotten our previous conversation."

// Config is the reply policy.
type Config struct {
	// IgnoredKeys lists chat ids, sender ids or conversation keys that
	// never get a reply.
	IgnoredKeys []string `yaml:"ignored_keys"`

	// ReplyToGroups allows replies in group chats.
	ReplyToGroups bool `yaml:"reply_to_groups"`

	// Keywords maps a lower-cased message to a canned reply.
	Keywords map[string]string `yaml:"keywords"`

	// ResetCommand clears the conversation history. Empty disables it.
	ResetCommand string `yaml:"reset_command"`

	// Apology is sent when generation fails.
	Apology string `yaml:"apology"`

	// SaveMedia stores inbound attachments in the media directory.
	SaveMedia bool `yaml:"save_media"`
}

// DefaultKeywords is the stock keyword table.
func DefaultKeywords() map[string]string {
	return map[string]string{
		"ping":  "pong",
		"hello": "Hello! How can I help you?",
		"hi":    "Hi there! 👋",
	}
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Keywords:     DefaultKeywords(),
		ResetCommand: "/reset",
		Apology:      DefaultApology,
		SaveMedia:    true,
	}
}

// Generator produces the assistant reply for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
}

// Observer sees every accepted inbound channel event.
type Observer interface {
	Observe(ctx context.Context, msg *channels.IncomingMessage)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, msg *channels.IncomingMessage)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, msg *channels.IncomingMessage) { f(ctx, msg) }

// Deps are the collaborators of an Orchestrator. Media and Downloader
// are optional.
type Deps struct {
	Aggregator *aggregator.Aggregator
	History    *history.Store
	Generator  Generator
	Segmenter  *segmenter.Segmenter
	Sequencer  *pacing.Sequencer
	Media      *media.Store
	Downloader MediaDownloader
}

// Stats counts pipeline outcomes since start.
type Stats struct {
	Received int64 `json:"received"`
	Ignored  int64 `json:"ignored"`
	Replies  int64 `json:"replies"`
	Segments int64 `json:"segments"`
	Keywords int64 `json:"keywords"`
	Media    int64 `json:"media"`
	Failures int64 `json:"failures"`
	Locks    int   `json:"locks"`

	// PendingTurns counts conversations with fragments waiting to merge.
	PendingTurns int `json:"pending_turns"`

	// HistoryOps counts conversations with a history operation queued or
	// running.
	HistoryOps int `json:"history_ops"`
}

// Orchestrator wires the pipeline together.
type Orchestrator struct {
	cfg        Config
	agg        *aggregator.Aggregator
	history    *history.Store
	generator  Generator
	segmenter  *segmenter.Segmenter
	seq        *pacing.Sequencer
	media      *media.Store
	downloader MediaDownloader
	logger     *slog.Logger

	ignored map[string]bool
	locks   *keyLocks

	obsMu     sync.RWMutex
	observers []Observer

	received, ignoredN, replies, segments atomic.Int64
	keywords, mediaN, failures            atomic.Int64
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Aggregator == nil || deps.History == nil || deps.Generator == nil ||
		deps.Segmenter == nil || deps.Sequencer == nil {
		return nil, fmt.Errorf("orchestrator: aggregator, history, generator, segmenter and sequencer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Apology == "" {
		cfg.Apology = DefaultApology
	}

	ignored := make(map[string]bool, len(cfg.IgnoredKeys))
	for _, k := range cfg.IgnoredKeys {
		if k = strings.TrimSpace(k); k != "" {
			ignored[k] = true
		}
	}
	keywords := make(map[string]string, len(cfg.Keywords))
	for k, v := range cfg.Keywords {
		keywords[strings.ToLower(strings.TrimSpace(k))] = v
	}
	cfg.Keywords = keywords

	return &Orchestrator{
		cfg:        cfg,
		agg:        deps.Aggregator,
		history:    deps.History,
		generator:  deps.Generator,
		segmenter:  deps.Segmenter,
		seq:        deps.Sequencer,
		media:      deps.Media,
		downloader: deps.Downloader,
		logger:     logger.With("component", "orchestrator"),
		ignored:    ignored,
		locks:      newKeyLocks(time.Now),
	}, nil
}

// AddObserver registers an observer for inbound channel events.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, obs)
}

// Stats returns the current counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Received: o.received.Load(),
		Ignored:  o.ignoredN.Load(),
		Replies:  o.replies.Load(),
		Segments: o.segments.Load(),
		Keywords: o.keywords.Load(),
		Media:    o.mediaN.Load(),
		Failures: o.failures.Load(),
		Locks:    o.locks.len(),

		PendingTurns: o.agg.Pending(),
		HistoryOps:   o.history.Pending(),
	}
}

// EvictIdle drops delivery locks unused for longer than idle.
func (o *Orchestrator) EvictIdle(idle time.Duration) int {
	return o.locks.evictIdle(idle)
}

// Run handles every message from in, one goroutine per event, until in is
// closed or ctx is done. It waits for in-flight handlers before returning.
func (o *Orchestrator) Run(ctx context.Context, in <-chan *channels.IncomingMessage) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := o.handle(ctx, msg, true); err != nil && ctx.Err() == nil {
					o.logger.Warn("message handling failed", "key", msg.Key(), "msg_id", msg.ID, "error", err)
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

// Handle processes one inbound event and blocks until its reply (if any)
// has been delivered. Observers are not notified; use Run for channel
// streams.
func (o *Orchestrator) Handle(ctx context.Context, msg *channels.IncomingMessage) error {
	return o.handle(ctx, msg, false)
}

func (o *Orchestrator) handle(ctx context.Context, msg *channels.IncomingMessage, notify bool) error {
	if msg == nil || msg.Channel == "" || msg.ChatID == "" {
		return ErrInvalidMessage
	}
	o.received.Add(1)
	key := msg.Key()
	logger := o.logger.With("key", key, "msg_id", msg.ID)

	// ── Step 1: ignore list and group policy ──
	if o.isIgnored(msg) {
		o.ignoredN.Add(1)
		logger.Debug("message ignored", "from", msg.From)
		return nil
	}
	if msg.IsGroup && !o.cfg.ReplyToGroups {
		o.ignoredN.Add(1)
		logger.Debug("group message ignored")
		return nil
	}

	logger.Info("incoming message", "type", msg.Type, "from", msg.FromName, "preview", truncate(msg.Content, 50))

	// ── Step 2: media is stored before observers see the event ──
	if msg.Type != channels.MessageText {
		o.saveMedia(ctx, msg)
	}
	if notify {
		o.notify(ctx, msg)
	}

	// ── Step 3: non-text events get a static acknowledgement ──
	if msg.Type != channels.MessageText {
		o.mediaN.Add(1)
		return o.deliverSingle(ctx, key, mediaReply(msg), []string{msg.ID}, utf8.RuneCountInString(msg.Content))
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}

	// ── Step 4: aggregate; only the owner of the last fragment replies ──
	turn, err := o.agg.Await(ctx, key, msg.ID, text)
	if err != nil {
		return err
	}
	if !turn.Last() {
		logger.Debug("fragment merged into turn", "fragments", turn.Fragments, "index", turn.Index)
		return nil
	}

	// ── Step 5: commands and keyword replies ──
	normalized := strings.ToLower(strings.TrimSpace(turn.Text))
	if o.cfg.ResetCommand != "" && normalized == strings.ToLower(o.cfg.ResetCommand) {
		return o.reset(ctx, key, turn, logger)
	}
	if reply, ok := o.cfg.Keywords[normalized]; ok {
		o.keywords.Add(1)
		return o.deliverSingle(ctx, key, reply, turn.MessageIDs, utf8.RuneCountInString(turn.Text))
	}

	// ── Step 6: generate, segment, deliver, persist ──
	return o.reply(ctx, key, turn, logger)
}

// reset clears the key's history and confirms it. Both happen under the
// delivery lock so a reply still in flight persists before the clear.
func (o *Orchestrator) reset(ctx context.Context, key string, turn aggregator.Turn, logger *slog.Logger) error {
	release, err := o.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	if err := o.history.Clear(ctx, key); err != nil {
		return fmt.Errorf("reset history: %w", err)
	}
	logger.Info("history reset")
	return o.deliverLocked(ctx, key, DefaultResetReply, turn.MessageIDs, utf8.RuneCountInString(turn.Text))
}

// reply runs the generation pipeline for one merged turn under the key's
// delivery lock.
func (o *Orchestrator) reply(ctx context.Context, key string, turn aggregator.Turn, logger *slog.Logger) error {
	release, err := o.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	inputLen := utf8.RuneCountInString(turn.Text)

	past := o.history.Load(ctx, key)
	messages := make([]llm.Message, 0, len(past)+1)
	for _, m := range past {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: history.RoleUser, Content: turn.Text})

	answer, genErr := o.generator.Generate(ctx, messages)
	if genErr == nil && strings.TrimSpace(answer) == "" {
		genErr = llm.ErrEmptyResponse
	}
	if genErr != nil {
		o.failures.Add(1)
		logger.Error("generation failed, sending apology", "error", genErr, "kind", llm.KindOf(genErr))
		if ctx.Err() != nil {
			return fmt.Errorf("generate: %w", genErr)
		}
		if _, err := o.seq.Deliver(ctx, pacing.Delivery{
			Key:         key,
			Content:     o.cfg.Apology,
			MessageIDs:  turn.MessageIDs,
			InputLength: inputLen,
		}); err != nil {
			return errors.Join(fmt.Errorf("generate: %w", genErr), fmt.Errorf("apology: %w", err))
		}
		return fmt.Errorf("generate: %w", genErr)
	}

	segments := o.segmenter.Split(ctx, answer)
	if err := o.deliverSegments(ctx, key, segments, turn.MessageIDs, inputLen); err != nil {
		o.failures.Add(1)
		return err
	}

	if _, err := o.history.AppendExchange(ctx, key, turn.Text, answer); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}

	o.replies.Add(1)
	logger.Info("reply delivered",
		"segments", len(segments),
		"fragments", turn.Fragments,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// deliverSegments sends segments in order. The first one is fully paced;
// each later one waits SegmentGap and skips the initial and read stages.
func (o *Orchestrator) deliverSegments(ctx context.Context, key string, segments []string, readIDs []string, inputLen int) error {
	for i, seg := range segments {
		d := pacing.Delivery{
			Key:         key,
			Content:     seg,
			InputLength: inputLen,
		}
		if i == 0 {
			d.MessageIDs = readIDs
		} else {
			if err := o.seq.Sleep(ctx, o.seq.SegmentGap(utf8.RuneCountInString(seg))); err != nil {
				return err
			}
			d.Flags = pacing.Flags{SkipInitialDelay: true, SkipRead: true}
		}
		if _, err := o.seq.Deliver(ctx, d); err != nil {
			return fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
		o.segments.Add(1)
	}
	return nil
}

// deliverSingle sends one fully paced message under the key's lock.
func (o *Orchestrator) deliverSingle(ctx context.Context, key, content string, readIDs []string, inputLen int) error {
	release, err := o.locks.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return o.deliverLocked(ctx, key, content, readIDs, inputLen)
}

// deliverLocked is deliverSingle for callers already holding the key's lock.
func (o *Orchestrator) deliverLocked(ctx context.Context, key, content string, readIDs []string, inputLen int) error {
	_, err := o.seq.Deliver(ctx, pacing.Delivery{
		Key:         key,
		Content:     content,
		MessageIDs:  readIDs,
		InputLength: inputLen,
	})
	return err
}

func (o *Orchestrator) isIgnored(msg *channels.IncomingMessage) bool {
	if len(o.ignored) == 0 {
		return false
	}
	return o.ignored[msg.ChatID] || o.ignored[msg.From] || o.ignored[msg.Key()]
}

func (o *Orchestrator) notify(ctx context.Context, msg *channels.IncomingMessage) {
	o.obsMu.RLock()
	observers := o.observers
	o.obsMu.RUnlock()
	for _, obs := range observers {
		obs.Observe(ctx, msg)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
