// Package pacing delivers outbound messages with humanlike timing.
//
// One delivery walks a fixed sequence of stages:
//
//	INITIAL_WAIT → ACK_READ → THINK → TYPE_INDICATOR → DISPATCH
//
// Every stage except DISPATCH can be skipped. Delays are sampled from the
// configured [min,max] range, grow with the relevant text length and are
// capped per stage.
package pacing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
	"unicode/utf8"
)

// ErrDisconnected marks transport errors that make continuing pointless.
// A mark-read or presence failure wrapping it aborts the delivery before
// dispatch.
var ErrDisconnected = errors.New("pacing: transport disconnected")

// Presence is the chat state signalled while "typing".
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Transport is the outbound side of a chat connection.
type Transport interface {
	MarkRead(ctx context.Context, key string, messageIDs ...string) error
	SetPresence(ctx context.Context, key string, state Presence) error
	Send(ctx context.Context, key, content string) (string, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper waits on the runtime timer.
type RealSleeper struct{}

// Sleep implements Sleeper.
func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flags skip individual stages.
type Flags struct {
	SkipInitialDelay bool
	SkipRead         bool
	SkipTyping       bool
}

// Delivery is one outbound unit.
type Delivery struct {
	// Key is the conversation to send to.
	Key string

	// Content is the text to dispatch.
	Content string

	// MessageID is the inbound message to mark as read. Optional.
	MessageID string

	// MessageIDs are further inbound messages acknowledged in the same
	// read stage, such as every fragment of a merged turn.
	MessageIDs []string

	// InputLength is the length of the triggering inbound text in characters.
	InputLength int

	Flags Flags
}

// readIDs returns the non-empty ids to acknowledge, without duplicates.
func (d Delivery) readIDs() []string {
	var ids []string
	for _, id := range append(slices.Clone(d.MessageIDs), d.MessageID) {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Plan is the delay schedule of one delivery.
type Plan struct {
	Initial time.Duration
	Read    time.Duration
	Think   time.Duration
	Type    time.Duration
}

// Total is the sum of all planned delays.
func (p Plan) Total() time.Duration {
	return p.Initial + p.Read + p.Think + p.Type
}

// Result describes a completed delivery.
type Result struct {
	// MessageID is the transport id of the dispatched message.
	MessageID string

	// Plan is the schedule that was applied. Skipped stages are zero.
	Plan Plan

	// Stages lists the stages that ran, in order.
	Stages []Stage
}

// Stage names a step of the delivery state machine.
type Stage string

const (
	StageInitialWait   Stage = "initial_wait"
	StageAckRead       Stage = "ack_read"
	StageThink         Stage = "think"
	StageTypeIndicator Stage = "type_indicator"
	StageDispatch      Stage = "dispatch"
)

// Sequencer runs deliveries against a Transport.
type Sequencer struct {
	cfg       Config
	transport Transport
	sleeper   Sleeper
	logger    *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithSleeper replaces the real timer, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(q *Sequencer) { q.sleeper = s }
}

// WithRand sets the random source used to sample base delays.
func WithRand(r *rand.Rand) Option {
	return func(q *Sequencer) { q.rng = r }
}

// New creates a Sequencer. cfg must be valid.
func New(cfg Config, transport Transport, logger *slog.Logger, opts ...Option) (*Sequencer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sequencer{
		cfg:       cfg,
		transport: transport,
		sleeper:   RealSleeper{},
		logger:    logger.With("component", "pacing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	return s, nil
}

// Config returns the bound table.
func (s *Sequencer) Config() Config {
	return s.cfg
}

// PlanFor computes the delay schedule for content triggered by an input of
// inputLen characters. Stages are not skipped here.
func (s *Sequencer) PlanFor(content string, inputLen int) Plan {
	outLen := utf8.RuneCountInString(content)
	return Plan{
		Initial: s.delay(s.cfg.Initial, 0),
		Read:    s.delay(s.cfg.Read, inputLen),
		Think:   s.delay(s.cfg.Think, inputLen),
		Type:    s.delay(s.cfg.Type, outLen),
	}
}

// SegmentGap is the pause before a follow-up segment of nextLen characters.
func (s *Sequencer) SegmentGap(nextLen int) time.Duration {
	g := s.cfg.Gap
	d := g.BaseMs + max(nextLen, 0)*g.PerCharMs
	return ms(min(d, g.CapMs))
}

// Sleep waits d using the sequencer's sleeper.
func (s *Sequencer) Sleep(ctx context.Context, d time.Duration) error {
	return s.sleeper.Sleep(ctx, d)
}

// Deliver runs the stage sequence for one unit. Only a dispatch failure,
// a connection-level transport failure or cancellation is returned.
func (s *Sequencer) Deliver(ctx context.Context, d Delivery) (Result, error) {
	var res Result
	plan := s.PlanFor(d.Content, d.InputLength)

	if !d.Flags.SkipInitialDelay {
		res.Plan.Initial = plan.Initial
		res.Stages = append(res.Stages, StageInitialWait)
		if err := s.sleeper.Sleep(ctx, plan.Initial); err != nil {
			return res, err
		}
	}

	if !d.Flags.SkipRead {
		res.Stages = append(res.Stages, StageAckRead)
		if ids := d.readIDs(); len(ids) > 0 {
			if err := s.transport.MarkRead(ctx, d.Key, ids...); err != nil {
				if errors.Is(err, ErrDisconnected) {
					return res, fmt.Errorf("mark read: %w", err)
				}
				s.logger.Warn("mark read failed", "key", d.Key, "message_ids", ids, "error", err)
			}
		}
		res.Plan.Read = plan.Read
		if err := s.sleeper.Sleep(ctx, plan.Read); err != nil {
			return res, err
		}

		res.Stages = append(res.Stages, StageThink)
		res.Plan.Think = plan.Think
		if err := s.sleeper.Sleep(ctx, plan.Think); err != nil {
			return res, err
		}
	}

	if !d.Flags.SkipTyping {
		res.Stages = append(res.Stages, StageTypeIndicator)
		res.Plan.Type = plan.Type
		if err := s.presence(ctx, d.Key, PresenceComposing); err != nil {
			return res, err
		}
		if err := s.sleeper.Sleep(ctx, plan.Type); err != nil {
			return res, err
		}
		if err := s.presence(ctx, d.Key, PresencePaused); err != nil {
			return res, err
		}
	}

	res.Stages = append(res.Stages, StageDispatch)
	id, err := s.transport.Send(ctx, d.Key, d.Content)
	if err != nil {
		return res, fmt.Errorf("dispatch to %s: %w", d.Key, err)
	}
	res.MessageID = id

	s.logger.Debug("message delivered",
		"key", d.Key,
		"chars", utf8.RuneCountInString(d.Content),
		"paced_ms", res.Plan.Total().Milliseconds(),
		"message_id", id,
	)
	return res, nil
}

// presence signals state; only connection-level failures are returned.
func (s *Sequencer) presence(ctx context.Context, key string, state Presence) error {
	err := s.transport.SetPresence(ctx, key, state)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDisconnected) {
		return fmt.Errorf("presence %s: %w", state, err)
	}
	s.logger.Warn("presence failed", "key", key, "state", state, "error", err)
	return nil
}

// delay samples r's base range, adds the length term and applies the cap.
func (s *Sequencer) delay(r Range, length int) time.Duration {
	base := r.MinMs
	if r.MaxMs > r.MinMs {
		s.rngMu.Lock()
		base += s.rng.IntN(r.MaxMs - r.MinMs + 1)
		s.rngMu.Unlock()
	}
	total := base + max(length, 0)*r.PerCharMs
	return ms(min(total, r.CapMs))
}
