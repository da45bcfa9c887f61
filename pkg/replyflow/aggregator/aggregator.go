// Package aggregator debounces bursts of inbound text fragments into a single
// logical turn per conversation. Every fragment gets its own one-shot result
// channel; when the debounce window elapses all channels attached to the
// batch receive the same merged Turn.
package aggregator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the quiet period after the last fragment before a turn
// is flushed.
const DefaultWindow = 5 * time.Second

// Separator joins fragments of one turn.
const Separator = "\n"

// Turn is the merged result delivered to every waiter of a flushed batch.
type Turn struct {
	// Key is the conversation the turn belongs to.
	Key string

	// Text is the fragments joined with Separator in submission order.
	Text string

	// Fragments is the number of fragments merged into Text.
	Fragments int

	// MessageIDs are the non-empty ids given with the fragments, in
	// submission order.
	MessageIDs []string

	// Index is the position of the receiving waiter's own fragment.
	Index int

	// FlushedAt is when the batch was resolved.
	FlushedAt time.Time
}

// Last reports whether the receiving waiter submitted the final fragment
// of the turn. Callers that must act once per turn gate on this.
func (t Turn) Last() bool {
	return t.Index == t.Fragments-1
}

// Config configures an Aggregator.
type Config struct {
	// Window is the debounce duration. Zero means DefaultWindow.
	Window time.Duration

	// Scheduler arms debounce tasks. Nil means RealScheduler.
	Scheduler Scheduler

	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

// Aggregator merges fragments per conversation key.
type Aggregator struct {
	window time.Duration
	sched  Scheduler
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*queue

	// resolving, when set, runs while a batch is in flight. Test hook.
	resolving func(key string)
}

// queue is the mutable per-key state.
type queue struct {
	fragments []string
	ids       []string
	waiters   []chan Turn

	task     Task
	gen      uint64
	inFlight bool

	lastActive time.Time
}

// New creates an Aggregator.
func New(cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = RealScheduler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		window: cfg.Window,
		sched:  cfg.Scheduler,
		now:    cfg.Now,
		logger: logger.With("component", "aggregator"),
		queues: make(map[string]*queue),
	}
}

// Window returns the configured debounce duration.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Submit buffers one fragment for key and returns a channel that receives
// exactly one Turn once the fragment's batch is flushed. The channel is
// buffered, so abandoning it never stalls a flush.
func (a *Aggregator) Submit(key, fragment string) <-chan Turn {
	return a.SubmitMessage(key, "", fragment)
}

// SubmitMessage is Submit for a fragment that carries the id of the
// inbound message it came from. The id is reported in Turn.MessageIDs.
func (a *Aggregator) SubmitMessage(key, messageID, fragment string) <-chan Turn {
	ch := make(chan Turn, 1)

	a.mu.Lock()
	defer a.mu.Unlock()

	q, ok := a.queues[key]
	if !ok {
		q = &queue{}
		a.queues[key] = q
	}
	q.fragments = append(q.fragments, fragment)
	if messageID != "" {
		q.ids = append(q.ids, messageID)
	}
	q.waiters = append(q.waiters, ch)
	q.lastActive = a.now()

	// While a flush is in flight the fragment joins the next batch; the
	// flush re-arms the timer on its way out.
	if !q.inFlight {
		a.armLocked(key, q)
	}

	a.logger.Debug("fragment buffered", "key", key, "pending", len(q.fragments))
	return ch
}

// Await submits a fragment with its message id and blocks until its turn
// is flushed or ctx is done. A cancelled caller does not cancel the batch.
func (a *Aggregator) Await(ctx context.Context, key, messageID, fragment string) (Turn, error) {
	ch := a.SubmitMessage(key, messageID, fragment)
	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		return Turn{}, ctx.Err()
	}
}

// hasPending reports whether key has buffered fragments or a flush in
// progress.
func (a *Aggregator) hasPending(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	q, ok := a.queues[key]
	if !ok {
		return false
	}
	return len(q.fragments) > 0 || q.inFlight
}

// Pending returns the number of keys with buffered fragments or a flush
// in progress.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, q := range a.queues {
		if len(q.fragments) > 0 || q.inFlight {
			n++
		}
	}
	return n
}

// Len returns the number of keys currently tracked.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queues)
}

// EvictIdle drops queues with nothing buffered, nothing in flight and no
// armed task whose last activity is older than idle. Returns the number
// of evicted keys.
func (a *Aggregator) EvictIdle(idle time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-idle)
	evicted := 0
	for key, q := range a.queues {
		if q.inFlight || q.task != nil || len(q.fragments) > 0 {
			continue
		}
		if q.lastActive.After(cutoff) {
			continue
		}
		delete(a.queues, key)
		evicted++
	}
	if evicted > 0 {
		a.logger.Debug("evicted idle queues", "count", evicted)
	}
	return evicted
}

// armLocked cancels any armed task and schedules a new flush. Caller holds mu.
func (a *Aggregator) armLocked(key string, q *queue) {
	if q.task != nil {
		q.task.Stop()
	}
	q.gen++
	gen := q.gen
	q.task = a.sched.AfterFunc(a.window, func() {
		a.flush(key, gen)
	})
}

// flush resolves the current batch for key. gen identifies the task that
// fired; a task superseded by a later re-arm is ignored.
func (a *Aggregator) flush(key string, gen uint64) {
	a.mu.Lock()
	q, ok := a.queues[key]
	if !ok || q.gen != gen {
		a.mu.Unlock()
		return
	}
	q.task = nil
	if q.inFlight || len(q.fragments) == 0 {
		a.mu.Unlock()
		return
	}

	fragments := q.fragments
	ids := q.ids
	waiters := q.waiters
	q.fragments = nil
	q.ids = nil
	q.waiters = nil
	q.inFlight = true
	a.mu.Unlock()

	if a.resolving != nil {
		a.resolving(key)
	}

	turn := Turn{
		Key:        key,
		Text:       strings.Join(fragments, Separator),
		Fragments:  len(fragments),
		MessageIDs: ids,
		FlushedAt:  a.now(),
	}
	for i, w := range waiters {
		t := turn
		t.Index = i
		w <- t
	}

	a.logger.Debug("turn flushed", "key", key, "fragments", len(fragments))

	a.mu.Lock()
	q.inFlight = false
	q.lastActive = a.now()
	if len(q.fragments) > 0 {
		a.armLocked(key, q)
	}
	a.mu.Unlock()
}
