// Package history keeps a bounded, durable message log per conversation.
//
// Every operation on a key runs inside that key's exclusive section: calls
// are chained in arrival order and never overlap, while different keys
// proceed independently. Storage itself is delegated to a Backend (JSON
// files, SQLite, PostgreSQL or memory).
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxTurns is the number of user/assistant pairs kept per key.
const DefaultMaxTurns = 20

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyKey is returned when an operation is called without a key.
var ErrEmptyKey = errors.New("history: empty conversation key")

// Message is one role-tagged entry of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Backend persists one ordered message list per conversation key.
type Backend interface {
	// Read returns the stored messages. A missing record is not an error
	// and yields an empty slice.
	Read(ctx context.Context, key string) ([]Message, error)

	// Write replaces the stored messages for key.
	Write(ctx context.Context, key string, msgs []Message) error

	// Delete removes the record for key. Deleting a missing record is a no-op.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Store serializes history operations per key on top of a Backend.
type Store struct {
	backend  Backend
	maxTurns int
	logger   *slog.Logger

	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewStore creates a Store. maxTurns <= 0 means DefaultMaxTurns.
func NewStore(backend Backend, maxTurns int, logger *slog.Logger) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:  backend,
		maxTurns: maxTurns,
		logger:   logger.With("component", "history"),
		tails:    make(map[string]chan struct{}),
	}
}

// MaxTurns returns the retention limit in user/assistant pairs.
func (s *Store) MaxTurns() int {
	return s.maxTurns
}

// MaxMessages returns the retention limit in messages.
func (s *Store) MaxMessages() int {
	return 2 * s.maxTurns
}

// Load returns the history for key. Read failures degrade to an empty
// history so a conversation can always resume.
func (s *Store) Load(ctx context.Context, key string) []Message {
	var msgs []Message
	err := s.exclusive(ctx, key, func() error {
		msgs = s.read(ctx, key)
		return nil
	})
	if err != nil {
		s.logger.Warn("history load aborted", "key", key, "error", err)
		return []Message{}
	}
	return msgs
}

// Append adds msgs to key's history, trims it to the retention limit,
// persists it and returns the resulting history. A persist failure is
// returned to the caller.
func (s *Store) Append(ctx context.Context, key string, msgs ...Message) ([]Message, error) {
	var out []Message
	err := s.exclusive(ctx, key, func() error {
		current := s.read(ctx, key)
		next := Trim(append(current, msgs...), s.MaxMessages())
		if err := s.backend.Write(ctx, key, next); err != nil {
			return fmt.Errorf("persist history for %q: %w", key, err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendExchange appends one user message and the assistant reply to it.
func (s *Store) AppendExchange(ctx context.Context, key, user, assistant string) ([]Message, error) {
	return s.Append(ctx, key,
		Message{Role: RoleUser, Content: user},
		Message{Role: RoleAssistant, Content: assistant},
	)
}

// Clear removes key's history.
func (s *Store) Clear(ctx context.Context, key string) error {
	return s.exclusive(ctx, key, func() error {
		if err := s.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear history for %q: %w", key, err)
		}
		return nil
	})
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Pending returns the number of keys with a queued or running operation.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tails)
}

func (s *Store) read(ctx context.Context, key string) []Message {
	msgs, err := s.backend.Read(ctx, key)
	if err != nil {
		s.logger.Warn("history unreadable, starting empty", "key", key, "error", err)
		return []Message{}
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs
}

// exclusive runs fn after every previously queued operation on key has
// settled. The slot is released in order even if the caller gives up
// waiting because ctx is done.
func (s *Store) exclusive(ctx context.Context, key string, fn func() error) error {
	if key == "" {
		return ErrEmptyKey
	}

	done := make(chan struct{})
	s.mu.Lock()
	prev := s.tails[key]
	s.tails[key] = done
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				s.release(key, done)
			}()
			return ctx.Err()
		}
	}
	defer s.release(key, done)

	return fn()
}

// release settles an operation and drops the chain entry when nothing
// else is queued behind it.
func (s *Store) release(key string, done chan struct{}) {
	close(done)
	s.mu.Lock()
	if s.tails[key] == done {
		delete(s.tails, key)
	}
	s.mu.Unlock()
}

// Trim keeps the newest limit messages.
func Trim(msgs []Message, limit int) []Message {
	if limit <= 0 || len(msgs) <= limit {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		return out
	}
	out := make([]Message, limit)
	copy(out, msgs[len(msgs)-limit:])
	return out
}
