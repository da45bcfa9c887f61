// Package segmenter splits long assistant replies into chat-sized chunks by
// asking the completion provider for a JSON array of segments. Splitting is
// best effort: when every attempt fails the original text is returned whole.
package segmenter

import (
	"context"
	"log/slog"
	"unicode/utf8"
)

// Defaults.
const (
	DefaultThreshold  = 200
	DefaultRetryCount = 1
)

// DefaultPrompt asks for semantic chunks of 50-150 characters returned as
// a JSON array. The text to split is appended after it.
const DefaultPrompt = `You are a text splitting assistant. Split the text below into several natural paragraphs suitable for sending one by one in an instant messenger.

Requirements:
1. Each paragraph must be a complete semantic unit; never break in the middle of a sentence.
2. Keep each paragraph between 50 and 150 characters.
3. Paragraphs should have a natural pause between them.
4. Keep the original meaning; do not add or remove content.
5. Return a JSON array, e.g. ["first paragraph", "second paragraph", "third paragraph"].

Text:
`

// Completer sends a single-message prompt to a completion provider.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// Complete implements Completer.
func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Config configures a Segmenter.
type Config struct {
	// Threshold is the length in characters above which text is split.
	Threshold int `yaml:"threshold"`

	// RetryCount is the number of attempts after the first one.
	RetryCount int `yaml:"retry_count"`

	// Prompt overrides DefaultPrompt.
	Prompt string `yaml:"prompt"`
}

// Segmenter splits long text through a Completer.
type Segmenter struct {
	cfg       Config
	completer Completer
	logger    *slog.Logger
}

// New creates a Segmenter. A zero Threshold means DefaultThreshold; a
// negative RetryCount is treated as zero.
func New(cfg Config, completer Completer, logger *slog.Logger) *Segmenter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Segmenter{
		cfg:       cfg,
		completer: completer,
		logger:    logger.With("component", "segmenter"),
	}
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config {
	return s.cfg
}

// NeedsSplit reports whether text is longer than the threshold.
func (s *Segmenter) NeedsSplit(text string) bool {
	return utf8.RuneCountInString(text) > s.cfg.Threshold
}

// Split returns text as an ordered, non-empty list of segments. Short text
// is returned as is without calling the provider. After RetryCount+1
// failed attempts the whole text is returned as a single segment.
func (s *Segmenter) Split(ctx context.Context, text string) []string {
	if !s.NeedsSplit(text) || s.completer == nil {
		return []string{text}
	}

	attempts := s.cfg.RetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			s.logger.Warn("split cancelled, sending whole text", "error", ctx.Err())
			break
		}

		reply, err := s.completer.Complete(ctx, s.cfg.Prompt+text)
		if err == nil {
			var segments []string
			segments, err = ParseSegments(reply)
			if err == nil {
				s.logger.Debug("text split",
					"chars", utf8.RuneCountInString(text),
					"segments", len(segments),
					"attempt", attempt,
				)
				return segments
			}
		}

		s.logger.Warn("split attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	}

	return []string{text}
}
