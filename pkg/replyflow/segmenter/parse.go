package segmenter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyReply is returned when the provider answered with no content.
	ErrEmptyReply = errors.New("segmenter: empty reply")

	// ErrNotArray is returned when the reply is not a JSON array.
	ErrNotArray = errors.New("segmenter: reply is not a JSON array")

	// ErrNoSegments is returned when the array has no usable strings.
	ErrNoSegments = errors.New("segmenter: no segments in reply")
)

// ParseSegments decodes a provider reply into segments. A surrounding
// ```json or ``` fence is stripped first. Non-string and blank items are
// dropped; the rest are trimmed.
func ParseSegments(reply string) ([]string, error) {
	payload := StripFence(reply)
	if payload == "" {
		return nil, ErrEmptyReply
	}

	var items []any
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}

	segments := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		segments = append(segments, s)
	}
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}
	return segments, nil
}

// StripFence removes a markdown code fence around a payload.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
