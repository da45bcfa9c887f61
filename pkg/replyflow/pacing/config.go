package pacing

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPacing is returned by Config.Validate.
var ErrInvalidPacing = errors.New("pacing: invalid configuration")

// Range is the bound table for one stage. All values are milliseconds.
type Range struct {
	// MinMs and MaxMs bound the uniformly sampled base delay.
	MinMs int `yaml:"min_ms"`
	MaxMs int `yaml:"max_ms"`

	// PerCharMs is added per character of the relevant text.
	PerCharMs int `yaml:"per_char_ms"`

	// CapMs caps the total delay.
	CapMs int `yaml:"cap_ms"`
}

// Gap is the deterministic pause inserted before each follow-up segment.
type Gap struct {
	BaseMs    int `yaml:"base_ms"`
	PerCharMs int `yaml:"per_char_ms"`
	CapMs     int `yaml:"cap_ms"`
}

// Config is the full pacing bound table.
type Config struct {
	Initial Range `yaml:"initial"`
	Read    Range `yaml:"read"`
	Think   Range `yaml:"think"`
	Type    Range `yaml:"type"`
	Gap     Gap   `yaml:"gap"`
}

// DefaultConfig returns the stock bound table.
func DefaultConfig() Config {
	return Config{
		Initial: Range{MinMs: 1000, MaxMs: 3000, CapMs: 3000},
		Read:    Range{MinMs: 500, MaxMs: 1500, PerCharMs: 10, CapMs: 4000},
		Think:   Range{MinMs: 1000, MaxMs: 3000, PerCharMs: 15, CapMs: 8000},
		Type:    Range{MinMs: 1000, MaxMs: 2000, PerCharMs: 50, CapMs: 15000},
		Gap:     Gap{BaseMs: 500, PerCharMs: 20, CapMs: 3000},
	}
}

// Validate checks every stage for 0 <= min <= max, cap >= min and
// non-negative coefficients.
func (c Config) Validate() error {
	stages := []struct {
		name string
		r    Range
	}{
		{"initial", c.Initial},
		{"read", c.Read},
		{"think", c.Think},
		{"type", c.Type},
	}
	for _, s := range stages {
		if err := s.r.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPacing, s.name, err)
		}
	}
	if c.Gap.BaseMs < 0 || c.Gap.PerCharMs < 0 || c.Gap.CapMs < c.Gap.BaseMs {
		return fmt.Errorf("%w: gap: need 0 <= base <= cap and per_char >= 0", ErrInvalidPacing)
	}
	return nil
}

func (r Range) validate() error {
	switch {
	case r.MinMs < 0:
		return errors.New("min must be >= 0")
	case r.MaxMs < r.MinMs:
		return errors.New("max must be >= min")
	case r.CapMs < r.MinMs:
		return errors.New("cap must be >= min")
	case r.PerCharMs < 0:
		return errors.New("per_char must be >= 0")
	}
	return nil
}

// bounds returns the smallest and largest delay the range can produce.
func (r Range) bounds() (time.Duration, time.Duration) {
	return ms(r.MinMs), ms(r.CapMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
