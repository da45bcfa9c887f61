package config

import (
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/history"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queue.MergeWindow != 5*time.Second {
		t.Errorf("merge window = %v", cfg.Queue.MergeWindow)
	}
	if cfg.History.MaxTurns != 20 || cfg.History.Dir != "./chat_history" {
		t.Errorf("unexpected history defaults %+v", cfg.History)
	}
	if cfg.Splitter.Threshold != 200 || cfg.Splitter.RetryCount != 1 {
		t.Errorf("unexpected splitter defaults %+v", cfg.Splitter)
	}
	if cfg.Orchestrator.Keywords["ping"] != "pong" {
		t.Error("missing ping keyword")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max turns", func(c *Config) { c.History.MaxTurns = 0 }, "history.max_turns"},
		{"backend", func(c *Config) { c.History.Backend = "redis" }, "history.backend"},
		{"threshold", func(c *Config) { c.Splitter.Threshold = 0 }, "splitter.threshold"},
		{"retry", func(c *Config) { c.Splitter.RetryCount = -1 }, "splitter.retry_count"},
		{"pacing", func(c *Config) { c.Pacing.Read.MinMs = 9000 }, "pacing"},
		{"model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
		{"discord token", func(c *Config) { c.Channels.Discord.Enabled = true }, "channels.discord.token"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	t.Run("zero retry is valid", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Splitter.RetryCount = 0
		cfg.History.Backend = history.BackendSQLite
		if err := cfg.Validate(); err != nil {
			t.Error(err)
		}
	})
}
