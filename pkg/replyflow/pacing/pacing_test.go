package pacing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder implements Transport and Sleeper and logs every call in order.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	slept  time.Duration
	sendID int

	markErr     error
	presenceErr error
	sendErr     error
}

func (r *recorder) log(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) MarkRead(_ context.Context, key string, ids ...string) error {
	r.log("read:" + strings.Join(ids, ","))
	return r.markErr
}

func (r *recorder) SetPresence(_ context.Context, key string, state Presence) error {
	r.log("presence:" + string(state))
	return r.presenceErr
}

func (r *recorder) Send(_ context.Context, key, content string) (string, error) {
	r.log("send:" + content)
	if r.sendErr != nil {
		return "", r.sendErr
	}
	r.mu.Lock()
	r.sendID++
	id := fmt.Sprintf("msg-%d", r.sendID)
	r.mu.Unlock()
	return id, nil
}

func (r *recorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.calls = append(r.calls, "sleep")
	r.slept += d
	r.mu.Unlock()
	return nil
}

func newTestSequencer(t *testing.T, cfg Config, r *recorder) *Sequencer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	s, err := New(cfg, r, logger, WithSleeper(r), WithRand(rand.New(rand.NewPCG(1, 2))))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func equalCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
}

func TestDeliver_FullSequence(t *testing.T) {
	r := &recorder{}
	s := newTestSequencer(t, DefaultConfig(), r)

	res, err := s.Deliver(context.Background(), Delivery{
		Key:         "K",
		Content:     "hello there",
		MessageID:   "in-1",
		InputLength: 12,
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	equalCalls(t, r.Calls(), []string{
		"sleep",            // initial
		"read:in-1",        // receipt precedes the read delay
		"sleep",            // read
		"sleep",            // think
		"presence:composing",
		"sleep", // type
		"presence:paused",
		"send:hello there",
	})

	if res.MessageID != "msg-1" {
		t.Errorf("expected dispatched id msg-1, got %q", res.MessageID)
	}
	wantStages := []Stage{StageInitialWait, StageAckRead, StageThink, StageTypeIndicator, StageDispatch}
	if len(res.Stages) != len(wantStages) {
		t.Fatalf("expected stages %v, got %v", wantStages, res.Stages)
	}
	if r.slept != res.Plan.Total() {
		t.Errorf("slept %v but plan total is %v", r.slept, res.Plan.Total())
	}
}

func TestDeliver_SkipReadAndTyping(t *testing.T) {
	r := &recorder{}
	s := newTestSequencer(t, DefaultConfig(), r)

	res, err := s.Deliver(context.Background(), Delivery{
		Key:         "K",
		Content:     "hi",
		MessageID:   "in-1",
		InputLength: 100,
		Flags:       Flags{SkipRead: true, SkipTyping: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	equalCalls(t, r.Calls(), []string{"sleep", "send:hi"})
	if res.Plan.Read != 0 || res.Plan.Think != 0 || res.Plan.Type != 0 {
		t.Errorf("skipped stages must not contribute delay: %+v", res.Plan)
	}
	if r.slept != res.Plan.Initial {
		t.Errorf("expected only the initial delay, slept %v", r.slept)
	}
}

func TestDeliver_AllSkipped(t *testing.T) {
	r := &recorder{}
	s := newTestSequencer(t, DefaultConfig(), r)

	_, err := s.Deliver(context.Background(), Delivery{
		Key:     "K",
		Content: "now",
		Flags:   Flags{SkipInitialDelay: true, SkipRead: true, SkipTyping: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	equalCalls(t, r.Calls(), []string{"send:now"})
}

func TestDeliver_NoMessageIDSkipsReceipt(t *testing.T) {
	r := &recorder{}
	s := newTestSequencer(t, DefaultConfig(), r)

	if _, err := s.Deliver(context.Background(), Delivery{Key: "K", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, "read:") {
			t.Errorf("unexpected read receipt without a message id")
		}
	}
}

func TestDeliver_MarksEveryMessageRead(t *testing.T) {
	r := &recorder{}
	s := newTestSequencer(t, DefaultConfig(), r)

	_, err := s.Deliver(context.Background(), Delivery{
		Key:        "K",
		Content:    "merged reply",
		MessageIDs: []string{"in-1", "", "in-2"},
		MessageID:  "in-2",
		Flags:      Flags{SkipInitialDelay: true, SkipTyping: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	equalCalls(t, r.Calls(), []string{"read:in-1,in-2", "sleep", "sleep", "send:merged reply"})
}

func TestDeliver_PresenceFailuresAreCosmetic(t *testing.T) {
	r := &recorder{
		markErr:     errors.New("receipt rejected"),
		presenceErr: errors.New("presence rejected"),
	}
	s := newTestSequencer(t, DefaultConfig(), r)

	res, err := s.Deliver(context.Background(), Delivery{Key: "K", Content: "still sent", MessageID: "in"})
	if err != nil {
		t.Fatalf("cosmetic failures must not abort delivery: %v", err)
	}
	if res.MessageID == "" {
		t.Error("expected dispatch to run")
	}
}

func TestDeliver_DisconnectAbortsBeforeDispatch(t *testing.T) {
	r := &recorder{presenceErr: fmt.Errorf("socket closed: %w", ErrDisconnected)}
	s := newTestSequencer(t, DefaultConfig(), r)

	_, err := s.Deliver(context.Background(), Delivery{Key: "K", Content: "never"})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected, got %v", err)
	}
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, "send:") {
			t.Fatal("dispatch ran after a connection-level failure")
		}
	}
}

func TestDeliver_DispatchErrorPropagates(t *testing.T) {
	boom := errors.New("send failed")
	r := &recorder{sendErr: boom}
	s := newTestSequencer(t, DefaultConfig(), r)

	_, err := s.Deliver(context.Background(), Delivery{Key: "K", Content: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
}

func TestDeliver_Cancelled(t *testing.T) {
	r := &recorder{}
	s := newTestSequencer(t, DefaultConfig(), r)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Deliver(ctx, Delivery{Key: "K", Content: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(r.Calls()) != 0 {
		t.Errorf("expected nothing to run, got %v", r.Calls())
	}
}

func TestPlanFor_WithinBounds(t *testing.T) {
	r := &recorder{}
	cfg := DefaultConfig()
	s := newTestSequencer(t, cfg, r)

	check := func(name string, d time.Duration, rg Range) {
		lo, hi := rg.bounds()
		if d < lo || d > hi {
			t.Errorf("%s delay %v outside [%v, %v]", name, d, lo, hi)
		}
	}

	for _, inLen := range []int{0, 1, 50, 200, 10_000} {
		for _, outLen := range []int{0, 1, 80, 5_000} {
			for i := 0; i < 20; i++ {
				p := s.PlanFor(strings.Repeat("x", outLen), inLen)
				check("initial", p.Initial, cfg.Initial)
				check("read", p.Read, cfg.Read)
				check("think", p.Think, cfg.Think)
				check("type", p.Type, cfg.Type)
			}
		}
	}
}

func TestPlanFor_LengthScaling(t *testing.T) {
	cfg := Config{
		Initial: Range{MinMs: 100, MaxMs: 100, CapMs: 100},
		Read:    Range{MinMs: 100, MaxMs: 100, PerCharMs: 10, CapMs: 1000},
		Think:   Range{MinMs: 200, MaxMs: 200, PerCharMs: 5, CapMs: 1000},
		Type:    Range{MinMs: 300, MaxMs: 300, PerCharMs: 20, CapMs: 500},
		Gap:     Gap{BaseMs: 500, PerCharMs: 20, CapMs: 3000},
	}
	s := newTestSequencer(t, cfg, &recorder{})

	p := s.PlanFor("你好世界", 10)
	if p.Initial != 100*time.Millisecond {
		t.Errorf("initial: expected 100ms, got %v", p.Initial)
	}
	if p.Read != 200*time.Millisecond {
		t.Errorf("read: expected 200ms, got %v", p.Read)
	}
	if p.Think != 250*time.Millisecond {
		t.Errorf("think: expected 250ms, got %v", p.Think)
	}
	// 300 + 4 chars * 20 = 380
	if p.Type != 380*time.Millisecond {
		t.Errorf("type: expected 380ms, got %v", p.Type)
	}

	if capped := s.PlanFor(strings.Repeat("a", 100), 0); capped.Type != 500*time.Millisecond {
		t.Errorf("type: expected cap 500ms, got %v", capped.Type)
	}
}

func TestSegmentGap(t *testing.T) {
	s := newTestSequencer(t, DefaultConfig(), &recorder{})

	tests := []struct {
		chars int
		want  time.Duration
	}{
		{0, 500 * time.Millisecond},
		{10, 700 * time.Millisecond},
		{100, 2500 * time.Millisecond},
		{125, 3000 * time.Millisecond},
		{1000, 3000 * time.Millisecond},
		{-5, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := s.SegmentGap(tt.chars); got != tt.want {
			t.Errorf("SegmentGap(%d) = %v, want %v", tt.chars, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative min", func(c *Config) { c.Read.MinMs = -1 }},
		{"max below min", func(c *Config) { c.Think.MaxMs = c.Think.MinMs - 1 }},
		{"cap below min", func(c *Config) { c.Type.CapMs = c.Type.MinMs - 1 }},
		{"negative per char", func(c *Config) { c.Read.PerCharMs = -3 }},
		{"gap cap below base", func(c *Config) { c.Gap.CapMs = 100 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidPacing) {
				t.Errorf("expected ErrInvalidPacing, got %v", err)
			}
			if _, err := New(cfg, &recorder{}, nil); err == nil {
				t.Error("New accepted an invalid config")
			}
		})
	}
}

func TestRealSleeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := (RealSleeper{}).Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled sleep did not return promptly")
	}
}
