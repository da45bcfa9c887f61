package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/history"
	"github.com/jholhewres/replyflow/pkg/replyflow/media"
	"github.com/jholhewres/replyflow/pkg/replyflow/orchestrator"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
	"github.com/jholhewres/replyflow/pkg/replyflow/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

// wire is a pacing transport and sleeper that records calls.
type wire struct {
	mu      sync.Mutex
	calls   []string
	sendErr error
}

func (w *wire) log(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, s)
}

func (w *wire) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func (w *wire) MarkRead(_ context.Context, key string, ids ...string) error {
	w.log("read:" + strings.Join(ids, ","))
	return nil
}

func (w *wire) SetPresence(_ context.Context, key string, state pacing.Presence) error {
	w.log("presence:" + string(state))
	return nil
}

func (w *wire) Send(_ context.Context, key, content string) (string, error) {
	if w.sendErr != nil {
		return "", w.sendErr
	}
	w.log("send:" + key + ":" + content)
	return "out-1", nil
}

func (w *wire) Sleep(ctx context.Context, _ time.Duration) error {
	w.log("sleep")
	return ctx.Err()
}

type fakeMessenger struct {
	mu    sync.Mutex
	media []string
	err   error
}

func (f *fakeMessenger) SendMedia(_ context.Context, ch, to string, m *channels.MediaMessage) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, fmt.Sprintf("%s %s %s %s %d", ch, to, m.Type, m.Caption, len(m.Data)))
	return "media-1", nil
}

func (f *fakeMessenger) CheckNumber(_ context.Context, ch, phone string) (*channels.NumberInfo, error) {
	return &channels.NumberInfo{Phone: phone, Exists: phone == "5511999", JID: phone + "@s.whatsapp.net"}, nil
}

func (f *fakeMessenger) HealthAll() map[string]channels.HealthStatus {
	return map[string]channels.HealthStatus{"whatsapp": {Connected: true}}
}

type fakePipeline struct {
	got chan *channels.IncomingMessage
}

func (p *fakePipeline) Handle(_ context.Context, msg *channels.IncomingMessage) error {
	p.got <- msg
	return nil
}

func (p *fakePipeline) Stats() orchestrator.Stats {
	return orchestrator.Stats{Received: 7, Replies: 3}
}

type testGateway struct {
	gw        *Gateway
	handler   http.Handler
	wire      *wire
	messenger *fakeMessenger
	pipeline  *fakePipeline
	history   *history.Store
	mediaDir  string
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()
	logger := testLogger()
	w := &wire{}
	seq, err := pacing.New(pacing.DefaultConfig(), w, logger, pacing.WithSleeper(w))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	tg := &testGateway{
		wire:      w,
		messenger: &fakeMessenger{},
		pipeline:  &fakePipeline{got: make(chan *channels.IncomingMessage, 4)},
		history:   history.NewStore(history.NewMemoryBackend(), 20, logger),
		mediaDir:  dir,
	}
	tg.gw = New(cfg, Deps{
		Messenger: tg.messenger,
		Pipeline:  tg.pipeline,
		Sequencer: seq,
		History:   tg.history,
		Media:     media.New(media.Config{Dir: dir}, logger),
		Jobs: func() []scheduler.Status {
			return []scheduler.Status{{Name: "aggregator-evict", Schedule: "@every 1m"}}
		},
		Info: Info{Name: "test", MergeWindow: 5 * time.Second, MaxTurns: 20, LongText: 200, SplitRetries: 1},
	}, logger)
	tg.gw.mediaDelay = func() time.Duration { return 0 }
	tg.handler = tg.gw.Handler()
	t.Cleanup(func() { tg.gw.Stop(context.Background()) })
	return tg
}

func (tg *testGateway) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	tg.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, Config{AuthToken: "secret"})

	for _, path := range []string{"/", "/health"} {
		rec := tg.do(http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["status"] != "ok" || body["connected"] != true {
			t.Errorf("%s: body = %v", path, body)
		}
		queue := body["queue"].(map[string]any)
		if queue["merge_window_ms"] != float64(5000) {
			t.Errorf("merge window = %v", queue["merge_window_ms"])
		}
		stats := body["stats"].(map[string]any)
		if stats["received"] != float64(7) {
			t.Errorf("stats = %v", stats)
		}
	}
	if got := tg.do(http.MethodGet, "/health", "").Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("security headers missing: %q", got)
	}
}

func TestAuth(t *testing.T) {
	tg := newTestGateway(t, Config{AuthToken: "secret"})

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"bad format", []string{"Authorization", "Token secret"}, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tg.do(http.MethodGet, "/api/jobs", "", tt.header...)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	tg := newTestGateway(t, Config{})

	if got := tg.do(http.MethodGet, "/health", "", "X-Request-ID", "abc").Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("propagated id = %q", got)
	}
	if got := tg.do(http.MethodGet, "/health", "").Header().Get("X-Request-ID"); len(got) != 36 {
		t.Errorf("generated id = %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	tg := newTestGateway(t, Config{RateLimit: 0.001, RateBurst: 2})

	for i := range 2 {
		if rec := tg.do(http.MethodGet, "/api/jobs", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	if rec := tg.do(http.MethodGet, "/api/jobs", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec := tg.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health limited: %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	tg := newTestGateway(t, Config{CORSOrigins: []string{"https://app.example"}})

	rec := tg.do(http.MethodOptions, "/send", "", "Origin", "https://app.example")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allow origin = %q", got)
	}

	rec = tg.do(http.MethodOptions, "/send", "", "Origin", "https://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestWebhook(t *testing.T) {
	tg := newTestGateway(t, Config{})

	t.Run("validation", func(t *testing.T) {
		for _, body := range []string{`{"type":"text"}`, `{"from":"5511"}`, `not json`} {
			if rec := tg.do(http.MethodPost, "/webhook", body); rec.Code != http.StatusBadRequest {
				t.Errorf("%s: status %d", body, rec.Code)
			}
		}
	})

	t.Run("accepted", func(t *testing.T) {
		rec := tg.do(http.MethodPost, "/webhook",
			`{"from":"5511999","pushName":"Ana","messageId":"m1","type":"image","caption":"look","savedPath":"/tmp/a.jpg"}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d", rec.Code)
		}

		select {
		case msg := <-tg.pipeline.got:
			if msg.Key() != "whatsapp:5511999@s.whatsapp.net" {
				t.Errorf("key = %q", msg.Key())
			}
			if msg.Type != channels.MessageImage || msg.Content != "look" || msg.SavedPath != "/tmp/a.jpg" {
				t.Errorf("message = %+v", msg)
			}
			if msg.Media == nil || msg.Media.Caption != "look" {
				t.Errorf("media = %+v", msg.Media)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pipeline never received the event")
		}
	})
}

func TestSend(t *testing.T) {
	t.Run("without message key", func(t *testing.T) {
		tg := newTestGateway(t, Config{})
		rec := tg.do(http.MethodPost, "/send", `{"to":"5511999","message":"hello"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if body := decodeBody(t, rec); body["messageId"] != "out-1" {
			t.Errorf("body = %v", body)
		}
		want := []string{"sleep", "send:whatsapp:5511999@s.whatsapp.net:hello"}
		if got := tg.wire.Calls(); !reflect.DeepEqual(got, want) {
			t.Errorf("calls = %v, want %v", got, want)
		}
	})

	t.Run("with message key", func(t *testing.T) {
		tg := newTestGateway(t, Config{})
		rec := tg.do(http.MethodPost, "/send", `{"to":"123@g.us","message":"hi","messageKey":"abc"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		want := []string{"sleep", "read:abc", "sleep", "sleep", "send:whatsapp:123@g.us:hi"}
		if got := tg.wire.Calls(); !reflect.DeepEqual(got, want) {
			t.Errorf("calls = %v, want %v", got, want)
		}
	})

	t.Run("validation", func(t *testing.T) {
		tg := newTestGateway(t, Config{})
		if rec := tg.do(http.MethodPost, "/send", `{"to":"1"}`); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("disconnected", func(t *testing.T) {
		tg := newTestGateway(t, Config{})
		tg.wire.sendErr = pacing.ErrDisconnected
		if rec := tg.do(http.MethodPost, "/send", `{"to":"1","message":"x"}`); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestSendMedia(t *testing.T) {
	tg := newTestGateway(t, Config{})
	path := filepath.Join(tg.mediaDir, "pic.png")
	if err := os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nrest"), 0o600); err != nil {
		t.Fatal(err)
	}

	rec := tg.do(http.MethodPost, "/send-image", fmt.Sprintf(`{"to":"5511","imagePath":%q,"caption":"hey"}`, path))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	want := "whatsapp 5511@s.whatsapp.net image hey 12"
	if len(tg.messenger.media) != 1 || tg.messenger.media[0] != want {
		t.Errorf("media = %v, want %q", tg.messenger.media, want)
	}

	tests := []struct {
		name, path, body string
		want             int
	}{
		{"missing path", "/send-video", `{"to":"5511"}`, http.StatusBadRequest},
		{"missing file", "/send-file", `{"to":"5511","filePath":"/no/such/file"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := tg.do(http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	t.Run("not connected", func(t *testing.T) {
		tg.messenger.err = fmt.Errorf("whatsapp: %w", channels.ErrChannelDisconnected)
		rec := tg.do(http.MethodPost, "/send-file", fmt.Sprintf(`{"to":"5511","filePath":%q}`, path))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestCheck(t *testing.T) {
	tg := newTestGateway(t, Config{})

	body := decodeBody(t, tg.do(http.MethodGet, "/check/5511999", ""))
	if body["exists"] != true || body["jid"] != "5511999@s.whatsapp.net" {
		t.Errorf("body = %v", body)
	}
	body = decodeBody(t, tg.do(http.MethodGet, "/check/000", ""))
	if body["exists"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestHistory(t *testing.T) {
	tg := newTestGateway(t, Config{})
	key := "whatsapp:5511@s.whatsapp.net"
	if _, err := tg.history.AppendExchange(context.Background(), key, "hi", "hello"); err != nil {
		t.Fatal(err)
	}

	body := decodeBody(t, tg.do(http.MethodGet, "/api/history/"+key, ""))
	if body["count"] != float64(2) {
		t.Fatalf("body = %v", body)
	}

	if rec := tg.do(http.MethodDelete, "/api/history/"+key, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	body = decodeBody(t, tg.do(http.MethodGet, "/api/history/"+key, ""))
	if body["count"] != float64(0) {
		t.Errorf("after delete = %v", body)
	}

	if rec := tg.do(http.MethodGet, "/api/history/nokey", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid key status = %d", rec.Code)
	}
}

func TestEventMessage(t *testing.T) {
	tests := []struct {
		name    string
		ev      Event
		key     string
		typ     channels.MessageType
		content string
		group   bool
	}{
		{"text", Event{From: "5511", Type: "text", Text: "oi"}, "whatsapp:5511@s.whatsapp.net", channels.MessageText, "oi", false},
		{"group", Event{From: "123@g.us", Type: "conversation", Text: "x"}, "whatsapp:123@g.us", channels.MessageText, "x", true},
		{"voice note", Event{From: "1", Type: "ptt"}, "whatsapp:1@s.whatsapp.net", channels.MessageAudio, "", false},
		{"other channel", Event{Channel: "discord", From: "42", Type: "text", Text: "yo"}, "discord:42", channels.MessageText, "yo", false},
		{"unknown type", Event{From: "1", Type: "poll"}, "whatsapp:1@s.whatsapp.net", "poll", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.ev.Message("whatsapp")
			if msg.Key() != tt.key || msg.Type != tt.typ || msg.Content != tt.content || msg.IsGroup != tt.group {
				t.Errorf("got key=%q type=%q content=%q group=%v", msg.Key(), msg.Type, msg.Content, msg.IsGroup)
			}
			if (msg.Type == channels.MessageText) != (msg.Media == nil) {
				t.Errorf("media = %+v for type %q", msg.Media, msg.Type)
			}
		})
	}
}

func TestForwarder(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- ev
	}))
	defer srv.Close()

	f, err := NewForwarder(srv.URL, time.Second, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	f.Observe(context.Background(), &channels.IncomingMessage{
		ID: "m1", Channel: "whatsapp", ChatID: "5511@s.whatsapp.net", FromName: "Ana",
		Type: channels.MessageDocument, Timestamp: time.Unix(1700000000, 0), SavedPath: "/media/a.pdf",
		Media: &channels.MediaInfo{Type: channels.MessageDocument, MimeType: "application/pdf", Filename: "a.pdf"},
	})

	select {
	case ev := <-got:
		want := Event{
			Channel: "whatsapp", From: "5511@s.whatsapp.net", PushName: "Ana", MessageID: "m1",
			Timestamp: 1700000000, Type: "document", Mimetype: "application/pdf",
			SavedPath: "/media/a.pdf", Filename: "a.pdf",
		}
		if ev != want {
			t.Errorf("event = %+v, want %+v", ev, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never called")
	}
	f.Wait(context.Background())

	for _, bad := range []string{"ftp://x", "::", "http://"} {
		if _, err := NewForwarder(bad, 0, nil); err == nil {
			t.Errorf("NewForwarder(%q) accepted", bad)
		}
	}
}

func TestLoginCode(t *testing.T) {
	tg := newTestGateway(t, Config{})

	if body := decodeBody(t, tg.do(http.MethodGet, "/api/qr", "")); body["pending"] != false {
		t.Errorf("without source = %v", body)
	}

	tg.gw.deps.LoginCode = func() (string, bool) { return "2@qr", true }
	tg.handler = tg.gw.Handler()
	body := decodeBody(t, tg.do(http.MethodGet, "/api/qr", ""))
	if body["pending"] != true || body["code"] != "2@qr" {
		t.Errorf("pending login = %v", body)
	}
}

func TestRunJob(t *testing.T) {
	tg := newTestGateway(t, Config{})

	if rec := tg.do(http.MethodPost, "/api/jobs/media-retention", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("without scheduler: status %d", rec.Code)
	}

	var ran []string
	tg.gw.deps.RunJob = func(name string) error {
		if name != "media-retention" {
			return fmt.Errorf("%w: %q", scheduler.ErrJobNotFound, name)
		}
		ran = append(ran, name)
		return nil
	}
	tg.handler = tg.gw.Handler()

	rec := tg.do(http.MethodPost, "/api/jobs/media-retention", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["ran"] != true {
		t.Errorf("run: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := tg.do(http.MethodPost, "/api/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: status %d", rec.Code)
	}
	if len(ran) != 1 {
		t.Errorf("ran = %v", ran)
	}
}
