package discord

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
)

func newTestDiscord(cfg Config) *Discord {
	d := New(cfg, nil)
	d.botID = "bot"
	return d
}

func TestHandleMessage(t *testing.T) {
	t.Run("DM is forwarded", func(t *testing.T) {
		d := newTestDiscord(Config{})
		d.handleMessage(&discordgo.Message{
			ID:        "m1",
			ChannelID: "c1",
			Content:   "hello",
			Author:    &discordgo.User{ID: "u1", Username: "ana"},
			Timestamp: time.Now(),
		})

		select {
		case msg := <-d.Receive():
			if msg.Key() != "discord:c1" || msg.Content != "hello" || msg.FromName != "ana" || msg.IsGroup {
				t.Errorf("unexpected message %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("message not forwarded")
		}
	})

	t.Run("attachment becomes media", func(t *testing.T) {
		d := newTestDiscord(Config{})
		d.handleMessage(&discordgo.Message{
			ID:          "m2",
			ChannelID:   "c1",
			Author:      &discordgo.User{ID: "u1"},
			Attachments: []*discordgo.MessageAttachment{{URL: "https://cdn/x.png", ContentType: "image/png", Filename: "x.png", Size: 10}},
		})

		msg := <-d.Receive()
		if msg.Type != channels.MessageImage || msg.Media == nil || msg.Media.Raw != "https://cdn/x.png" {
			t.Errorf("unexpected media %+v", msg.Media)
		}
	})
}

func TestAccepts(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		msg  *discordgo.Message
		want bool
	}{
		{"self", Config{}, &discordgo.Message{Author: &discordgo.User{ID: "bot"}}, false},
		{"other bot", Config{}, &discordgo.Message{Author: &discordgo.User{ID: "x", Bot: true}}, false},
		{"guild disabled", Config{}, &discordgo.Message{GuildID: "g", Author: &discordgo.User{ID: "u"}}, false},
		{"guild allowed", Config{RespondToGuilds: true, AllowedGuilds: []string{"g"}}, &discordgo.Message{GuildID: "g", Author: &discordgo.User{ID: "u"}}, true},
		{"guild not listed", Config{RespondToGuilds: true, AllowedGuilds: []string{"g"}}, &discordgo.Message{GuildID: "h", Author: &discordgo.User{ID: "u"}}, false},
		{"channel filter", Config{AllowedChannels: []string{"c1"}}, &discordgo.Message{ChannelID: "c2", Author: &discordgo.User{ID: "u"}}, false},
		{"no author", Config{}, &discordgo.Message{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := newTestDiscord(tt.cfg).accepts(tt.msg); got != tt.want {
				t.Errorf("accepts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDisconnectedOperations(t *testing.T) {
	d := newTestDiscord(Config{})
	ctx := context.Background()

	if _, err := d.Send(ctx, "c1", &channels.OutgoingMessage{Content: "x"}); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send: got %v", err)
	}
	if err := d.SendPresence(ctx, "c1", channels.PresenceComposing); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("SendPresence: got %v", err)
	}
	if err := d.MarkRead(ctx, "c1", []string{"m"}); err != nil {
		t.Errorf("MarkRead should be a no-op, got %v", err)
	}
	if err := d.Connect(ctx); err == nil {
		t.Error("Connect without token should fail")
	}
}

func TestDownloadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := newTestDiscord(Config{})
	data, mime, err := d.DownloadMedia(context.Background(), &channels.IncomingMessage{
		Media: &channels.MediaInfo{MimeType: "image/png", Raw: srv.URL},
	})
	if err != nil || string(data) != "payload" || mime != "image/png" {
		t.Errorf("DownloadMedia = %q, %q, %v", data, mime, err)
	}

	if _, _, err := d.DownloadMedia(context.Background(), &channels.IncomingMessage{}); !errors.Is(err, channels.ErrMediaDownloadFailed) {
		t.Errorf("expected ErrMediaDownloadFailed, got %v", err)
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 {
		t.Errorf("expected one chunk, got %v", got)
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitMessage(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8)+"\n" {
		t.Errorf("expected newline split, got %q", got)
	}

	runes := strings.Repeat("é", 25)
	for _, chunk := range splitMessage(runes, 10) {
		if n := len([]rune(chunk)); n > 10 {
			t.Errorf("chunk of %d runes exceeds limit", n)
		}
	}
}

func TestInferMediaType(t *testing.T) {
	cases := map[string]channels.MessageType{
		"image/png":       channels.MessageImage,
		"AUDIO/ogg":       channels.MessageAudio,
		"video/mp4":       channels.MessageVideo,
		"application/pdf": channels.MessageDocument,
	}
	for ct, want := range cases {
		if got := inferMediaType(ct); got != want {
			t.Errorf("inferMediaType(%q) = %s, want %s", ct, got, want)
		}
	}
}
