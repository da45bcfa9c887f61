package commands

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels/whatsapp"
)

// pairing keeps the latest WhatsApp login event for the HTTP API.
type pairing struct {
	mu   sync.Mutex
	last whatsapp.QREvent
}

// track consumes QR events until ctx ends or the stream closes.
func (p *pairing) track(ctx context.Context, events <-chan whatsapp.QREvent) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			p.mu.Lock()
			p.last = evt
			p.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// LoginCode returns the QR payload while a login is pending.
func (p *pairing) LoginCode() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last.Type != "code" {
		return "", false
	}
	return p.last.Code, true
}

// connectionLog logs WhatsApp connection state changes.
type connectionLog struct {
	logger *slog.Logger
}

func (c connectionLog) OnConnectionChange(evt whatsapp.ConnectionEvent) {
	level := slog.LevelInfo
	if evt.State == whatsapp.StateDisconnected || evt.State == whatsapp.StateBanned {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "whatsapp connection changed",
		"state", evt.State, "previous", evt.Previous, "reason", evt.Reason)
}
