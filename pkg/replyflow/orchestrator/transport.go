package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/pacing"
)

// ChannelSender is the part of channels.Manager the transport needs.
type ChannelSender interface {
	Send(ctx context.Context, channelName, to string, msg *channels.OutgoingMessage) (string, error)
	MarkRead(ctx context.Context, channelName, chatID string, ids ...string) error
	SendPresence(ctx context.Context, channelName, chatID string, state channels.Presence) error
}

// Transport adapts a ChannelSender to pacing.Transport. Conversation keys
// are "<channel>:<chat id>".
type Transport struct {
	sender ChannelSender
}

// NewTransport wraps sender.
func NewTransport(sender ChannelSender) *Transport {
	return &Transport{sender: sender}
}

// MarkRead implements pacing.Transport.
func (t *Transport) MarkRead(ctx context.Context, key string, messageIDs ...string) error {
	ch, chatID, err := channels.SplitKey(key)
	if err != nil {
		return err
	}
	return mapErr(t.sender.MarkRead(ctx, ch, chatID, messageIDs...))
}

// SetPresence implements pacing.Transport.
func (t *Transport) SetPresence(ctx context.Context, key string, state pacing.Presence) error {
	ch, chatID, err := channels.SplitKey(key)
	if err != nil {
		return err
	}
	return mapErr(t.sender.SendPresence(ctx, ch, chatID, channels.Presence(state)))
}

// Send implements pacing.Transport.
func (t *Transport) Send(ctx context.Context, key, content string) (string, error) {
	ch, chatID, err := channels.SplitKey(key)
	if err != nil {
		return "", err
	}
	id, err := t.sender.Send(ctx, ch, chatID, &channels.OutgoingMessage{Content: content})
	return id, mapErr(err)
}

// mapErr tags connection-level failures so the sequencer aborts on them.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, channels.ErrChannelDisconnected) || errors.Is(err, channels.ErrChannelNotFound) {
		return fmt.Errorf("%w: %w", pacing.ErrDisconnected, err)
	}
	return err
}
