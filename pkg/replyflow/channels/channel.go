// Package channels defines the transport interfaces ReplyFlow speaks to.
// Each chat platform (WhatsApp, Discord, the local console) implements
// Channel to deliver inbound messages and send replies in a uniform way.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageReaction MessageType = "reaction"
)

// Presence is a chat state shown to the peer.
type Presence string

const (
	PresenceComposing Presence = "composing"
	PresencePaused    Presence = "paused"
)

// Channel is implemented by every transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a text message and returns the platform message id.
	Send(ctx context.Context, to string, message *OutgoingMessage) (string, error)

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// MediaChannel extends Channel with media capabilities.
type MediaChannel interface {
	Channel

	// SendMedia sends an image, audio, video or document.
	SendMedia(ctx context.Context, to string, media *MediaMessage) (string, error)

	// DownloadMedia downloads media from an incoming message.
	// Returns the raw bytes and MIME type.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// PresenceChannel extends Channel with read receipts and chat state.
type PresenceChannel interface {
	Channel

	// SendPresence shows or clears the typing indicator in a chat.
	SendPresence(ctx context.Context, to string, state Presence) error

	// MarkRead marks messages in a chat as read.
	MarkRead(ctx context.Context, chatID string, messageIDs []string) error
}

// NumberChecker is implemented by channels that can tell whether a phone
// number has an account on the platform.
type NumberChecker interface {
	CheckNumber(ctx context.Context, phone string) (*NumberInfo, error)
}

// NumberInfo is the result of a number lookup.
type NumberInfo struct {
	Phone  string `json:"phone"`
	Exists bool   `json:"exists"`
	JID    string `json:"jid,omitempty"`
}

// IncomingMessage represents a message received from any channel.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the group or DM identifier replies are sent to.
	ChatID string

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// Type is the message content type.
	Type MessageType

	// Content is the text content of the message (or media caption).
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// Media contains media attachment details (if any).
	Media *MediaInfo

	// SavedPath is where downloaded media was stored locally.
	SavedPath string

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// Key returns the conversation key for the message.
func (m *IncomingMessage) Key() string {
	return ConversationKey(m.Channel, m.ChatID)
}

// OutgoingMessage represents a text message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string
}

// MediaMessage represents a media file to be sent.
type MediaMessage struct {
	// Type is the media type (image, audio, video, document).
	Type MessageType

	// Data is the raw media bytes.
	Data []byte

	// MimeType is the MIME type (e.g. "image/jpeg").
	MimeType string

	// Filename is the original filename (for documents).
	Filename string

	// Caption is the text caption accompanying the media.
	Caption string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string
	FileSize uint64
	Caption  string

	// Raw is the platform message needed to download the media.
	Raw any
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	LastMessageAt time.Time      `json:"last_message_at"`
	ErrorCount    int            `json:"error_count"`
	LatencyMs     int64          `json:"latency_ms"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrChannelNotFound     = errors.New("channel not found")
	ErrSendFailed          = errors.New("failed to send message")
	ErrMediaNotSupported   = errors.New("media not supported by this channel")
	ErrMediaDownloadFailed = errors.New("failed to download media")
	ErrInvalidKey          = errors.New("invalid conversation key")
)

// ConversationKey joins a channel name and chat id into the key used by
// the aggregator and the history store.
func ConversationKey(channel, chatID string) string {
	return channel + ":" + chatID
}

// SplitKey is the inverse of ConversationKey. Channel names never contain
// a colon, so the first one separates the parts.
func SplitKey(key string) (channel, chatID string, err error) {
	channel, chatID, ok := strings.Cut(key, ":")
	if !ok || channel == "" || chatID == "" {
		return "", "", ErrInvalidKey
	}
	return channel, chatID, nil
}
