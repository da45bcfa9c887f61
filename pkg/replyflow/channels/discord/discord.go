// Package discord implements the Discord channel for ReplyFlow using
// discordgo. Every Discord text channel (or DM) the bot can see is one
// conversation.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
)

// Name is the channel identifier used in conversation keys.
const Name = "discord"

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild IDs the bot responds in.
	// Empty means respond in all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RespondToGuilds enables replies outside of DMs.
	RespondToGuilds bool `yaml:"respond_to_guilds"`
}

// Discord implements channels.Channel, channels.MediaChannel and
// channels.PresenceChannel.
type Discord struct {
	cfg        Config
	logger     *slog.Logger
	session    *discordgo.Session
	botID      string
	httpClient *http.Client

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", Name),
		messages:   make(chan *channels.IncomingMessage, 256),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return Name }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(m.Message)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.botID = session.State.User.ID
	d.connected.Store(true)
	d.logger.Info("discord: connected", "bot", session.State.User.Username, "id", d.botID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: closing session: %w", err)
		}
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message and returns the id of the last chunk.
// Messages over the Discord limit are split at newlines.
func (d *Discord) Send(_ context.Context, to string, message *channels.OutgoingMessage) (string, error) {
	if d.session == nil || !d.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}

	var lastID string
	for i, chunk := range splitMessage(message.Content, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo}
		}
		sent, err := d.session.ChannelMessageSendComplex(to, send)
		if err != nil {
			d.errorCount.Add(1)
			return "", fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
		}
		lastID = sent.ID
	}
	return lastID, nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// SendMedia sends a file attachment.
func (d *Discord) SendMedia(_ context.Context, to string, media *channels.MediaMessage) (string, error) {
	if d.session == nil || !d.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	if len(media.Data) == 0 {
		return "", fmt.Errorf("discord: empty media payload")
	}

	filename := media.Filename
	if filename == "" {
		filename = "file"
	}
	sent, err := d.session.ChannelMessageSendComplex(to, &discordgo.MessageSend{
		Content: media.Caption,
		Files: []*discordgo.File{{
			Name:        filename,
			ContentType: media.MimeType,
			Reader:      bytes.NewReader(media.Data),
		}},
	})
	if err != nil {
		d.errorCount.Add(1)
		return "", fmt.Errorf("%w: %w", channels.ErrSendFailed, err)
	}
	return sent.ID, nil
}

// DownloadMedia downloads the first attachment of an incoming message.
func (d *Discord) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil {
		return nil, "", channels.ErrMediaDownloadFailed
	}
	url, ok := msg.Media.Raw.(string)
	if !ok || url == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", channels.ErrMediaDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", channels.ErrMediaDownloadFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("discord: reading attachment: %w", err)
	}
	return data, msg.Media.MimeType, nil
}

// SendPresence triggers the typing indicator. Discord clears it by itself
// after a few seconds or when a message is sent, so paused is a no-op.
func (d *Discord) SendPresence(_ context.Context, to string, state channels.Presence) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if state != channels.PresenceComposing {
		return nil
	}
	return d.session.ChannelTyping(to)
}

// MarkRead is a no-op: bots have no read receipts.
func (d *Discord) MarkRead(context.Context, string, []string) error {
	return nil
}

// handleMessage converts a gateway message into an IncomingMessage.
func (d *Discord) handleMessage(m *discordgo.Message) {
	if !d.accepts(m) {
		return
	}

	incoming := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   Name,
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		mediaType := inferMediaType(att.ContentType)
		incoming.Type = mediaType
		incoming.Media = &channels.MediaInfo{
			Type:     mediaType,
			MimeType: att.ContentType,
			Filename: att.Filename,
			FileSize: uint64(att.Size),
			Caption:  m.Content,
			Raw:      att.URL,
		}
	}

	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

func (d *Discord) accepts(m *discordgo.Message) bool {
	if m.Author == nil || m.Author.Bot || m.Author.ID == d.botID {
		return false
	}
	if m.GuildID != "" {
		if !d.cfg.RespondToGuilds {
			return false
		}
		if len(d.cfg.AllowedGuilds) > 0 && !slices.Contains(d.cfg.AllowedGuilds, m.GuildID) {
			return false
		}
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return false
	}
	return true
}

// inferMediaType maps MIME types to message types.
func inferMediaType(contentType string) channels.MessageType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(ct, "audio/"):
		return channels.MessageAudio
	case strings.HasPrefix(ct, "video/"):
		return channels.MessageVideo
	default:
		return channels.MessageDocument
	}
}

// splitMessage splits text into chunks of at most maxLen runes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxLen {
			chunks = append(chunks, string(runes))
			break
		}
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

var (
	_ channels.Channel         = (*Discord)(nil)
	_ channels.MediaChannel    = (*Discord)(nil)
	_ channels.PresenceChannel = (*Discord)(nil)
)
