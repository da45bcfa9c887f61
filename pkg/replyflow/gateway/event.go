package gateway

import (
	"strings"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
)

// Event is the JSON shape of an inbound message, both as accepted on
// POST /webhook and as forwarded to the configured webhook URL.
type Event struct {
	Channel   string `json:"channel,omitempty"`
	From      string `json:"from"`
	PushName  string `json:"pushName,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Type      string `json:"type"`
	IsGroup   bool   `json:"isGroup,omitempty"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Mimetype  string `json:"mimetype,omitempty"`
	SavedPath string `json:"savedPath,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// typeAliases maps alternative type names onto channel message types.
var typeAliases = map[string]channels.MessageType{
	"conversation": channels.MessageText,
	"ptt":          channels.MessageAudio,
	"voice":        channels.MessageAudio,
	"file":         channels.MessageDocument,
}

// normalizeRecipient completes bare WhatsApp phone numbers into user JIDs.
func normalizeRecipient(channel, to string) string {
	to = strings.TrimSpace(to)
	if channel == "whatsapp" && to != "" && !strings.Contains(to, "@") {
		return strings.TrimPrefix(to, "+") + "@s.whatsapp.net"
	}
	return to
}

// Message converts the event into a channel message.
func (e Event) Message(defaultChannel string) *channels.IncomingMessage {
	ch := e.Channel
	if ch == "" {
		ch = defaultChannel
	}
	chatID := normalizeRecipient(ch, e.From)

	typ := channels.MessageType(strings.ToLower(e.Type))
	if alias, ok := typeAliases[string(typ)]; ok {
		typ = alias
	}

	ts := time.Now()
	if e.Timestamp > 0 {
		ts = time.Unix(e.Timestamp, 0)
	}

	msg := &channels.IncomingMessage{
		ID:        e.MessageID,
		Channel:   ch,
		From:      chatID,
		FromName:  e.PushName,
		ChatID:    chatID,
		IsGroup:   e.IsGroup || strings.HasSuffix(chatID, "@g.us"),
		Type:      typ,
		Content:   e.Text,
		Timestamp: ts,
		SavedPath: e.SavedPath,
	}
	if typ != channels.MessageText {
		if msg.Content == "" {
			msg.Content = e.Caption
		}
		msg.Media = &channels.MediaInfo{
			Type:     typ,
			MimeType: e.Mimetype,
			Filename: e.Filename,
			Caption:  e.Caption,
		}
	}
	return msg
}

// EventFromMessage builds the forwarded representation of msg.
func EventFromMessage(msg *channels.IncomingMessage) Event {
	ev := Event{
		Channel:   msg.Channel,
		From:      msg.ChatID,
		PushName:  msg.FromName,
		MessageID: msg.ID,
		Type:      string(msg.Type),
		IsGroup:   msg.IsGroup,
		SavedPath: msg.SavedPath,
	}
	if !msg.Timestamp.IsZero() {
		ev.Timestamp = msg.Timestamp.Unix()
	}
	if msg.Media == nil {
		ev.Text = msg.Content
		return ev
	}
	ev.Caption = msg.Media.Caption
	ev.Mimetype = msg.Media.MimeType
	ev.Filename = msg.Media.Filename
	return ev
}
