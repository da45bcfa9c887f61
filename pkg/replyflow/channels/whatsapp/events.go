package whatsapp

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateBanned       ConnectionState = "banned"
)

// ConnectionEvent represents a connection state change event.
type ConnectionEvent struct {
	State     ConnectionState `json:"state"`
	Previous  ConnectionState `json:"previous,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// ConnectionObserver receives connection state changes.
type ConnectionObserver interface {
	OnConnectionChange(evt ConnectionEvent)
}

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.handleConnected()

	case *events.Disconnected:
		w.handleDisconnected()

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced, another client took over the session")
		w.transition(StateDisconnected, "stream_replaced", nil)

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out", "reason", evt.Reason.String(), "on_connect", evt.OnConnect)
		w.transition(StateDisconnected, "logged_out", map[string]any{"needs_qr": true})

	case *events.TemporaryBan:
		w.connected.Store(false)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)
		w.transition(StateBanned, "temporary_ban", map[string]any{
			"code":   evt.Code.String(),
			"expire": evt.Expire.String(),
		})

	case *events.KeepAliveTimeout:
		w.handleKeepAliveTimeout(evt)

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")
		w.errorCount.Store(0)

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.PairSuccess:
		w.logger.Info("whatsapp: device paired", "jid", evt.ID, "platform", evt.Platform)
	}
}

func (w *WhatsApp) handleConnected() {
	w.connected.Store(true)
	w.errorCount.Store(0)
	w.reconnectAttempts.Store(0)
	w.UpdateLastMsgTime()

	w.logger.Info("whatsapp: connected", "jid", w.clientJID())
	w.transition(StateConnected, "", map[string]any{"jid": w.clientJID()})
}

func (w *WhatsApp) handleDisconnected() {
	previous := w.getState()
	w.logger.Warn("whatsapp: disconnected", "was_connected", w.connected.Load())
	w.connected.Store(false)
	w.transition(StateDisconnected, "connection_lost", nil)

	if previous == StateConnected && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleKeepAliveTimeout forces a reconnect after three consecutive
// keep-alive failures: the socket can look open while being dead.
func (w *WhatsApp) handleKeepAliveTimeout(evt *events.KeepAliveTimeout) {
	w.logger.Warn("whatsapp: keep-alive timeout",
		"error_count", evt.ErrorCount, "last_success", evt.LastSuccess)
	w.errorCount.Add(1)

	if evt.ErrorCount >= 3 && w.getState() == StateConnected {
		w.connected.Store(false)
		w.setState(StateReconnecting)
		go w.attemptReconnect()
	}
}

func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	w.connected.Store(false)
	permanent := evt.PermanentDisconnectDescription()
	w.logger.Error("whatsapp: connect failure",
		"reason", evt.Reason.String(), "message", evt.Message, "permanent", permanent)
	w.transition(StateDisconnected, "connect_failure", map[string]any{
		"reason":    evt.Reason.String(),
		"permanent": permanent,
	})

	if permanent == "" && w.ctx.Err() == nil {
		go w.attemptReconnect()
	}
}

// handleMessageEvt converts a whatsmeow message into an IncomingMessage.
// Own messages, status broadcasts and filtered chats are dropped.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.UpdateLastMsgTime()

	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if !w.accepts(evt.Info.IsGroup) {
		return
	}

	// WhatsApp may address peers by LID; replies go to the phone JID when
	// the store knows it.
	sender := w.resolveJID(evt.Info.Sender)
	chat := w.resolveJID(evt.Info.Chat)

	msg := &channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		Channel:   Name,
		From:      sender,
		FromName:  evt.Info.PushName,
		ChatID:    chat,
		IsGroup:   evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp,
		Metadata: map[string]any{
			"sender_jid": evt.Info.Sender.String(),
			"chat_jid":   evt.Info.Chat.String(),
			"push_name":  evt.Info.PushName,
		},
	}

	if !extractMessageContent(evt.Message, msg) {
		w.logger.Debug("whatsapp: ignoring message without content", "id", msg.ID)
		return
	}
	w.emitMessage(msg)
}

func (w *WhatsApp) accepts(isGroup bool) bool {
	if isGroup {
		return w.cfg.RespondToGroups
	}
	return w.cfg.RespondToDMs
}

func (w *WhatsApp) resolveJID(jid types.JID) string {
	if jid.Server == types.HiddenUserServer && w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			return alt.String()
		}
	}
	return jid.String()
}

// extractMessageContent fills the type, text and media of msg. It returns
// false for protocol messages that carry nothing to answer.
func extractMessageContent(waMsg *waE2E.Message, msg *channels.IncomingMessage) bool {
	if waMsg == nil {
		return false
	}
	if inner := waMsg.GetDocumentWithCaptionMessage().GetMessage(); inner != nil {
		waMsg = inner
	}

	switch {
	case waMsg.Conversation != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetConversation()

	case waMsg.ExtendedTextMessage != nil:
		msg.Type = channels.MessageText
		msg.Content = waMsg.GetExtendedTextMessage().GetText()
		if id := waMsg.GetExtendedTextMessage().GetContextInfo().GetStanzaID(); id != "" {
			msg.Metadata["reply_to"] = id
		}

	case waMsg.ImageMessage != nil:
		img := waMsg.GetImageMessage()
		msg.Type = channels.MessageImage
		msg.Content = img.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageImage,
			MimeType: orDefault(img.GetMimetype(), "image/jpeg"),
			FileSize: img.GetFileLength(),
			Caption:  img.GetCaption(),
			Raw:      img,
		}

	case waMsg.VideoMessage != nil:
		video := waMsg.GetVideoMessage()
		msg.Type = channels.MessageVideo
		msg.Content = video.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageVideo,
			MimeType: orDefault(video.GetMimetype(), "video/mp4"),
			FileSize: video.GetFileLength(),
			Caption:  video.GetCaption(),
			Raw:      video,
		}

	case waMsg.AudioMessage != nil:
		audio := waMsg.GetAudioMessage()
		msg.Type = channels.MessageAudio
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			MimeType: orDefault(audio.GetMimetype(), "audio/ogg"),
			FileSize: audio.GetFileLength(),
			Raw:      audio,
		}
		msg.Metadata["ptt"] = audio.GetPTT()

	case waMsg.DocumentMessage != nil:
		doc := waMsg.GetDocumentMessage()
		msg.Type = channels.MessageDocument
		msg.Content = doc.GetCaption()
		msg.Media = &channels.MediaInfo{
			Type:     channels.MessageDocument,
			MimeType: orDefault(doc.GetMimetype(), "application/octet-stream"),
			Filename: orDefault(doc.GetFileName(), "unknown"),
			FileSize: doc.GetFileLength(),
			Caption:  doc.GetCaption(),
			Raw:      doc,
		}

	case waMsg.StickerMessage != nil:
		msg.Type = channels.MessageSticker

	case waMsg.LocationMessage != nil:
		loc := waMsg.GetLocationMessage()
		msg.Type = channels.MessageLocation
		msg.Content = fmt.Sprintf("[location: %.6f, %.6f]", loc.GetDegreesLatitude(), loc.GetDegreesLongitude())

	case waMsg.ContactMessage != nil:
		msg.Type = channels.MessageContact
		msg.Content = fmt.Sprintf("[contact: %s]", waMsg.GetContactMessage().GetDisplayName())

	case waMsg.ReactionMessage != nil:
		msg.Type = channels.MessageReaction
		msg.Content = waMsg.GetReactionMessage().GetText()

	default:
		return false
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// parseJID converts a string to a JID. Accepts full JIDs
// ("5511999999999@s.whatsapp.net", "123-456@g.us") and bare phone numbers
// in any formatting.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 8 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
