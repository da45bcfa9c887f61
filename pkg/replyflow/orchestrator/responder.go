package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"github.com/jholhewres/replyflow/pkg/replyflow/media"
)

// MediaDownloader fetches the bytes of an inbound attachment.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error)
}

// mediaLabels names attachment kinds in acknowledgements.
var mediaLabels = map[channels.MessageType]string{
	channels.MessageImage:    "image",
	channels.MessageVideo:    "video",
	channels.MessageAudio:    "voice message",
	channels.MessageDocument: "document",
	channels.MessageSticker:  "sticker",
}

// mediaReply is the static acknowledgement for a non-text message.
func mediaReply(msg *channels.IncomingMessage) string {
	label, ok := mediaLabels[msg.Type]
	if !ok {
		return fmt.Sprintf("Received a message of type: %s", msg.Type)
	}

	var b strings.Builder
	if msg.Type == channels.MessageDocument {
		name := "unknown"
		if msg.Media != nil && msg.Media.Filename != "" {
			name = msg.Media.Filename
		}
		fmt.Fprintf(&b, "Received your document\nFile name: %s", name)
	} else {
		fmt.Fprintf(&b, "Received your %s", label)
		if msg.SavedPath != "" {
			b.WriteString(", saved")
		}
	}
	if msg.SavedPath != "" {
		fmt.Fprintf(&b, "\nFile path: %s", msg.SavedPath)
	}
	return b.String()
}

// mediaKind maps a message type to the media store kind.
func mediaKind(t channels.MessageType) media.Kind {
	switch t {
	case channels.MessageImage, channels.MessageSticker:
		return media.KindImage
	case channels.MessageVideo:
		return media.KindVideo
	case channels.MessageAudio:
		return media.KindAudio
	default:
		return media.KindDocument
	}
}

// saveMedia downloads the attachment of msg into the media store and sets
// msg.SavedPath. Failures are logged; the message is still answered.
func (o *Orchestrator) saveMedia(ctx context.Context, msg *channels.IncomingMessage) {
	if !o.cfg.SaveMedia || o.media == nil || o.downloader == nil {
		return
	}
	if msg.Media == nil || msg.SavedPath != "" {
		return
	}

	data, mime, err := o.downloader.DownloadMedia(ctx, msg)
	if err != nil {
		o.logger.Warn("media download failed", "key", msg.Key(), "type", msg.Type, "error", err)
		return
	}
	if mime == "" {
		mime = msg.Media.MimeType
	}

	saved, err := o.media.Save(ctx, media.SaveRequest{
		Data:     data,
		MimeType: mime,
		Filename: msg.Media.Filename,
		Kind:     mediaKind(msg.Type),
	})
	if err != nil {
		o.logger.Warn("media save failed", "key", msg.Key(), "type", msg.Type, "error", err)
		return
	}
	msg.SavedPath = saved.Path
	o.logger.Info("media saved", "key", msg.Key(), "path", saved.Path, "size", saved.Size)
}
