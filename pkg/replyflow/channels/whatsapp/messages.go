package whatsapp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jholhewres/replyflow/pkg/replyflow/channels"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// buildTextMessage builds a plain conversation message, or an extended
// text quoting replyTo when set.
func buildTextMessage(text, replyTo string, chat types.JID) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String(replyTo),
				Participant: proto.String(chat.String()),
			},
		},
	}
}

func mediaTypeFor(t channels.MessageType) (whatsmeow.MediaType, error) {
	switch t {
	case channels.MessageImage, channels.MessageSticker:
		return whatsmeow.MediaImage, nil
	case channels.MessageVideo:
		return whatsmeow.MediaVideo, nil
	case channels.MessageAudio:
		return whatsmeow.MediaAudio, nil
	case channels.MessageDocument:
		return whatsmeow.MediaDocument, nil
	default:
		return "", fmt.Errorf("%w: %s", channels.ErrMediaNotSupported, t)
	}
}

// buildMediaMessage uploads the payload and wraps the upload reference in
// the message type WhatsApp expects.
func (w *WhatsApp) buildMediaMessage(ctx context.Context, media *channels.MediaMessage) (*waE2E.Message, error) {
	if len(media.Data) == 0 {
		return nil, fmt.Errorf("empty media payload")
	}
	mediaType, err := mediaTypeFor(media.Type)
	if err != nil {
		return nil, err
	}

	mime := media.MimeType
	if mime == "" {
		mime = http.DetectContentType(media.Data)
	}

	up, err := w.client.Upload(ctx, media.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	var caption *string
	if media.Caption != "" {
		caption = proto.String(media.Caption)
	}

	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil

	default:
		filename := media.Filename
		if filename == "" {
			filename = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       caption,
			FileName:      proto.String(filename),
			Title:         proto.String(filename),
			Mimetype:      proto.String(mime),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

// downloadMedia fetches and decrypts media referenced by an incoming
// message.
func (w *WhatsApp) downloadMedia(ctx context.Context, info *channels.MediaInfo) ([]byte, string, error) {
	msg, ok := info.Raw.(whatsmeow.DownloadableMessage)
	if !ok {
		return nil, "", fmt.Errorf("%w: no downloadable reference", channels.ErrMediaDownloadFailed)
	}
	data, err := w.client.Download(ctx, msg)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", channels.ErrMediaDownloadFailed, err)
	}
	return data, info.MimeType, nil
}
