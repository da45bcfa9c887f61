package media

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// Kind categorizes stored media. Values match the channel message types.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

// extByMIME maps common MIME types to file extensions.
var extByMIME = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/3gpp":      ".3gp",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/mp3":       ".mp3",
	"audio/ogg":       ".ogg",
	"audio/wav":       ".wav",
	"audio/webm":      ".weba",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/json": ".json",
	"text/plain":       ".txt",
	"text/csv":         ".csv",
}

// mimeByExt covers extensions http.DetectContentType cannot sniff.
var mimeByExt = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".opus": "audio/ogg",
	".wav":  "audio/wav",
	".weba": "audio/webm",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".3gp":  "video/3gpp",
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".json": "application/json",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".txt":  "text/plain",
}

// BaseMIME strips parameters ("audio/ogg; codecs=opus" -> "audio/ogg").
func BaseMIME(mime string) string {
	base, _, _ := strings.Cut(mime, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// DetectMimeType sniffs data and falls back to the filename extension
// when sniffing is inconclusive.
func DetectMimeType(data []byte, filename string) string {
	detected := BaseMIME(http.DetectContentType(data))
	ext := strings.ToLower(filepath.Ext(filename))

	switch detected {
	case "application/octet-stream", "text/plain", "application/zip":
		if m, ok := mimeByExt[ext]; ok {
			return m
		}
	}
	return detected
}

// ExtensionFor returns a file extension (with dot) for a MIME type.
// Unknown types fall back to their sanitized subtype, then ".bin".
func ExtensionFor(mime string) string {
	base := BaseMIME(mime)
	if ext, ok := extByMIME[base]; ok {
		return ext
	}
	_, sub, ok := strings.Cut(base, "/")
	if !ok {
		return ".bin"
	}
	sub = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, sub)
	if sub == "" || len(sub) > 8 {
		return ".bin"
	}
	return "." + sub
}

// KindFor maps a MIME type to a media kind.
func KindFor(mime string) Kind {
	base := BaseMIME(mime)
	switch {
	case strings.HasPrefix(base, "image/"):
		return KindImage
	case base == "video/ogg", strings.HasPrefix(base, "audio/"):
		return KindAudio
	case strings.HasPrefix(base, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

// ValidateSize checks a payload against a byte limit (0 = unlimited).
func ValidateSize(size, limit int64) error {
	if size == 0 {
		return ErrEmpty
	}
	if limit > 0 && size > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, size, limit)
	}
	return nil
}

// sanitizeFilename keeps the base name and drops control characters.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "." || s == "/" {
		return ""
	}
	if len(s) > 128 {
		ext := filepath.Ext(s)
		s = s[:128-len(ext)] + ext
	}
	return s
}
