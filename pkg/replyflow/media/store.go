// Package media persists inbound attachments to disk and loads outbound
// ones for the gateway send endpoints.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmpty    = errors.New("media: no data")
	ErrTooLarge = errors.New("media: file too large")
)

// Config configures the Store.
type Config struct {
	// Dir is where inbound media is saved.
	Dir string `yaml:"dir"`

	// MaxFileSize caps saved and loaded files in bytes (0 = unlimited).
	MaxFileSize int64 `yaml:"max_file_size"`

	// Retention is how long saved files are kept (0 = forever).
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Dir:         "./received_media",
		MaxFileSize: 64 * 1024 * 1024,
		Retention:   7 * 24 * time.Hour,
	}
}

// SaveRequest describes a file to store.
type SaveRequest struct {
	Data     []byte
	MimeType string
	// Filename is the original name; only its extension is kept.
	Filename string
	// Kind overrides the kind derived from the MIME type.
	Kind Kind
}

// Saved describes a stored file.
type Saved struct {
	Path     string    `json:"path"`
	Filename string    `json:"filename"`
	MimeType string    `json:"mime_type"`
	Kind     Kind      `json:"kind"`
	Size     int64     `json:"size"`
	SavedAt  time.Time `json:"saved_at"`
}

// Store saves media to a flat directory.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Store.
func New(cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	return &Store{
		cfg:    cfg,
		logger: logger.With("component", "media"),
		now:    time.Now,
	}
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.cfg.Dir }

// Retention returns the configured retention.
func (s *Store) Retention() time.Duration { return s.cfg.Retention }

// EnsureDir creates the storage directory.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating media dir %s: %w", s.cfg.Dir, err)
	}
	return nil
}

// Save writes the payload as <kind>_<unixms>_<id8><ext>.
func (s *Store) Save(ctx context.Context, req SaveRequest) (*Saved, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSize(int64(len(req.Data)), s.cfg.MaxFileSize); err != nil {
		return nil, err
	}
	if err := s.EnsureDir(); err != nil {
		return nil, err
	}

	mime := BaseMIME(req.MimeType)
	if mime == "" {
		mime = DetectMimeType(req.Data, req.Filename)
	}
	kind := req.Kind
	if kind == "" {
		kind = KindFor(mime)
	}

	ext := strings.ToLower(filepath.Ext(sanitizeFilename(req.Filename)))
	if ext == "" {
		ext = ExtensionFor(mime)
	}

	now := s.now()
	name := fmt.Sprintf("%s_%d_%s%s", kind, now.UnixMilli(), uuid.NewString()[:8], ext)
	path := filepath.Join(s.cfg.Dir, name)

	if err := os.WriteFile(path, req.Data, 0o644); err != nil {
		return nil, fmt.Errorf("writing media: %w", err)
	}

	s.logger.Debug("media saved", "path", path, "mime", mime, "size", len(req.Data))
	return &Saved{
		Path:     path,
		Filename: name,
		MimeType: mime,
		Kind:     kind,
		Size:     int64(len(req.Data)),
		SavedAt:  now,
	}, nil
}

// Load reads a local file for sending and detects its MIME type.
func (s *Store) Load(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("media: %w", err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("media: %s is a directory", path)
	}
	if err := ValidateSize(info.Size(), s.cfg.MaxFileSize); err != nil {
		return nil, "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("media: reading %s: %w", path, err)
	}
	return data, DetectMimeType(data, path), nil
}

// Purge deletes files older than the retention period. It returns the
// number of removed files.
func (s *Store) Purge(ctx context.Context) (int, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("listing media dir: %w", err)
	}

	cutoff := s.now().Add(-s.cfg.Retention)
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.Dir, entry.Name())
		if err := os.Remove(path); err != nil {
			s.logger.Warn("media purge failed", "path", path, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("media purged", "removed", removed, "retention", s.cfg.Retention)
	}
	return removed, nil
}
