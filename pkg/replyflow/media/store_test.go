package media

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	return New(cfg, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func TestSave(t *testing.T) {
	s := newTestStore(t, Config{})
	fixed := time.UnixMilli(1700000000123)
	s.now = func() time.Time { return fixed }

	t.Run("names file by kind, time and id", func(t *testing.T) {
		saved, err := s.Save(context.Background(), SaveRequest{Data: pngHeader})
		if err != nil {
			t.Fatal(err)
		}
		if !regexp.MustCompile(`^image_1700000000123_[0-9a-f]{8}\.png$`).MatchString(saved.Filename) {
			t.Errorf("unexpected filename %q", saved.Filename)
		}
		if saved.MimeType != "image/png" || saved.Kind != KindImage || saved.Size != int64(len(pngHeader)) {
			t.Errorf("unexpected metadata %+v", saved)
		}
		data, err := os.ReadFile(saved.Path)
		if err != nil || string(data) != string(pngHeader) {
			t.Errorf("file content mismatch: %v", err)
		}
	})

	t.Run("keeps document extension", func(t *testing.T) {
		saved, err := s.Save(context.Background(), SaveRequest{
			Data:     []byte("%PDF-1.4"),
			MimeType: "application/pdf",
			Filename: "../../etc/report.PDF",
			Kind:     KindDocument,
		})
		if err != nil {
			t.Fatal(err)
		}
		if filepath.Dir(saved.Path) != s.Dir() || filepath.Ext(saved.Filename) != ".pdf" {
			t.Errorf("unexpected path %q", saved.Path)
		}
	})

	t.Run("strips MIME parameters", func(t *testing.T) {
		saved, err := s.Save(context.Background(), SaveRequest{Data: []byte("OggS"), MimeType: "audio/ogg; codecs=opus"})
		if err != nil {
			t.Fatal(err)
		}
		if saved.Kind != KindAudio || filepath.Ext(saved.Filename) != ".ogg" {
			t.Errorf("unexpected %+v", saved)
		}
	})

	t.Run("rejects empty and oversized", func(t *testing.T) {
		if _, err := s.Save(context.Background(), SaveRequest{}); !errors.Is(err, ErrEmpty) {
			t.Errorf("expected ErrEmpty, got %v", err)
		}
		small := newTestStore(t, Config{MaxFileSize: 4})
		if _, err := small.Save(context.Background(), SaveRequest{Data: pngHeader}); !errors.Is(err, ErrTooLarge) {
			t.Errorf("expected ErrTooLarge, got %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	s := newTestStore(t, Config{MaxFileSize: 1024})
	path := filepath.Join(t.TempDir(), "photo.png")
	os.WriteFile(path, pngHeader, 0o644)

	data, mime, err := s.Load(path)
	if err != nil || mime != "image/png" || len(data) != len(pngHeader) {
		t.Fatalf("Load = %d bytes, %q, %v", len(data), mime, err)
	}

	if _, _, err := s.Load(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if _, _, err := s.Load(t.TempDir()); err == nil {
		t.Error("expected error for a directory")
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t, Config{Retention: time.Hour})
	now := time.Now()
	s.now = func() time.Time { return now }

	old := filepath.Join(s.Dir(), "image_old.png")
	fresh := filepath.Join(s.Dir(), "image_new.png")
	os.WriteFile(old, pngHeader, 0o644)
	os.WriteFile(fresh, pngHeader, 0o644)
	os.Chtimes(old, now.Add(-2*time.Hour), now.Add(-2*time.Hour))

	n, err := s.Purge(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Purge = %d, %v", n, err)
	}
	if _, err := os.Stat(old); !errors.Is(err, os.ErrNotExist) {
		t.Error("old file survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file removed")
	}

	t.Run("no retention keeps everything", func(t *testing.T) {
		keep := newTestStore(t, Config{})
		if n, err := keep.Purge(context.Background()); n != 0 || err != nil {
			t.Errorf("Purge = %d, %v", n, err)
		}
	})

	t.Run("missing dir is fine", func(t *testing.T) {
		gone := newTestStore(t, Config{Dir: filepath.Join(t.TempDir(), "nope"), Retention: time.Hour})
		if n, err := gone.Purge(context.Background()); n != 0 || err != nil {
			t.Errorf("Purge = %d, %v", n, err)
		}
	})
}
