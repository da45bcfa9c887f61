package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is where FileBackend keeps history files when no directory is
// configured.
const DefaultDir = "./chat_history"

var (
	// ErrDecodeFailed wraps a history file that exists but is not valid JSON.
	ErrDecodeFailed = errors.New("history: decode failed")

	// ErrAtomicWriteFailed wraps any failure while replacing a history file.
	ErrAtomicWriteFailed = errors.New("history: atomic write failed")
)

// FileBackend stores each conversation as a pretty-printed JSON array in
// its own file. Files are replaced atomically so a crash never leaves a
// half-written history behind.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create history dir %q: %w", dir, err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the storage directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

// Path returns the file that holds key's history.
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, EncodeKey(key)+".json")
}

// Read implements Backend.
func (b *FileBackend) Read(_ context.Context, key string) ([]Message, error) {
	data, err := os.ReadFile(b.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, b.Path(key), err)
	}
	return msgs, nil
}

// Write implements Backend.
func (b *FileBackend) Write(_ context.Context, key string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return writeAtomic(b.Path(key), data)
}

// Delete implements Backend.
func (b *FileBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.Path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove history file: %w", err)
	}
	return nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

// EncodeKey maps a conversation key to a file name. Every byte outside
// [A-Za-z0-9._~-] is percent-escaped, so distinct keys never share a file
// and "whatsapp:5511@s.whatsapp.net" becomes
// "whatsapp%3A5511%40s.whatsapp.net".
func EncodeKey(key string) string {
	return url.QueryEscape(key)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(name string) (string, error) {
	return url.QueryUnescape(name)
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("%w: write temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("%w: chmod temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrAtomicWriteFailed, path, err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Keys lists the conversation key of every stored history file.
func (b *FileBackend) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("list history dir: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := DecodeKey(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
