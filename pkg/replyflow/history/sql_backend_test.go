package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jholhewres/replyflow/pkg/replyflow/database"
)

func TestSQLBackend_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "history.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}

	b, err := NewSQLBackend(ctx, db)
	if err != nil {
		t.Fatalf("NewSQLBackend failed: %v", err)
	}
	defer b.Close()

	s := NewStore(b, 1, testLogger())

	if got := s.Load(ctx, "K"); len(got) != 0 {
		t.Errorf("expected empty history, got %+v", got)
	}
	if _, err := s.Append(ctx, "K", pair("hi", "hello")...); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	got, err := s.Append(ctx, "K", pair("again", "welcome back")...)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !equalMessages(got, pair("again", "welcome back")) {
		t.Errorf("unexpected trimmed history %+v", got)
	}
	if loaded := s.Load(ctx, "K"); !equalMessages(loaded, got) {
		t.Errorf("load after append mismatch: %+v vs %+v", loaded, got)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "K" {
		t.Errorf("unexpected keys %v", keys)
	}

	if err := s.Clear(ctx, "K"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if got := s.Load(ctx, "K"); len(got) != 0 {
		t.Errorf("expected empty history after clear, got %+v", got)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("file default", func(t *testing.T) {
		b, err := Open(ctx, Config{Dir: t.TempDir()}, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := b.(*FileBackend); !ok {
			t.Errorf("expected *FileBackend, got %T", b)
		}
	})

	t.Run("memory", func(t *testing.T) {
		b, err := Open(ctx, Config{Backend: BackendMemory}, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := b.(*MemoryBackend); !ok {
			t.Errorf("expected *MemoryBackend, got %T", b)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		b, err := Open(ctx, Config{
			Backend: BackendSQLite,
			SQLite:  database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "h.db")},
		}, testLogger())
		if err != nil {
			t.Fatal(err)
		}
		defer b.Close()
		if _, ok := b.(*SQLBackend); !ok {
			t.Errorf("expected *SQLBackend, got %T", b)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := Open(ctx, Config{Backend: "redis"}, testLogger()); err == nil {
			t.Error("expected error for unknown backend")
		}
	})
}
