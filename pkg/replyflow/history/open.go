package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jholhewres/replyflow/pkg/replyflow/database"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config selects and configures the history backend.
type Config struct {
	// Backend is one of "file" (default), "sqlite", "postgres" or "memory".
	Backend string `yaml:"backend"`

	// MaxTurns is the number of user/assistant pairs kept per key.
	MaxTurns int `yaml:"max_turns"`

	// Dir is the directory used by the file backend.
	Dir string `yaml:"dir"`

	SQLite   database.SQLiteConfig     `yaml:"sqlite"`
	Postgres database.PostgreSQLConfig `yaml:"postgres"`
}

// Lister is implemented by backends that can enumerate stored keys.
type Lister interface {
	Keys(ctx context.Context) ([]string, error)
}

// Open builds the backend named in cfg.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileBackend(cfg.Dir)
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite:
		db, err := database.OpenSQLite(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		b, err := NewSQLBackend(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return b, nil
	case BackendPostgres:
		db, err := database.OpenPostgreSQL(cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		b, err := NewSQLBackend(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
