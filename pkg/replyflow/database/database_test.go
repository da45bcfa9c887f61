package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLite(t *testing.T) {
	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer db.Close()

	if db.Dialect != DialectSQLite {
		t.Errorf("expected sqlite dialect, got %q", db.Dialect)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestMigrate(t *testing.T) {
	db, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrations := []Migration{
		{Version: 1, SQL: `CREATE TABLE a (id INTEGER PRIMARY KEY)`},
		{Version: 2, SQL: `CREATE TABLE b (id INTEGER PRIMARY KEY)`},
	}

	for i := 0; i < 2; i++ {
		if err := db.Migrate(ctx, "test", migrations); err != nil {
			t.Fatalf("Migrate run %d failed: %v", i+1, err)
		}
	}

	version, err := db.CurrentVersion(ctx, "test")
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	other, err := db.CurrentVersion(ctx, "other")
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if other != 0 {
		t.Errorf("expected untouched component at 0, got %d", other)
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ?"

	sqlite := &DB{Dialect: DialectSQLite}
	if got := sqlite.Rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}

	pg := &DB{Dialect: DialectPostgres}
	want := "SELECT * FROM t WHERE a = $1 AND b = $2"
	if got := pg.Rebind(q); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestPostgreSQLDSN(t *testing.T) {
	t.Run("explicit dsn", func(t *testing.T) {
		dsn := "postgres://u:p@db:5432/x"
		if got := PostgreSQLDSN(PostgreSQLConfig{DSN: dsn, Host: "ignored"}); got != dsn {
			t.Errorf("expected %q, got %q", dsn, got)
		}
	})

	t.Run("fields", func(t *testing.T) {
		got := PostgreSQLDSN(PostgreSQLConfig{
			Host: "db", Port: 5433, User: "bot", Password: "pw", Database: "chat", SSLMode: "require",
		})
		want := "host=db port=5433 user=bot password=pw dbname=chat sslmode=require"
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	})
}
