package database

import (
	"context"
	"fmt"
)

// Migration is one versioned schema step.
type Migration struct {
	Version int
	SQL     string
}

// Migrate applies every migration newer than the recorded schema version.
// Statements must be valid for the DB's dialect.
func (d *DB) Migrate(ctx context.Context, component string, migrations []Migration) error {
	_, err := d.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			component TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (component, version)
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := d.CurrentVersion(ctx, component)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := d.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply %s migration %d: %w", component, m.Version, err)
		}
		_, err := d.ExecContext(ctx,
			d.Rebind("INSERT INTO schema_version (component, version) VALUES (?, ?)"),
			component, m.Version)
		if err != nil {
			return fmt.Errorf("record %s migration %d: %w", component, m.Version, err)
		}
	}
	return nil
}

// CurrentVersion returns the highest applied migration for component.
func (d *DB) CurrentVersion(ctx context.Context, component string) (int, error) {
	var version int
	err := d.QueryRowContext(ctx,
		d.Rebind("SELECT COALESCE(MAX(version), 0) FROM schema_version WHERE component = ?"),
		component).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
