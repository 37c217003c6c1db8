package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward step applied to an existing database. Cortex
// resolves spec §9 Open Question 2 ("is schema evolution in scope?") by
// keeping a versioned migration list the way the teacher's
// internal/storage/sqlite package does, rather than assuming a fresh
// database on every open.
type migration struct {
	name string
	fn   func(ctx context.Context, db *sql.DB) error
}

// migrationsList is intentionally empty at v0: cortex_schema_version is
// wired up from the start so the first real migration (whenever one is
// needed) has somewhere to record itself, instead of retrofitting
// versioning onto an un-versioned schema later.
var migrationsList = []migration{}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM cortex_schema_version WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrationsList); i++ {
		m := migrationsList[i]
		if err := m.fn(ctx, s.db); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE cortex_schema_version SET version = ? WHERE id = 1`, i+1); err != nil {
			return fmt.Errorf("record migration %q: %w", m.name, err)
		}
	}
	return nil
}
