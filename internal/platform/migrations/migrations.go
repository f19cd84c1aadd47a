// Package migrations applies the embedded, additive-only SQL migrations that
// define the event governance schema. Migrations are plain numbered .sql
// files executed in filename order; there are no down-migrations, matching
// the "never drop columns" policy in SPEC_FULL.md §6.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
)

//go:embed *.sql
var files embed.FS

// Apply executes every embedded migration file, in sorted filename order,
// against db. It is safe to call on every process start: each migration uses
// CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS so re-application is
// a no-op once the schema already exists.
func Apply(ctx context.Context, db *sql.DB) error {
	entries, err := files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}
