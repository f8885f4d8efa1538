// Package dbtest opens migrated in-memory databases for tests.
package dbtest

import (
	"database/sql"
	"testing"

	"keybridge/internal/config"
	"keybridge/internal/db"
	"keybridge/migrations"
)

// Open returns an empty, fully migrated in-memory database closed at test cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()

	conn, err := db.NewDatabase(&config.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.MigrateUp(conn, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}
