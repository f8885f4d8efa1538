package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"keybridge/internal/config"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

func InitDB(cfg *config.Config) *sql.DB {
	db, err := NewDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}

	log.Println("Database connection established")
	return db
}

// NewDatabase opens the SQLite file named by cfg.DBPath.
func NewDatabase(cfg *config.Config) (*sql.DB, error) {
	return newDatabaseWithDriver(cfg, driverName)
}

func newDatabaseWithDriver(cfg *config.Config, driver string) (*sql.DB, error) {
	db, err := sql.Open(driver, buildDSN(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}

	// SQLite allows a single writer; one connection keeps every
	// statement serialized and makes :memory: databases shareable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}

	return db, nil
}

func buildDSN(path string) string {
	if path == "" || path == ":memory:" {
		path = ":memory:"
	}
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path,
	)
}

// NowMillis is the timestamp format stored in every *_at column.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored *_at column back to time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
