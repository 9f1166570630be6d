package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Stored timestamps use a fixed-width layout so ORDER BY on the text column
// is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// connPragmas are applied by the driver to every new connection.
var connPragmas = []string{
	"journal_mode(WAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// DB is the job store.
type DB struct {
	conn *sql.DB
}

func dsn(path string) string {
	q := url.Values{"_pragma": connPragmas}
	return path + "?" + q.Encode()
}

// Open opens the job store at path, creating its directory and bringing the
// schema up to date.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	// A single connection serializes writers from concurrent jobs.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating job store: %w", err)
	}
	return &DB{conn: conn}, nil
}

func (db *DB) Close() error { return db.conn.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// parseTime returns the zero time for values it cannot read.
func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
