package database

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// userVersion reports the schema version recorded in PRAGMA user_version.
func userVersion(conn *sql.DB) (int, error) {
	var v int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading user_version: %w", err)
	}
	return v, nil
}

func setUserVersion(conn *sql.DB, v int) error {
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("recording schema version %d: %w", v, err)
	}
	return nil
}

// hasTable reports whether a table of the given name exists.
func hasTable(conn *sql.DB, name string) (bool, error) {
	var n int
	err := conn.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("looking up table %s: %w", name, err)
	}
	return n > 0, nil
}

// baseline returns the version to start from. A store whose jobs table was
// created without a recorded version already matches the first step.
func baseline(conn *sql.DB) (int, error) {
	v, err := userVersion(conn)
	if err != nil || v > 0 {
		return v, err
	}
	unversioned, err := hasTable(conn, "jobs")
	if err != nil || !unversioned {
		return 0, err
	}
	slog.Info("unversioned job store found, treating it as version 1", "component", "database")
	return 1, setUserVersion(conn, 1)
}

// applyStep runs one migration in its own transaction. The version pragma is
// written after commit because modernc sqlite ignores it inside a transaction;
// the DDL is idempotent so a crash in between only repeats the step.
func applyStep(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	if _, err := tx.Exec(m.DDL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d: commit: %w", m.Version, err)
	}
	return setUserVersion(conn, m.Version)
}

// migrate applies every pending step in order.
func migrate(conn *sql.DB) error {
	from, err := baseline(conn)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= from {
			continue
		}
		slog.Info("migrating job store", "component", "database",
			"from", from, "to", m.Version, "step", m.Description)
		if err := applyStep(conn, m); err != nil {
			return err
		}
		from = m.Version
	}
	return nil
}

// SchemaVersion returns the schema version recorded in the open store.
func (db *DB) SchemaVersion() (int, error) {
	return userVersion(db.conn)
}
