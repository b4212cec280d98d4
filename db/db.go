package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	duration_s REAL NOT NULL,
	channels INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	finished_at TEXT,
	error TEXT
);

CREATE TABLE IF NOT EXISTS cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id INTEGER NOT NULL REFERENCES experiments(id),
	channel TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	at TEXT NOT NULL,
	cumulative_in_ul REAL NOT NULL,
	cumulative_out_ul REAL NOT NULL,
	syringe_ul REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS faults (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id INTEGER NOT NULL REFERENCES experiments(id),
	channel TEXT NOT NULL,
	at TEXT NOT NULL,
	kind TEXT NOT NULL,
	step TEXT NOT NULL,
	message TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS status_reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment_id INTEGER NOT NULL REFERENCES experiments(id),
	channel TEXT NOT NULL,
	at TEXT NOT NULL,
	cycle INTEGER NOT NULL,
	cumulative_in_ul REAL NOT NULL,
	cumulative_out_ul REAL NOT NULL,
	syringe_ul REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS cycles_channel ON cycles(channel, id);
`

// Open opens (creating if needed) the journal at path and applies the schema. Use
// ":memory:" for a throwaway journal.
func Open(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection, so ":memory:" is the same database for every query
	conn.SetMaxOpenConns(1)

	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("Journal database ready")
	return conn, nil
}

func Migrate(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
