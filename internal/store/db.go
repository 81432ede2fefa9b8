package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/matheus3301/swoon/internal/bus"
)

// DB wraps the SQLite connection for the profile-owned swoon.db. Writes to
// the messages and calls tables are announced on the bus as Change events.
type DB struct {
	*sql.DB
	bus *bus.Bus
	now func() time.Time
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// b may be nil, in which case no change events are published.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b, now: time.Now}, nil
}

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func (db *DB) timestamp() string {
	return db.now().UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
