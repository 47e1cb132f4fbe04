// Package store provides sqlite-backed persistence for devices,
// sensor readings, the notification ledger, and the read-only account
// directory.
//
// Each store migrates its own schema on construction and is safe for
// concurrent use; per-row upsert/replace statements are the
// serialization boundary between the ingestion and scheduler paths.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by lookups and writes. Callers that need to
// distinguish "absent" from "broken" match with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateDevice indicates a device with the same public id is
	// already registered.
	ErrDuplicateDevice = errors.New("device already registered")
)

// Open opens (creating if necessary) the sqlite database at path using
// the default driver. Foreign keys and a busy timeout are enabled so
// concurrent message handlers don't trip over transient locks.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// timeFormat is RFC3339 with fixed-width nanoseconds. The fixed width
// keeps lexicographic order identical to time order, which the
// created_at range queries and ORDER BY clauses rely on; RFC3339Nano
// would drop trailing fractional zeros and break that at sub-second
// granularity.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp for storage. All times are UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// parseTime parses a stored timestamp, tolerating both second and
// nanosecond precision.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// nullTime renders an optional timestamp for storage.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// scanNullTime parses an optional stored timestamp.
func scanNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
