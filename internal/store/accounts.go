package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Account is an owner record from the user directory. This pipeline
// only reads accounts; registration and preference edits live in the
// user-facing service.
type Account struct {
	ID       string
	Email    string
	FullName string

	// Language is the preferred language for analysis text and
	// notification email (e.g. "English", "Dutch").
	Language string

	// NotificationTime is the local time-of-day the owner wants their
	// daily summary, as "HH:MM".
	NotificationTime string

	// IntervalHours is the notification cadence (12 or 24).
	IntervalHours int

	// UTCOffsetMinutes converts UTC to the owner's local time.
	UTCOffsetMinutes int
}

// AccountStore reads the account directory.
type AccountStore struct {
	db *sql.DB
}

// NewAccountStore creates an account store using an existing database
// connection. The table is migrated here so a fresh database is
// self-contained, but rows are written by the user service, not by
// this pipeline.
func NewAccountStore(db *sql.DB) (*AccountStore, error) {
	s := &AccountStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate accounts: %w", err)
	}
	return s, nil
}

func (s *AccountStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT 'English',
			notification_time TEXT NOT NULL DEFAULT '09:00',
			interval_hours INTEGER NOT NULL DEFAULT 24,
			utc_offset_minutes INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

const accountColumns = `id, email, full_name, language, notification_time, interval_hours, utc_offset_minutes`

// GetByID returns the account with the given id, or ErrNotFound.
func (s *AccountStore) GetByID(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// GetEmailByID returns the account's email address, or ErrNotFound.
func (s *AccountStore) GetEmailByID(id string) (string, error) {
	var email string
	err := s.db.QueryRow(`SELECT email FROM accounts WHERE id = ?`, id).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query account email: %w", err)
	}
	return email, nil
}

// ListAll returns every account in the directory.
func (s *AccountStore) ListAll() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.FullName, &a.Language, &a.NotificationTime,
		&a.IntervalHours, &a.UTCOffsetMinutes)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
