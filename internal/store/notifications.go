package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KindPlantHealth is the only notification kind this pipeline emits.
const KindPlantHealth = "plant_health"

// Notification is the per-device cooldown marker: when the owner was
// last notified, and why. At most one row exists per device.
type Notification struct {
	ID       string
	DeviceID string
	LastSent time.Time
	Kind     string
}

// NotificationStore manages the notification ledger. Its
// upsert-by-device semantics are the serialization point between the
// live-traffic and scheduled analysis paths.
type NotificationStore struct {
	db *sql.DB
}

// NewNotificationStore creates a notification store using an existing
// database connection and migrates its schema.
func NewNotificationStore(db *sql.DB) (*NotificationStore, error) {
	s := &NotificationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate notifications: %w", err)
	}
	return s, nil
}

func (s *NotificationStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL UNIQUE,
			last_sent TEXT NOT NULL,
			kind TEXT NOT NULL
		);
	`)
	return err
}

// GetByDeviceID returns the device's notification record, or
// ErrNotFound if the device has never been notified.
func (s *NotificationStore) GetByDeviceID(deviceID string) (*Notification, error) {
	var n Notification
	var lastSent string

	err := s.db.QueryRow(`SELECT id, device_id, last_sent, kind FROM notifications WHERE device_id = ?`,
		deviceID).Scan(&n.ID, &n.DeviceID, &lastSent, &n.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	if n.LastSent, err = parseTime(lastSent); err != nil {
		return nil, err
	}
	return &n, nil
}

// Create persists a new notification record, assigning its id.
func (s *NotificationStore) Create(n *Notification) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate notification id: %w", err)
	}
	n.ID = id.String()
	if n.Kind == "" {
		n.Kind = KindPlantHealth
	}

	_, err = s.db.Exec(`INSERT INTO notifications (id, device_id, last_sent, kind) VALUES (?, ?, ?, ?)`,
		n.ID, n.DeviceID, formatTime(n.LastSent), n.Kind)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ReplaceByID overwrites the record with the given id.
func (s *NotificationStore) ReplaceByID(n *Notification) error {
	res, err := s.db.Exec(`UPDATE notifications SET device_id = ?, last_sent = ?, kind = ? WHERE id = ?`,
		n.DeviceID, formatTime(n.LastSent), n.Kind, n.ID)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert records that the device's owner was notified at the given
// time: create the record if absent, otherwise overwrite its
// timestamp. The single atomic statement makes concurrent triggers for
// the same device converge on one row.
func (s *NotificationStore) Upsert(deviceID string, sentAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate notification id: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO notifications (id, device_id, last_sent, kind)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET last_sent = excluded.last_sent, kind = excluded.kind
	`, id.String(), deviceID, formatTime(sentAt), KindPlantHealth)
	if err != nil {
		return fmt.Errorf("upsert notification: %w", err)
	}
	return nil
}
