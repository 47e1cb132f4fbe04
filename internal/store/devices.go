package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Device maps a physical unit's public id to an owning account.
type Device struct {
	ID        string `json:"id"`
	PublicID  string `json:"esp32_id"`
	Name      string `json:"name"`
	OwnerID   string `json:"user_id,omitempty"` // empty until claimed
	IsActive  bool   `json:"is_active"`
	CreatedAt time.Time
	LastSeen  *time.Time

	// Per-sensor inclusion flags control which channels are described
	// to the analysis provider. All default to true at registration.
	IncludeLight       bool `json:"include_light_sensor"`
	IncludeMoisture    bool `json:"include_moisture_sensor"`
	IncludeTemperature bool `json:"include_temperature_sensor"`
	IncludeHumidity    bool `json:"include_humidity_sensor"`
	IncludeSalt        bool `json:"include_salt_sensor"`
	IncludeBattery     bool `json:"include_battery_sensor"`
}

// DeviceStore manages device persistence.
type DeviceStore struct {
	db *sql.DB
}

// NewDeviceStore creates a device store using an existing database
// connection and migrates its schema.
func NewDeviceStore(db *sql.DB) (*DeviceStore, error) {
	s := &DeviceStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate devices: %w", err)
	}
	return s, nil
}

func (s *DeviceStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS devices (
			id TEXT PRIMARY KEY,
			public_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			last_seen TEXT,
			include_light INTEGER NOT NULL DEFAULT 1,
			include_moisture INTEGER NOT NULL DEFAULT 1,
			include_temperature INTEGER NOT NULL DEFAULT 1,
			include_humidity INTEGER NOT NULL DEFAULT 1,
			include_salt INTEGER NOT NULL DEFAULT 1,
			include_battery INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_id);
	`)
	return err
}

const deviceColumns = `id, public_id, name, owner_id, is_active, created_at, last_seen,
	include_light, include_moisture, include_temperature, include_humidity, include_salt, include_battery`

// Create persists a new device. The id and created timestamp are
// assigned here. Returns ErrDuplicateDevice if the public id is taken.
func (s *DeviceStore) Create(d *Device) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate device id: %w", err)
	}
	d.ID = id.String()
	d.CreatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.PublicID, d.Name, d.OwnerID, d.IsActive, formatTime(d.CreatedAt), nullTime(d.LastSeen),
		d.IncludeLight, d.IncludeMoisture, d.IncludeTemperature, d.IncludeHumidity, d.IncludeSalt, d.IncludeBattery)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("public id %s: %w", d.PublicID, ErrDuplicateDevice)
		}
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// GetByID returns the device with the given internal id, or
// ErrNotFound.
func (s *DeviceStore) GetByID(id string) (*Device, error) {
	return s.getWhere("id = ?", id)
}

// GetByPublicID returns the device with the given public id, or
// ErrNotFound.
func (s *DeviceStore) GetByPublicID(publicID string) (*Device, error) {
	return s.getWhere("public_id = ?", publicID)
}

func (s *DeviceStore) getWhere(cond string, arg any) (*Device, error) {
	row := s.db.QueryRow(`SELECT `+deviceColumns+` FROM devices WHERE `+cond, arg)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

// ListByOwner returns all devices claimed by the given account.
func (s *DeviceStore) ListByOwner(ownerID string) ([]*Device, error) {
	return s.listWhere("WHERE owner_id = ?", ownerID)
}

// ListAll returns every registered device.
func (s *DeviceStore) ListAll() ([]*Device, error) {
	return s.listWhere("")
}

func (s *DeviceStore) listWhere(cond string, args ...any) ([]*Device, error) {
	rows, err := s.db.Query(`SELECT `+deviceColumns+` FROM devices `+cond+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Replace overwrites the stored device identified by d.ID. The public
// id, created timestamp, and last-seen are preserved as given.
func (s *DeviceStore) Replace(d *Device) error {
	res, err := s.db.Exec(`
		UPDATE devices SET public_id = ?, name = ?, owner_id = ?, is_active = ?, last_seen = ?,
			include_light = ?, include_moisture = ?, include_temperature = ?,
			include_humidity = ?, include_salt = ?, include_battery = ?
		WHERE id = ?
	`, d.PublicID, d.Name, d.OwnerID, d.IsActive, nullTime(d.LastSeen),
		d.IncludeLight, d.IncludeMoisture, d.IncludeTemperature, d.IncludeHumidity, d.IncludeSalt, d.IncludeBattery,
		d.ID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen stamps the device's liveness timestamp.
func (s *DeviceStore) TouchLastSeen(publicID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE devices SET last_seen = ? WHERE public_id = ?`,
		formatTime(at), publicID)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var createdAt string
	var lastSeen sql.NullString

	err := row.Scan(&d.ID, &d.PublicID, &d.Name, &d.OwnerID, &d.IsActive, &createdAt, &lastSeen,
		&d.IncludeLight, &d.IncludeMoisture, &d.IncludeTemperature, &d.IncludeHumidity, &d.IncludeSalt, &d.IncludeBattery)
	if err != nil {
		return nil, err
	}

	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.LastSeen, err = scanNullTime(lastSeen); err != nil {
		return nil, err
	}
	return &d, nil
}

// isUniqueViolation reports whether err is a sqlite unique constraint
// failure. Matched on message text so both the cgo and pure-Go drivers
// are covered.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
