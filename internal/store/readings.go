package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plantastic/plantd/internal/telemetry"
)

// ReadingStore manages sensor reading persistence. Readings are
// immutable once written; there is no update or delete path.
type ReadingStore struct {
	db *sql.DB
}

// NewReadingStore creates a reading store using an existing database
// connection and migrates its schema.
func NewReadingStore(db *sql.DB) (*ReadingStore, error) {
	s := &ReadingStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate readings: %w", err)
	}
	return s, nil
}

func (s *ReadingStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS readings (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			light REAL NOT NULL,
			soil_moisture INTEGER NOT NULL,
			salt INTEGER NOT NULL,
			temperature REAL NOT NULL,
			humidity INTEGER NOT NULL,
			battery INTEGER NOT NULL,
			plant_name TEXT NOT NULL DEFAULT '',
			sampled_at INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_readings_device_created ON readings(device_id, created_at);
	`)
	return err
}

const readingColumns = `id, device_id, light, soil_moisture, salt, temperature, humidity, battery, plant_name, sampled_at, created_at`

// Create persists a reading. The id and created timestamp are assigned
// here; r.DeviceID must already carry the internal device id.
func (s *ReadingStore) Create(r *telemetry.Reading) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate reading id: %w", err)
	}
	r.ID = id.String()
	r.CreatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO readings (`+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.DeviceID, r.Light, r.SoilMoisture, r.Salt, r.Temperature, r.Humidity, r.Battery,
		r.PlantName, r.Timestamp, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// GetByID returns the reading with the given id, or ErrNotFound.
func (s *ReadingStore) GetByID(id string) (*telemetry.Reading, error) {
	row := s.db.QueryRow(`SELECT `+readingColumns+` FROM readings WHERE id = ?`, id)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reading: %w", err)
	}
	return r, nil
}

// ListAll returns every stored reading ordered by creation time.
func (s *ReadingStore) ListAll() ([]*telemetry.Reading, error) {
	return s.list(`SELECT `+readingColumns+` FROM readings ORDER BY created_at`, nil)
}

// ListForDeviceSince returns the device's readings created at or after
// start, ascending by creation time.
func (s *ReadingStore) ListForDeviceSince(deviceID string, start time.Time) ([]*telemetry.Reading, error) {
	return s.list(`SELECT `+readingColumns+` FROM readings
		WHERE device_id = ? AND created_at >= ?
		ORDER BY created_at`, []any{deviceID, formatTime(start)})
}

func (s *ReadingStore) list(query string, args []any) ([]*telemetry.Reading, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var readings []*telemetry.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func scanReading(row rowScanner) (*telemetry.Reading, error) {
	var r telemetry.Reading
	var createdAt string

	err := row.Scan(&r.ID, &r.DeviceID, &r.Light, &r.SoilMoisture, &r.Salt, &r.Temperature,
		&r.Humidity, &r.Battery, &r.PlantName, &r.Timestamp, &createdAt)
	if err != nil {
		return nil, err
	}

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}
