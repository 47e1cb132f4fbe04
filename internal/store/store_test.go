package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plantastic/plantd/internal/telemetry"
)

// openTestDB opens a throwaway database with the pure-Go driver so the
// tests run without cgo. The stores only depend on database/sql, so
// either driver exercises the same SQL.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFormatTime_OrderAndRoundTrip(t *testing.T) {
	// .5s vs .52s: variable-width fractions would sort these backwards
	// as text. Stored timestamps must compare the same way the times do.
	a := time.Date(2026, 8, 31, 12, 0, 0, 500_000_000, time.UTC)
	b := time.Date(2026, 8, 31, 12, 0, 0, 520_000_000, time.UTC)

	fa, fb := formatTime(a), formatTime(b)
	if !(fa < fb) {
		t.Errorf("formatTime order broken: %q !< %q", fa, fb)
	}

	got, err := parseTime(fa)
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("round trip = %v, want %v", got, a)
	}

	// Second-precision values written before fractional timestamps
	// still parse.
	legacy, err := parseTime("2026-08-31T12:00:00Z")
	if err != nil {
		t.Fatalf("parseTime legacy: %v", err)
	}
	if !legacy.Equal(time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("legacy parse = %v", legacy)
	}
}

func newDevice(publicID, name string) *Device {
	return &Device{
		PublicID:           publicID,
		Name:               name,
		IsActive:           true,
		IncludeLight:       true,
		IncludeMoisture:    true,
		IncludeTemperature: true,
		IncludeHumidity:    true,
		IncludeSalt:        true,
		IncludeBattery:     true,
	}
}

func TestDeviceStore_CreateAndGet(t *testing.T) {
	s, err := NewDeviceStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}

	d := newDevice("esp32-001", "Monstera")
	if err := s.Create(d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.ID == "" {
		t.Fatal("Create must assign an id")
	}
	if d.CreatedAt.IsZero() {
		t.Fatal("Create must assign a creation time")
	}

	got, err := s.GetByPublicID("esp32-001")
	if err != nil {
		t.Fatalf("GetByPublicID: %v", err)
	}
	if got.ID != d.ID || got.Name != "Monstera" || !got.IsActive {
		t.Errorf("got %+v", got)
	}
	if !got.IncludeSalt || !got.IncludeBattery {
		t.Errorf("inclusion flags lost: %+v", got)
	}
	if got.LastSeen != nil {
		t.Errorf("fresh device should have no last seen, got %v", got.LastSeen)
	}

	if _, err := s.GetByID(d.ID); err != nil {
		t.Errorf("GetByID: %v", err)
	}
}

func TestDeviceStore_DuplicatePublicID(t *testing.T) {
	s, err := NewDeviceStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}

	if err := s.Create(newDevice("esp32-001", "First")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err = s.Create(newDevice("esp32-001", "Second"))
	if !errors.Is(err, ErrDuplicateDevice) {
		t.Fatalf("err = %v, want ErrDuplicateDevice", err)
	}
}

func TestDeviceStore_NotFound(t *testing.T) {
	s, err := NewDeviceStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}
	if _, err := s.GetByPublicID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeviceStore_TouchLastSeen(t *testing.T) {
	s, err := NewDeviceStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}

	d := newDevice("esp32-001", "Monstera")
	if err := s.Create(d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	at := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	if err := s.TouchLastSeen("esp32-001", at); err != nil {
		t.Fatalf("TouchLastSeen: %v", err)
	}

	got, err := s.GetByPublicID("esp32-001")
	if err != nil {
		t.Fatalf("GetByPublicID: %v", err)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(at) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, at)
	}

	if err := s.TouchLastSeen("missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("touch missing device: err = %v, want ErrNotFound", err)
	}
}

func TestDeviceStore_ListByOwner(t *testing.T) {
	s, err := NewDeviceStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}

	owned := newDevice("esp32-001", "Monstera")
	owned.OwnerID = "acct-1"
	other := newDevice("esp32-002", "Fern")
	other.OwnerID = "acct-2"
	unclaimed := newDevice("esp32-003", "Cactus")

	for _, d := range []*Device{owned, other, unclaimed} {
		if err := s.Create(d); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	devices, err := s.ListByOwner("acct-1")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(devices) != 1 || devices[0].PublicID != "esp32-001" {
		t.Errorf("devices = %+v", devices)
	}

	all, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAll returned %d devices, want 3", len(all))
	}
}

func TestDeviceStore_Replace(t *testing.T) {
	s, err := NewDeviceStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDeviceStore: %v", err)
	}

	d := newDevice("esp32-001", "Monstera")
	if err := s.Create(d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d.Name = "Freddie"
	d.OwnerID = "acct-1"
	d.IncludeBattery = false
	if err := s.Replace(d); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	got, err := s.GetByID(d.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Name != "Freddie" || got.OwnerID != "acct-1" || got.IncludeBattery {
		t.Errorf("got %+v", got)
	}

	missing := newDevice("esp32-999", "Ghost")
	missing.ID = "no-such-id"
	if err := s.Replace(missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("replace missing: err = %v, want ErrNotFound", err)
	}
}

func TestReadingStore_CreateAndList(t *testing.T) {
	s, err := NewReadingStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewReadingStore: %v", err)
	}

	r := &telemetry.Reading{
		DeviceID: "dev-1", Light: 12000, SoilMoisture: 40, Salt: 900,
		Temperature: 21.5, Humidity: 55, Battery: 80,
		PlantName: "Monstera", Timestamp: 1700000000,
	}
	if err := s.Create(r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == "" || r.CreatedAt.IsZero() {
		t.Fatal("Create must assign id and creation time")
	}

	got, err := s.GetByID(r.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.SoilMoisture != 40 || got.Temperature != 21.5 || got.PlantName != "Monstera" {
		t.Errorf("got %+v", got)
	}
	if got.Timestamp != 1700000000 {
		t.Errorf("Timestamp = %d", got.Timestamp)
	}

	if _, err := s.GetByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReadingStore_ListForDeviceSince(t *testing.T) {
	s, err := NewReadingStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewReadingStore: %v", err)
	}

	for i := 0; i < 3; i++ {
		r := &telemetry.Reading{DeviceID: "dev-1", SoilMoisture: 40 + i, Temperature: 20, Humidity: 50}
		if err := s.Create(r); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	other := &telemetry.Reading{DeviceID: "dev-2", SoilMoisture: 10, Temperature: 20, Humidity: 50}
	if err := s.Create(other); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.ListForDeviceSince("dev-1", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListForDeviceSince: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("returned %d readings, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Error("readings not ascending by creation time")
		}
	}

	empty, err := s.ListForDeviceSince("dev-1", time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListForDeviceSince future: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("future window returned %d readings", len(empty))
	}
}

func TestNotificationStore_Upsert(t *testing.T) {
	s, err := NewNotificationStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewNotificationStore: %v", err)
	}

	if _, err := s.GetByDeviceID("dev-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound before first upsert", err)
	}

	first := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	if err := s.Upsert("dev-1", first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.GetByDeviceID("dev-1")
	if err != nil {
		t.Fatalf("GetByDeviceID: %v", err)
	}
	if !got.LastSent.Equal(first) || got.Kind != KindPlantHealth {
		t.Errorf("got %+v", got)
	}
	firstID := got.ID

	// A second upsert overwrites the timestamp on the same row.
	second := first.Add(24 * time.Hour)
	if err := s.Upsert("dev-1", second); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	got, err = s.GetByDeviceID("dev-1")
	if err != nil {
		t.Fatalf("GetByDeviceID: %v", err)
	}
	if !got.LastSent.Equal(second) {
		t.Errorf("LastSent = %v, want %v", got.LastSent, second)
	}
	if got.ID != firstID {
		t.Error("upsert must converge on one row per device")
	}
}

func TestNotificationStore_CreateAndReplace(t *testing.T) {
	s, err := NewNotificationStore(openTestDB(t))
	if err != nil {
		t.Fatalf("NewNotificationStore: %v", err)
	}

	n := &Notification{DeviceID: "dev-1", LastSent: time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)}
	if err := s.Create(n); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.ID == "" || n.Kind != KindPlantHealth {
		t.Fatalf("Create must assign id and default kind: %+v", n)
	}

	n.LastSent = n.LastSent.Add(12 * time.Hour)
	if err := s.ReplaceByID(n); err != nil {
		t.Fatalf("ReplaceByID: %v", err)
	}

	got, err := s.GetByDeviceID("dev-1")
	if err != nil {
		t.Fatalf("GetByDeviceID: %v", err)
	}
	if !got.LastSent.Equal(n.LastSent) {
		t.Errorf("LastSent = %v, want %v", got.LastSent, n.LastSent)
	}

	if err := s.ReplaceByID(&Notification{ID: "missing", DeviceID: "x", LastSent: time.Now()}); !errors.Is(err, ErrNotFound) {
		t.Errorf("replace missing: err = %v, want ErrNotFound", err)
	}
}

func TestAccountStore(t *testing.T) {
	db := openTestDB(t)
	s, err := NewAccountStore(db)
	if err != nil {
		t.Fatalf("NewAccountStore: %v", err)
	}

	// Rows arrive from the user service; seed them directly.
	_, err = db.Exec(`INSERT INTO accounts (id, email, full_name, language, notification_time, interval_hours, utc_offset_minutes)
		VALUES ('acct-1', 'owner@example.com', 'Sam Owner', 'Dutch', '08:30', 12, 120)`)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	got, err := s.GetByID("acct-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Email != "owner@example.com" || got.Language != "Dutch" {
		t.Errorf("got %+v", got)
	}
	if got.NotificationTime != "08:30" || got.IntervalHours != 12 || got.UTCOffsetMinutes != 120 {
		t.Errorf("schedule fields lost: %+v", got)
	}

	email, err := s.GetEmailByID("acct-1")
	if err != nil || email != "owner@example.com" {
		t.Errorf("GetEmailByID = %q, %v", email, err)
	}

	if _, err := s.GetByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	all, err := s.ListAll()
	if err != nil || len(all) != 1 {
		t.Errorf("ListAll = %v, %v", all, err)
	}
}
