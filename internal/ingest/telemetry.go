package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/plantastic/plantd/internal/store"
	"github.com/plantastic/plantd/internal/telemetry"
)

// DeviceResolver looks up registered devices and records liveness.
type DeviceResolver interface {
	GetByPublicID(publicID string) (*store.Device, error)
	TouchLastSeen(publicID string, at time.Time) error
}

// ReadingWriter persists validated readings.
type ReadingWriter interface {
	Create(r *telemetry.Reading) error
}

// LedgerReader answers when a device's owner was last notified.
type LedgerReader interface {
	GetByDeviceID(deviceID string) (*store.Notification, error)
}

// Notifier runs the analyze-and-notify procedure for one device.
type Notifier interface {
	Run(ctx context.Context, device *store.Device, lookback time.Duration) error
}

// TelemetryHandler validates and persists incoming readings and gates
// the inline notification trigger behind the per-device cooldown.
type TelemetryHandler struct {
	devices  DeviceResolver
	readings ReadingWriter
	ledger   LedgerReader
	notifier Notifier
	cooldown time.Duration
	logger   *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewTelemetryHandler wires the telemetry path. The cooldown bounds
// how often the inline trigger may fire per device.
func NewTelemetryHandler(devices DeviceResolver, readings ReadingWriter, ledger LedgerReader,
	notifier Notifier, cooldown time.Duration, logger *slog.Logger) *TelemetryHandler {
	return &TelemetryHandler{
		devices:  devices,
		readings: readings,
		ledger:   ledger,
		notifier: notifier,
		cooldown: cooldown,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle processes one telemetry message for the device identified by
// the topic. Messages from unknown or deactivated devices are dropped
// without touching any state. A reading that fails to persist aborts
// the message before the notification gate.
func (h *TelemetryHandler) Handle(ctx context.Context, deviceID string, payload []byte) {
	var reading telemetry.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		h.logger.Warn("malformed telemetry payload",
			"device", deviceID, "error", err)
		return
	}

	if err := telemetry.Validate(reading); err != nil {
		h.logger.Warn("telemetry rejected",
			"device", deviceID, "error", err)
		return
	}

	device, err := h.devices.GetByPublicID(deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("telemetry from unregistered device dropped",
				"device", deviceID)
		} else {
			h.logger.Error("device lookup failed",
				"device", deviceID, "error", err)
		}
		return
	}
	if !device.IsActive {
		h.logger.Warn("telemetry from deactivated device dropped",
			"device", deviceID)
		return
	}

	now := h.now().UTC()
	if err := h.devices.TouchLastSeen(deviceID, now); err != nil {
		h.logger.Error("update last seen", "device", deviceID, "error", err)
	}

	reading.DeviceID = device.ID
	if reading.PlantName == "" {
		reading.PlantName = device.Name
	}
	if err := h.readings.Create(&reading); err != nil {
		h.logger.Error("persist reading failed",
			"device", deviceID, "error", err)
		return
	}

	h.logger.Debug("reading stored",
		"device", deviceID,
		"plant", reading.PlantName,
		"soil_moisture", reading.SoilMoisture,
		"temperature", reading.Temperature,
	)

	if h.cooldownElapsed(device.ID, now) {
		// Return value intentionally dropped; the runner logs its own
		// failures and an analysis outage must not disturb ingestion.
		_ = h.notifier.Run(ctx, device, h.cooldown)
	}
}

// cooldownElapsed reports whether the inline trigger may fire. A
// device with no ledger entry has never been notified and may fire
// immediately. A ledger read failure suppresses the trigger; the
// scheduler path will retry later.
func (h *TelemetryHandler) cooldownElapsed(deviceID string, now time.Time) bool {
	entry, err := h.ledger.GetByDeviceID(deviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true
		}
		h.logger.Error("notification ledger lookup failed",
			"device", deviceID, "error", err)
		return false
	}
	return now.Sub(entry.LastSent) >= h.cooldown
}
