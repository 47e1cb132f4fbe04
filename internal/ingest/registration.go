// Package ingest contains the MQTT message handlers: device
// registration and telemetry persistence with notification gating.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/plantastic/plantd/internal/store"
)

// Publisher sends a message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// DeviceCreator persists newly registered devices.
type DeviceCreator interface {
	Create(d *store.Device) error
}

// registrationRequest is the payload the firmware publishes on
// sensor/<id>/register. The esp32_id field duplicates the topic
// segment and is optional.
type registrationRequest struct {
	PlantName string `json:"plant_name"`
	ESP32ID   string `json:"esp32_id,omitempty"`
}

// registrationResponse is published retained on
// sensor/<id>/register/response so a device that was asleep during
// the response still receives the outcome on its next connect.
type registrationResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// RegistrationHandler processes registration requests and answers each
// with exactly one retained response.
type RegistrationHandler struct {
	devices   DeviceCreator
	publisher Publisher
	logger    *slog.Logger
}

// NewRegistrationHandler wires the registration path.
func NewRegistrationHandler(devices DeviceCreator, publisher Publisher, logger *slog.Logger) *RegistrationHandler {
	return &RegistrationHandler{devices: devices, publisher: publisher, logger: logger}
}

// Handle processes one registration message for the device identified
// by the topic. Every outcome, success or failure, is answered with
// exactly one message on the response topic. The topic segment is the
// authoritative identity: a payload whose esp32_id disagrees with it
// is rejected without creating anything, and the rejection goes to the
// topic-derived response topic, never one derived from the payload.
func (h *RegistrationHandler) Handle(ctx context.Context, deviceID string, payload []byte) {
	var req registrationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logger.Warn("malformed registration payload",
			"device", deviceID, "error", err)
		h.respond(ctx, deviceID, false, "invalid registration payload")
		return
	}

	if req.ESP32ID != "" && req.ESP32ID != deviceID {
		h.logger.Warn("registration rejected: payload device id disagrees with topic",
			"topic_device", deviceID, "payload_device", req.ESP32ID)
		h.respond(ctx, deviceID, false, "device id does not match topic")
		return
	}

	name := req.PlantName
	if name == "" {
		name = deviceID
	}

	device := &store.Device{
		PublicID:           deviceID,
		Name:               name,
		IsActive:           true,
		IncludeLight:       true,
		IncludeMoisture:    true,
		IncludeTemperature: true,
		IncludeHumidity:    true,
		IncludeSalt:        true,
		IncludeBattery:     true,
	}

	if err := h.devices.Create(device); err != nil {
		if errors.Is(err, store.ErrDuplicateDevice) {
			h.logger.Info("registration rejected: device already registered",
				"device", deviceID)
			h.respond(ctx, deviceID, false, "device is already registered")
			return
		}
		h.logger.Error("registration failed",
			"device", deviceID, "error", err)
		h.respond(ctx, deviceID, false, "registration failed")
		return
	}

	h.logger.Info("device registered",
		"device", deviceID, "plant", name, "id", device.ID)
	h.respond(ctx, deviceID, true, "device registered successfully")
}

// respond publishes the registration outcome retained at QoS 1.
// Delivery failure is logged and not retried; the device re-registers
// on its next wake if it never sees a response.
func (h *RegistrationHandler) respond(ctx context.Context, deviceID string, success bool, message string) {
	payload, err := json.Marshal(registrationResponse{Success: success, Message: message})
	if err != nil {
		h.logger.Error("encode registration response", "device", deviceID, "error", err)
		return
	}

	topic := "sensor/" + deviceID + "/register/response"
	if err := h.publisher.Publish(ctx, topic, payload, 1, true); err != nil {
		h.logger.Error("publish registration response",
			"device", deviceID, "topic", topic, "error", err)
	}
}
