// Package telemetry defines the sensor reading payload published by
// field devices and the range validation applied before persistence.
package telemetry

import (
	"fmt"
	"time"
)

// Reading is one telemetry sample from a device. The JSON tags match
// the payload published by the firmware on sensor/<id>/status.
type Reading struct {
	ID           string  `json:"id,omitempty"`
	Light        float64 `json:"light"`
	SoilMoisture int     `json:"soil_moisture"`
	Salt         int     `json:"salt"`
	Temperature  float64 `json:"temperature"`
	Humidity     int     `json:"humidity"`
	Battery      int     `json:"battery"`
	PlantName    string  `json:"plant_name,omitempty"`

	// Timestamp is the device-supplied sample time in epoch seconds.
	Timestamp int64 `json:"timestamp"`

	// DeviceID is the owning device's internal id, assigned during
	// ingestion. Never set by the device.
	DeviceID string `json:"device_id,omitempty"`

	// CreatedAt is the server-assigned persistence time.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// SampledAt returns the device-supplied sample time as a UTC time.
func (r Reading) SampledAt() time.Time {
	return time.Unix(r.Timestamp, 0).UTC()
}

// Sensor value bounds for the T-Higrow sensor envelope. Boundary
// values themselves are valid.
const (
	MinSoilMoisture = 0
	MaxSoilMoisture = 100
	MinTemperature  = -5.0
	MaxTemperature  = 55.0
	MinHumidity     = 0
	MaxHumidity     = 100
	MinLight        = 0.0
	MaxLight        = 70000.0
	MinSalt         = 0
	MaxSalt         = 5000
)

// Validate rejects readings with any sensor value outside its physical
// range. It returns nil for a valid reading, or an error naming the
// first out-of-range field.
func Validate(r Reading) error {
	if r.SoilMoisture < MinSoilMoisture || r.SoilMoisture > MaxSoilMoisture {
		return fmt.Errorf("soil_moisture %d out of range [%d,%d]", r.SoilMoisture, MinSoilMoisture, MaxSoilMoisture)
	}
	if r.Temperature < MinTemperature || r.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %g out of range [%g,%g]", r.Temperature, MinTemperature, MaxTemperature)
	}
	if r.Humidity < MinHumidity || r.Humidity > MaxHumidity {
		return fmt.Errorf("humidity %d out of range [%d,%d]", r.Humidity, MinHumidity, MaxHumidity)
	}
	if r.Light < MinLight || r.Light > MaxLight {
		return fmt.Errorf("light %g out of range [%g,%g]", r.Light, MinLight, MaxLight)
	}
	if r.Salt < MinSalt || r.Salt > MaxSalt {
		return fmt.Errorf("salt %d out of range [%d,%d]", r.Salt, MinSalt, MaxSalt)
	}
	return nil
}
