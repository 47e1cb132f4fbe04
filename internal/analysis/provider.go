// Package analysis scores a device's reading history for plant health.
package analysis

import (
	"context"

	"github.com/plantastic/plantd/internal/store"
	"github.com/plantastic/plantd/internal/telemetry"
)

// Result is the structured outcome of one health analysis.
type Result struct {
	NeedsAttention  bool     `json:"needs_attention"`
	HealthStatus    string   `json:"health_status"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// Provider scores a window of readings. Implementations receive the
// device so its sensor-inclusion flags can restrict which channels are
// described, and the owner's language for the response text.
type Provider interface {
	Analyze(ctx context.Context, readings []*telemetry.Reading, device *store.Device, language string) (*Result, error)
}
