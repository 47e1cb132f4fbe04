// Package notify implements the shared analyze-and-notify procedure
// and the SMTP mailer that delivers health alerts to device owners.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/plantastic/plantd/internal/analysis"
	"github.com/plantastic/plantd/internal/store"
	"github.com/plantastic/plantd/internal/telemetry"
)

// ReadingLister fetches a device's reading history.
type ReadingLister interface {
	ListForDeviceSince(deviceID string, start time.Time) ([]*telemetry.Reading, error)
}

// AccountDirectory resolves device owners. Read-only.
type AccountDirectory interface {
	GetByID(id string) (*store.Account, error)
}

// LedgerWriter records when a device's owner was notified.
type LedgerWriter interface {
	Upsert(deviceID string, sentAt time.Time) error
}

// Mailer delivers one health alert.
type Mailer interface {
	Send(ctx context.Context, to, plantName string, result *analysis.Result, language string) error
}

// Runner executes the analyze-and-notify procedure shared by the
// telemetry handler and the scheduler. Both trigger paths may race on
// the same device; the ledger's upsert-by-device is the only
// serialization between them.
type Runner struct {
	readings ReadingLister
	accounts AccountDirectory
	ledger   LedgerWriter
	provider analysis.Provider
	mailer   Mailer
	logger   *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewRunner wires the procedure's collaborators.
func NewRunner(readings ReadingLister, accounts AccountDirectory, ledger LedgerWriter,
	provider analysis.Provider, mailer Mailer, logger *slog.Logger) *Runner {
	return &Runner{
		readings: readings,
		accounts: accounts,
		ledger:   ledger,
		provider: provider,
		mailer:   mailer,
		logger:   logger,
		now:      time.Now,
	}
}

// Run analyzes the device's readings across the lookback window and
// notifies the owner when the analysis flags attention. Failures are
// logged here and returned for observability; the ingestion and
// scheduler loops ignore the return value, since a provider or mail
// outage must not disturb either loop.
func (r *Runner) Run(ctx context.Context, device *store.Device, lookback time.Duration) error {
	now := r.now().UTC()

	readings, err := r.readings.ListForDeviceSince(device.ID, now.Add(-lookback))
	if err != nil {
		r.logger.Error("analysis aborted: reading history unavailable",
			"device", device.PublicID, "error", err)
		return err
	}
	if len(readings) == 0 {
		r.logger.Debug("analysis skipped: no readings in window",
			"device", device.PublicID, "lookback", lookback.String())
		return nil
	}

	language := "English"
	var ownerEmail string
	if device.OwnerID != "" {
		account, err := r.accounts.GetByID(device.OwnerID)
		if err != nil {
			r.logger.Warn("owner lookup failed, analyzing without notification target",
				"device", device.PublicID, "owner", device.OwnerID, "error", err)
		} else {
			language = account.Language
			ownerEmail = account.Email
		}
	}

	result, err := r.provider.Analyze(ctx, readings, device, language)
	if err != nil {
		r.logger.Error("health analysis failed",
			"device", device.PublicID, "plant", device.Name, "error", err)
		return err
	}

	r.logger.Info("health analysis completed",
		"device", device.PublicID,
		"plant", device.Name,
		"needs_attention", result.NeedsAttention,
		"status", result.HealthStatus,
	)

	if !result.NeedsAttention {
		return nil
	}

	if ownerEmail == "" {
		r.logger.Warn("plant needs attention but device has no reachable owner",
			"device", device.PublicID, "plant", device.Name)
		return nil
	}

	if err := r.mailer.Send(ctx, ownerEmail, device.Name, result, language); err != nil {
		r.logger.Error("health alert email failed",
			"device", device.PublicID, "plant", device.Name, "error", err)
		return err
	}

	if err := r.ledger.Upsert(device.ID, now); err != nil {
		r.logger.Error("notification ledger update failed",
			"device", device.PublicID, "error", err)
		return err
	}

	r.logger.Info("health alert sent",
		"device", device.PublicID, "plant", device.Name, "to", ownerEmail)
	return nil
}
