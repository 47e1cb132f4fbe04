// Package scheduler drives time-based health checks. Each account
// carries a preferred notification time and a check interval; the
// scheduler polls on a fixed cadence and fires the analyze-and-notify
// procedure for every device of an account whose next due time has
// passed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plantastic/plantd/internal/store"
)

// AccountLister enumerates the accounts to schedule for.
type AccountLister interface {
	ListAll() ([]*store.Account, error)
}

// DeviceLister enumerates an account's devices.
type DeviceLister interface {
	ListByOwner(ownerID string) ([]*store.Device, error)
}

// Notifier runs the analyze-and-notify procedure for one device.
type Notifier interface {
	Run(ctx context.Context, device *store.Device, lookback time.Duration) error
}

// Scheduler polls accounts and fires due checks. Due times are kept
// in memory as a rolling schedule: the first due time is the next
// occurrence of the account's preferred notification time, and each
// firing advances it by the account's interval until it lies in the
// future. A poll after downtime fires at most once per account and
// never replays missed occurrences.
type Scheduler struct {
	accounts AccountLister
	devices  DeviceLister
	notifier Notifier
	poll     time.Duration
	logger   *slog.Logger

	due map[string]time.Time

	// now is injectable for tests.
	now func() time.Time
}

// New creates a scheduler polling at the given cadence.
func New(accounts AccountLister, devices DeviceLister, notifier Notifier,
	poll time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		accounts: accounts,
		devices:  devices,
		notifier: notifier,
		poll:     poll,
		logger:   logger,
		due:      make(map[string]time.Time),
		now:      time.Now,
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "poll", s.poll.String())

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass. Failures on one account never
// block the others.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()

	accounts, err := s.accounts.ListAll()
	if err != nil {
		s.logger.Error("scheduler pass aborted: account listing failed", "error", err)
		return
	}

	for _, account := range accounts {
		if err := s.tickAccount(ctx, account, now); err != nil {
			s.logger.Error("scheduled check failed",
				"account", account.ID, "error", err)
		}
	}
}

func (s *Scheduler) tickAccount(ctx context.Context, account *store.Account, now time.Time) error {
	due, ok := s.due[account.ID]
	if !ok {
		seeded, err := nextOccurrence(account, now)
		if err != nil {
			return fmt.Errorf("seed schedule: %w", err)
		}
		s.due[account.ID] = seeded
		s.logger.Debug("schedule seeded",
			"account", account.ID, "due", seeded.Format(time.RFC3339))
		return nil
	}

	if now.Before(due) {
		return nil
	}

	interval := intervalFor(account)
	s.due[account.ID] = advance(due, interval, now)

	devices, err := s.devices.ListByOwner(account.ID)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	s.logger.Info("scheduled check firing",
		"account", account.ID, "devices", len(devices),
		"next_due", s.due[account.ID].Format(time.RFC3339))

	for _, device := range devices {
		// Return value intentionally dropped; the runner logs its own
		// failures and one device must not block the rest.
		_ = s.notifier.Run(ctx, device, interval)
	}
	return nil
}

// intervalFor returns the account's check interval, defaulting to a
// day when unset.
func intervalFor(account *store.Account) time.Duration {
	if account.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(account.IntervalHours) * time.Hour
}

// nextOccurrence returns the next UTC instant at which the account's
// preferred local notification time occurs, at or after now. The
// account's UTC offset stands in for a full timezone; preferred times
// shift by an hour across DST transitions.
func nextOccurrence(account *store.Account, now time.Time) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(account.NotificationTime, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("parse notification time %q: %w", account.NotificationTime, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("notification time %q out of range", account.NotificationTime)
	}

	offset := time.Duration(account.UTCOffsetMinutes) * time.Minute
	local := now.Add(offset)

	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, time.UTC)
	if candidate.Before(local) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate.Add(-offset), nil
}

// advance moves a due time forward by whole intervals until it lies
// strictly after now. Missed occurrences collapse into the single
// firing that already happened.
func advance(due time.Time, interval time.Duration, now time.Time) time.Time {
	for !due.After(now) {
		due = due.Add(interval)
	}
	return due
}
