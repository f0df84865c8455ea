// Package quota tracks the per-user consumable budget: a monthly-resetting
// message allowance and a video-hours allowance spent by the transcription
// pipeline.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"videoask/config"
	"videoask/core"
	"videoask/storage"
)

// Ledger mediates every quota read and write. It creates ledgers lazily and
// applies the calendar reset on read, so callers never see a stale window.
type Ledger struct {
	store storage.Store
	cfg   config.QuotaConfig
	now   func() time.Time
}

func NewLedger(store storage.Store, cfg config.QuotaConfig) *Ledger {
	return &Ledger{store: store, cfg: cfg, now: time.Now}
}

// HoursNeeded converts a video duration to whole hours of budget, rounding
// up: any nonzero duration consumes at least one hour.
func HoursNeeded(durationMinutes int) int {
	if durationMinutes <= 0 {
		return 0
	}
	return (durationMinutes + 59) / 60
}

// Get returns the user's ledger, creating it with defaults on first access.
// A reset timestamp in the past refills the message counter and advances the
// window to the next month start strictly after now; long-dormant accounts
// advance as many months as needed. Video hours only join the reset when
// configured, since they are a provisioned allowance rather than a recurring
// one.
func (l *Ledger) Get(ctx context.Context, userID string) (*core.Quota, error) {
	q, err := l.store.QuotaByUser(ctx, userID)
	if errors.Is(err, core.ErrNotFound) {
		q = &core.Quota{
			UserID:         userID,
			MessagesLeft:   l.cfg.DefaultMessages,
			VideoHoursLeft: l.cfg.DefaultVideoHours,
			ResetAt:        nextMonthStart(l.now()),
		}
		if err := l.store.SaveQuota(ctx, q); err != nil {
			return nil, fmt.Errorf("create quota for %s: %w", userID, err)
		}
		return q, nil
	}
	if err != nil {
		return nil, err
	}

	now := l.now()
	if !q.ResetAt.After(now) {
		q.MessagesLeft = l.cfg.DefaultMessages
		if l.cfg.ResetVideoHours {
			q.VideoHoursLeft = l.cfg.DefaultVideoHours
		}
		for !q.ResetAt.After(now) {
			q.ResetAt = nextMonthStart(q.ResetAt)
		}
		if err := l.store.SaveQuota(ctx, q); err != nil {
			return nil, fmt.Errorf("reset quota for %s: %w", userID, err)
		}
	}
	return q, nil
}

// HasCapacity reports whether the user can afford hoursNeeded after any
// pending reset is applied.
func (l *Ledger) HasCapacity(ctx context.Context, userID string, hoursNeeded int) (bool, error) {
	q, err := l.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return q.VideoHoursLeft >= hoursNeeded, nil
}

// Deduct subtracts hoursUsed, clamping at zero. It never fails on an
// insufficient balance.
func (l *Ledger) Deduct(ctx context.Context, userID string, hoursUsed int) (*core.Quota, error) {
	q, err := l.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	q.VideoHoursLeft -= hoursUsed
	if q.VideoHoursLeft < 0 {
		q.VideoHoursLeft = 0
	}
	if err := l.store.SaveQuota(ctx, q); err != nil {
		return nil, fmt.Errorf("deduct quota for %s: %w", userID, err)
	}
	return q, nil
}

// Reserve atomically takes hours from the budget, reporting false when the
// balance cannot cover them. The orchestrator treats a failed reservation
// exactly like a failed capacity check.
func (l *Ledger) Reserve(ctx context.Context, userID string, hours int) (bool, error) {
	// Get first so the row exists and any pending reset has been applied.
	if _, err := l.Get(ctx, userID); err != nil {
		return false, err
	}
	return l.store.ReserveVideoHours(ctx, userID, hours)
}

// Refund returns hours taken by a reservation whose transcription failed.
func (l *Ledger) Refund(ctx context.Context, userID string, hours int) error {
	return l.store.RefundVideoHours(ctx, userID, hours)
}

// DeductMessage spends one message from the monthly allowance, clamped at
// zero.
func (l *Ledger) DeductMessage(ctx context.Context, userID string) (*core.Quota, error) {
	q, err := l.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if q.MessagesLeft > 0 {
		q.MessagesLeft--
	}
	if err := l.store.SaveQuota(ctx, q); err != nil {
		return nil, fmt.Errorf("deduct message for %s: %w", userID, err)
	}
	return q, nil
}

// SetNow overrides the clock. Test hook.
func (l *Ledger) SetNow(now func() time.Time) { l.now = now }

func nextMonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}
