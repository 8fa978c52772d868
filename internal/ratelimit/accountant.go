// Package ratelimit implements fixed-window admission control over the
// rate_windows table. Counters are wall-clock aligned; a burst straddling
// a window boundary can momentarily admit up to twice the limit across the
// seam. That is the documented fixed-window approximation, accepted in
// exchange for a single atomic upsert per request.
package ratelimit

import (
	"log/slog"
	"math"
	"time"

	"lynxa/internal/db"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Admitted          bool
	RetryAfterSeconds int
}

// Accountant decides whether a request is admitted under its key's limit.
type Accountant struct {
	db     db.Service
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewAccountant creates an Accountant with the given window size.
func NewAccountant(dbService db.Service, windowSeconds int, logger *slog.Logger) *Accountant {
	return &Accountant{
		db:     dbService,
		window: time.Duration(windowSeconds) * time.Second,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
}

// Admit counts the current request against the key+endpoint window and
// decides admission. A negative limit means unlimited and bypasses the
// store entirely. The increment runs before the handler, so denial is real
// backpressure, not after-the-fact bookkeeping.
func (a *Accountant) Admit(keyToken, endpoint string, limit int) Decision {
	if limit < 0 {
		return Decision{Admitted: true}
	}

	now := a.now()
	windowStart := now.UTC().Truncate(a.window)

	count, err := a.db.IncrementRateWindow(keyToken, endpoint, windowStart, limit)
	if err != nil {
		// Fail open: a rate-accounting outage must not take down the
		// request path. The counter catches up in the next window.
		a.logger.Warn("Rate window increment failed, admitting request", "endpoint", endpoint, "error", err)
		return Decision{Admitted: true}
	}

	if count > limit {
		remaining := windowStart.Add(a.window).Sub(now)
		return Decision{
			Admitted:          false,
			RetryAfterSeconds: int(math.Ceil(remaining.Seconds())),
		}
	}
	return Decision{Admitted: true}
}
