/**
 * @description
 * This file defines the quota ledger domain models. A quota record tracks how
 * many face-swap requests a user may still make, split into a free-tier pool
 * that resets each period and a paid pool funded by confirmed payments.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuotaPeriod is the length of the free-tier reset window and of one
// subscription billing period.
const QuotaPeriod = 30 * 24 * time.Hour

// QuotaRecord represents a user's durable entitlement counters.
// Both counters are non-negative at all times.
type QuotaRecord struct {
	UserID        uuid.UUID `json:"user_id"`
	FreeRemaining int       `json:"free_remaining"`
	PaidRemaining int       `json:"paid_remaining"`
	PeriodAnchor  time.Time `json:"period_anchor"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ConsumeResult is the outcome of an atomic quota decrement attempt.
type ConsumeResult struct {
	Allowed       bool `json:"allowed"`
	FreeRemaining int  `json:"free_remaining"`
	PaidRemaining int  `json:"paid_remaining"`
}

// AdvancePeriodAnchor moves the anchor forward by the whole number of periods
// elapsed before now, keeping it aligned to the original boundary. The second
// return value reports whether at least one full period elapsed; when it is
// false the anchor is returned unchanged.
func AdvancePeriodAnchor(anchor, now time.Time) (time.Time, bool) {
	elapsed := now.Sub(anchor)
	if elapsed < QuotaPeriod {
		return anchor, false
	}
	return anchor.Add(elapsed / QuotaPeriod * QuotaPeriod), true
}
