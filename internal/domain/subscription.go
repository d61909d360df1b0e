package domain

import (
	"time"

	"github.com/google/uuid"
)

// Subscription tiers.
const (
	TierNone    = "none"
	TierMonthly = "monthly"
)

// Subscription statuses. A subscription moves none -> active and from active
// to either canceled (explicit event) or past_due -> inactive (expiry sweep).
const (
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Payment rails.
const (
	RailStripe = "stripe"
	RailCrypto = "crypto"
	RailNone   = "none"
)

// Subscription tracks a user's current plan tier and renewal schedule.
// Status is mutated only by the reconciliation engine and the expiry sweep.
type Subscription struct {
	UserID           uuid.UUID  `json:"user_id"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	PaymentRail      string     `json:"payment_rail"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// IsActiveAt reports whether the subscription grants renewal entitlement at
// the given instant. Expiry stops future grants; it never revokes paid credit.
func (s *Subscription) IsActiveAt(now time.Time) bool {
	return s.Status == StatusActive && s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.After(now)
}

// EntitlementStatus is the DTO returned to API callers asking about their
// remaining capacity. Internal payment detail never surfaces here.
type EntitlementStatus struct {
	UserID            uuid.UUID  `json:"user_id"`
	FreeRemaining     int        `json:"free_remaining"`
	PaidRemaining     int        `json:"paid_remaining"`
	SubscriptionTier  string     `json:"subscription_tier"`
	SubscriptionState string     `json:"subscription_status"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	Message           string     `json:"message"`
}
