/**
 * @description
 * Sentinel errors and shared parameter types for the data access layer.
 * The concrete PostgreSQL implementation lives in postgres_repository.go;
 * application components declare the narrow interfaces they need.
 */
package store

import (
	"errors"
	"time"
)

var (
	ErrQuotaNotFound        = errors.New("quota record not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrDuplicateEvent       = errors.New("payment event already processed")
	ErrDepositNotFound      = errors.New("crypto deposit not found")
	ErrIntentNotFound       = errors.New("payment intent not found")
)

// SubscriptionChange describes the subscription mutation carried by a payment
// event. A nil CurrentPeriodEnd preserves the stored period end, which lets a
// cancellation flip status without touching the renewal schedule.
type SubscriptionChange struct {
	Tier             string
	Status           string
	PaymentRail      string
	CurrentPeriodEnd *time.Time
}

// ApplyParams is the state delta the reconciliation engine derived from one
// canonical payment event. It is applied atomically together with the
// idempotence marker for the event.
type ApplyParams struct {
	FreeDelta    int
	PaidDelta    int
	Subscription *SubscriptionChange
}
