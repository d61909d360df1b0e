/**
 * @description
 * Canonical payment event model. Both payment rails (Stripe webhooks and
 * observed on-chain USDT transfers) are normalized into this single type
 * before the reconciliation engine sees them.
 */
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Canonical payment event kinds.
const (
	KindOneTime              = "one_time"
	KindSubscriptionCreated  = "subscription_created"
	KindSubscriptionRenewed  = "subscription_renewed"
	KindSubscriptionCanceled = "subscription_canceled"
)

// ConfirmationFinal marks an event whose finality is established at the
// boundary (a signature-verified card webhook) rather than by block depth.
const ConfirmationFinal = -1

// PaymentEvent is the rail-agnostic representation of a payment occurrence.
// EventID is globally unique per source: the Stripe event id, or
// "<tx_hash>:<log_index>" for on-chain transfers. Immutable after creation.
type PaymentEvent struct {
	EventID           string    `json:"event_id"`
	Rail              string    `json:"rail"`
	Kind              string    `json:"kind"`
	UserID            uuid.UUID `json:"user_id"`
	AmountCents       int64     `json:"amount_cents"`
	ObservedAt        time.Time `json:"observed_at"`
	ConfirmationLevel int       `json:"confirmation_level"`
}

// CryptoEventID builds the canonical event id for an on-chain transfer.
func CryptoEventID(txHash string, logIndex int) string {
	return fmt.Sprintf("%s:%d", txHash, logIndex)
}

// ValidKind reports whether k is one of the canonical event kinds.
func ValidKind(k string) bool {
	switch k {
	case KindOneTime, KindSubscriptionCreated, KindSubscriptionRenewed, KindSubscriptionCanceled:
		return true
	}
	return false
}
