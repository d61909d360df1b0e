package domain

import (
	"time"

	"github.com/google/uuid"
)

// Crypto deposit statuses. Deposits below the confirmation threshold stay
// pending; confirmed deposits that cannot be matched to a user are queued as
// unmatched for deferred resolution, never dropped.
const (
	DepositPending   = "pending"
	DepositCredited  = "credited"
	DepositUnmatched = "unmatched"
)

// CryptoDeposit is one observed ERC-20 USDT transfer to the merchant wallet.
// (TxHash, LogIndex) identifies it uniquely across re-scans.
type CryptoDeposit struct {
	TxHash        string     `json:"tx_hash"`
	LogIndex      int        `json:"log_index"`
	FromAddress   string     `json:"from_address"`
	AmountCents   int64      `json:"amount_cents"`
	Confirmations int        `json:"confirmations"`
	Status        string     `json:"status"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	ObservedAt    time.Time  `json:"observed_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Payment intent statuses.
const (
	IntentOpen    = "open"
	IntentSettled = "settled"
	IntentExpired = "expired"
)

// Payment intent kinds, as requested by the user before transferring.
const (
	IntentKindOneTime      = "one_time"
	IntentKindSubscription = "subscription"
)

// PaymentIntent records that a user announced an incoming USDT transfer of a
// known amount. Confirmed deposits are matched against open intents by exact
// amount within a bounded time window.
type PaymentIntent struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Kind        string    `json:"kind"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
