/**
 * @description
 * Crypto side of the payment event normalizer. Observed ERC-20 USDT transfers
 * to the merchant wallet are recorded in a hold buffer with their confirmation
 * count. Transfers stay held below the confirmation threshold and are
 * re-evaluated as the chain head advances; once confirmable they are matched
 * to an open payment intent by exact amount within a bounded window. Confirmed
 * transfers with no matching intent are queued as unmatched for deferred
 * resolution, never dropped.
 *
 * Ordering invariant: the canonical event is published before the deposit and
 * intent are finalized locally. A crash in between re-emits the same event id
 * on the next scan, which the reconciler's idempotence marker absorbs; the
 * reverse order could credit a deposit whose event was never delivered.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/o42sam/faceswap-server/internal/domain"
	"github.com/o42sam/faceswap-server/internal/store"
	"github.com/o42sam/faceswap-server/pkg/ethscan"
)

const settleBatchSize = 100

// usdtUnitsPerCent converts USDT's 6-decimal token units to cents.
const usdtUnitsPerCent = 10_000

// DepositStore defines the storage operations the crypto normalizer needs.
type DepositStore interface {
	UpsertCryptoDeposit(ctx context.Context, dep domain.CryptoDeposit) error
	ListConfirmableDeposits(ctx context.Context, minConfirmations, limit int) ([]domain.CryptoDeposit, error)
	FindOpenIntentByAmount(ctx context.Context, amountCents int64, since time.Time) (*domain.PaymentIntent, error)
	MatchDepositToIntent(ctx context.Context, txHash string, logIndex int, intentID, userID uuid.UUID, kind string) error
	MarkDepositCredited(ctx context.Context, txHash string, logIndex int, userID uuid.UUID, kind string) error
	MarkDepositUnmatched(ctx context.Context, txHash string, logIndex int) error
	GetUnmatchedDeposit(ctx context.Context, txHash string, logIndex int) (*domain.CryptoDeposit, error)
}

// CryptoNormalizer turns raw transfer observations into canonical payment
// events once they are final enough.
type CryptoNormalizer struct {
	deposits      DepositStore
	publisher     EventPublisher
	walletAddress string
	threshold     int
	matchWindow   time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewCryptoNormalizer creates a normalizer for the configured merchant wallet.
func NewCryptoNormalizer(deposits DepositStore, publisher EventPublisher, walletAddress string, threshold int, matchWindow time.Duration, logger *slog.Logger) *CryptoNormalizer {
	return &CryptoNormalizer{
		deposits:      deposits,
		publisher:     publisher,
		walletAddress: walletAddress,
		threshold:     threshold,
		matchWindow:   matchWindow,
		logger:        logger,
		now:           time.Now,
	}
}

// Observe records a batch of transfers from a chain scan. Re-observing a
// known transfer only refreshes its confirmation count.
func (n *CryptoNormalizer) Observe(ctx context.Context, transfers []ethscan.TokenTransfer, head int64) error {
	for _, t := range transfers {
		if !t.IsTo(n.walletAddress) {
			continue
		}
		confirmations := int(head - t.BlockNumber + 1)
		if confirmations < 0 {
			confirmations = 0
		}
		dep := domain.CryptoDeposit{
			TxHash:        t.TxHash,
			LogIndex:      t.LogIndex,
			FromAddress:   t.From,
			AmountCents:   t.ValueUnits / usdtUnitsPerCent,
			Confirmations: confirmations,
			ObservedAt:    t.Timestamp,
		}
		if dep.AmountCents <= 0 {
			continue
		}
		if err := n.deposits.UpsertCryptoDeposit(ctx, dep); err != nil {
			return fmt.Errorf("record transfer %s: %w", domain.CryptoEventID(t.TxHash, t.LogIndex), err)
		}
	}
	return nil
}

// Settle matches every deposit at or above the confirmation threshold to an
// open payment intent, publishes its canonical event, and finalizes the
// deposit and intent together. Returns how many events were published.
func (n *CryptoNormalizer) Settle(ctx context.Context) (int, error) {
	confirmed, err := n.deposits.ListConfirmableDeposits(ctx, n.threshold, settleBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list confirmable deposits: %w", err)
	}

	published := 0
	for _, dep := range confirmed {
		since := n.now().Add(-n.matchWindow)
		intent, err := n.deposits.FindOpenIntentByAmount(ctx, dep.AmountCents, since)
		if err != nil {
			if errors.Is(err, store.ErrIntentNotFound) {
				if err := n.deposits.MarkDepositUnmatched(ctx, dep.TxHash, dep.LogIndex); err != nil {
					return published, fmt.Errorf("queue unmatched deposit: %w", err)
				}
				n.logger.Warn("confirmed transfer matched no payment intent; queued for resolution",
					"tx_hash", dep.TxHash, "log_index", dep.LogIndex, "amount_cents", dep.AmountCents)
				continue
			}
			return published, fmt.Errorf("match deposit %s: %w", domain.CryptoEventID(dep.TxHash, dep.LogIndex), err)
		}

		kind := intentEventKind(intent.Kind)
		ev := domain.PaymentEvent{
			EventID:           domain.CryptoEventID(dep.TxHash, dep.LogIndex),
			Rail:              domain.RailCrypto,
			Kind:              kind,
			UserID:            intent.UserID,
			AmountCents:       dep.AmountCents,
			ObservedAt:        dep.ObservedAt,
			ConfirmationLevel: dep.Confirmations,
		}
		if err := n.publisher.PublishPaymentEvent(ctx, ev); err != nil {
			// Deposit stays pending and the intent stays open; the next scan
			// retries the whole match.
			return published, fmt.Errorf("publish event %s: %w", ev.EventID, err)
		}
		if err := n.deposits.MatchDepositToIntent(ctx, dep.TxHash, dep.LogIndex, intent.ID, intent.UserID, kind); err != nil {
			return published, fmt.Errorf("finalize deposit %s: %w", ev.EventID, err)
		}
		published++
		n.logger.Info("crypto deposit credited",
			"tx_hash", dep.TxHash, "log_index", dep.LogIndex,
			"user_id", intent.UserID, "kind", kind, "confirmations", dep.Confirmations)
	}
	return published, nil
}

// ResolveUnmatched attributes a queued deposit to a user by operator decision,
// publishes its canonical event, then finalizes the deposit.
func (n *CryptoNormalizer) ResolveUnmatched(ctx context.Context, txHash string, logIndex int, userID uuid.UUID, kind string) (*domain.PaymentEvent, error) {
	if !domain.ValidKind(kind) {
		return nil, fmt.Errorf("invalid event kind %q", kind)
	}
	dep, err := n.deposits.GetUnmatchedDeposit(ctx, txHash, logIndex)
	if err != nil {
		return nil, err
	}

	ev := domain.PaymentEvent{
		EventID:           domain.CryptoEventID(txHash, logIndex),
		Rail:              domain.RailCrypto,
		Kind:              kind,
		UserID:            userID,
		AmountCents:       dep.AmountCents,
		ObservedAt:        dep.ObservedAt,
		ConfirmationLevel: dep.Confirmations,
	}
	if err := n.publisher.PublishPaymentEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("publish resolved event %s: %w", ev.EventID, err)
	}
	if err := n.deposits.MarkDepositCredited(ctx, txHash, logIndex, userID, kind); err != nil {
		// The event is already on the queue; leaving the deposit unmatched
		// only means a retried resolution republishes a deduplicated event.
		return nil, err
	}
	return &ev, nil
}

func intentEventKind(intentKind string) string {
	if intentKind == domain.IntentKindSubscription {
		return domain.KindSubscriptionCreated
	}
	return domain.KindOneTime
}
