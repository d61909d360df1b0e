/**
 * @description
 * PostgreSQL implementation of the entitlement data access layer. Every
 * mutation here is either a single conditional statement or a short explicit
 * transaction, because multiple server instances and background listeners race
 * on the same rows. Quota decrements, free-tier resets, and payment event
 * application are all decided inside the database, never read-then-write in
 * application code.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/o42sam/faceswap-server/internal/domain"
)

// PostgresRepository is the concrete repository backed by a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureQuotaRecord provisions the quota row for a first-time caller with the
// configured free-tier allowance. Existing rows are left untouched.
func (r *PostgresRepository) EnsureQuotaRecord(ctx context.Context, userID uuid.UUID, freeLimit int, anchor time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO quota_records (user_id, free_remaining, paid_remaining, period_anchor, updated_at)
		VALUES ($1, $2, 0, $3, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, userID, freeLimit, anchor)
	if err != nil {
		return fmt.Errorf("ensure quota record: %w", err)
	}
	return nil
}

// TryConsume atomically spends one quota unit: the free pool first, then the
// paid pool. The WHERE clause refuses the update when both pools are empty, so
// no two concurrent calls can both take the last unit.
func (r *PostgresRepository) TryConsume(ctx context.Context, userID uuid.UUID) (domain.ConsumeResult, error) {
	var free, paid int
	err := r.db.QueryRow(ctx, `
		UPDATE quota_records
		SET free_remaining = CASE WHEN free_remaining > 0 THEN free_remaining - 1 ELSE free_remaining END,
		    paid_remaining = CASE WHEN free_remaining = 0 AND paid_remaining > 0 THEN paid_remaining - 1 ELSE paid_remaining END,
		    updated_at = NOW()
		WHERE user_id = $1 AND free_remaining + paid_remaining > 0
		RETURNING free_remaining, paid_remaining
	`, userID).Scan(&free, &paid)
	if err == nil {
		return domain.ConsumeResult{Allowed: true, FreeRemaining: free, PaidRemaining: paid}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.ConsumeResult{}, fmt.Errorf("consume quota: %w", err)
	}

	// Either the record does not exist or the user is exhausted.
	err = r.db.QueryRow(ctx, `
		SELECT free_remaining, paid_remaining FROM quota_records WHERE user_id = $1
	`, userID).Scan(&free, &paid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ConsumeResult{}, ErrQuotaNotFound
		}
		return domain.ConsumeResult{}, fmt.Errorf("read quota after refused consume: %w", err)
	}
	return domain.ConsumeResult{Allowed: false, FreeRemaining: free, PaidRemaining: paid}, nil
}

// CreditQuota adds to the counters, clamping at zero on defensive negative
// deltas. Creates the record if the user has never been provisioned.
func (r *PostgresRepository) CreditQuota(ctx context.Context, userID uuid.UUID, freeDelta, paidDelta int) error {
	_, err := r.db.Exec(ctx, creditQuotaSQL, userID, freeDelta, paidDelta)
	if err != nil {
		return fmt.Errorf("credit quota: %w", err)
	}
	return nil
}

const creditQuotaSQL = `
	INSERT INTO quota_records (user_id, free_remaining, paid_remaining, period_anchor, updated_at)
	VALUES ($1, GREATEST($2, 0), GREATEST($3, 0), NOW(), NOW())
	ON CONFLICT (user_id) DO UPDATE SET
		free_remaining = GREATEST(quota_records.free_remaining + $2, 0),
		paid_remaining = GREATEST(quota_records.paid_remaining + $3, 0),
		updated_at = NOW()
`

// ResetFreeIfPeriodElapsed restores the free-tier allowance once the reset
// boundary has been crossed. The next anchor is computed in Go via
// domain.AdvancePeriodAnchor and written with a compare-and-swap on the anchor
// that was read, so concurrent callers cannot reset twice within one period:
// the loser's WHERE clause no longer matches.
func (r *PostgresRepository) ResetFreeIfPeriodElapsed(ctx context.Context, userID uuid.UUID, now time.Time, freeLimit int) (bool, error) {
	var anchor time.Time
	err := r.db.QueryRow(ctx, `
		SELECT period_anchor FROM quota_records WHERE user_id = $1
	`, userID).Scan(&anchor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read period anchor: %w", err)
	}

	next, elapsed := domain.AdvancePeriodAnchor(anchor, now)
	if !elapsed {
		return false, nil
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE quota_records
		SET free_remaining = $2, period_anchor = $3, updated_at = NOW()
		WHERE user_id = $1 AND period_anchor = $4
	`, userID, freeLimit, next, anchor)
	if err != nil {
		return false, fmt.Errorf("reset free quota: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetQuotaRecord reads a user's counters.
func (r *PostgresRepository) GetQuotaRecord(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error) {
	var rec domain.QuotaRecord
	err := r.db.QueryRow(ctx, `
		SELECT user_id, free_remaining, paid_remaining, period_anchor, updated_at
		FROM quota_records WHERE user_id = $1
	`, userID).Scan(&rec.UserID, &rec.FreeRemaining, &rec.PaidRemaining, &rec.PeriodAnchor, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuotaNotFound
		}
		return nil, fmt.Errorf("get quota record: %w", err)
	}
	return &rec, nil
}

// ApplyPaymentEvent records the idempotence marker and applies the event's
// state delta in one transaction. A marker conflict aborts with
// ErrDuplicateEvent and leaves every other row untouched, which makes
// at-least-once delivery from both payment rails safe.
func (r *PostgresRepository) ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent, params ApplyParams) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply event: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, rail, kind, user_id, amount_cents, applied_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, ev.EventID, ev.Rail, ev.Kind, ev.UserID, ev.AmountCents)
	if err != nil {
		return fmt.Errorf("record processed event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEvent
	}

	if params.FreeDelta != 0 || params.PaidDelta != 0 {
		if _, err := tx.Exec(ctx, creditQuotaSQL, ev.UserID, params.FreeDelta, params.PaidDelta); err != nil {
			return fmt.Errorf("credit quota for event %s: %w", ev.EventID, err)
		}
	}

	if sub := params.Subscription; sub != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (user_id, tier, status, payment_rail, current_period_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				tier = EXCLUDED.tier,
				status = EXCLUDED.status,
				payment_rail = EXCLUDED.payment_rail,
				current_period_end = COALESCE(EXCLUDED.current_period_end, subscriptions.current_period_end),
				updated_at = NOW()
		`, ev.UserID, sub.Tier, sub.Status, sub.PaymentRail, sub.CurrentPeriodEnd)
		if err != nil {
			return fmt.Errorf("upsert subscription for event %s: %w", ev.EventID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply event: %w", err)
	}
	return nil
}

// GetSubscription retrieves a user's subscription state.
func (r *PostgresRepository) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := r.db.QueryRow(ctx, `
		SELECT user_id, tier, status, payment_rail, current_period_end, updated_at
		FROM subscriptions WHERE user_id = $1
	`, userID).Scan(&sub.UserID, &sub.Tier, &sub.Status, &sub.PaymentRail, &sub.CurrentPeriodEnd, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// MarkPastDueSubscriptions demotes active subscriptions whose period end
// passed before the cutoff. The sweep never touches quota counters.
func (r *PostgresRepository) MarkPastDueSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND current_period_end IS NOT NULL AND current_period_end < $3
	`, domain.StatusPastDue, domain.StatusActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark past due: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkInactiveSubscriptions finishes the demotion for subscriptions that
// stayed past_due through the second grace window.
func (r *PostgresRepository) MarkInactiveSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND current_period_end IS NOT NULL AND current_period_end < $3
	`, domain.StatusInactive, domain.StatusPastDue, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark inactive: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertCryptoDeposit records an observed transfer or refreshes its
// confirmation count on re-scan. Confirmations only ever grow.
func (r *PostgresRepository) UpsertCryptoDeposit(ctx context.Context, dep domain.CryptoDeposit) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO crypto_deposits (tx_hash, log_index, from_address, amount_cents, confirmations, status, observed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (tx_hash, log_index) DO UPDATE SET
			confirmations = GREATEST(crypto_deposits.confirmations, EXCLUDED.confirmations),
			updated_at = NOW()
	`, dep.TxHash, dep.LogIndex, dep.FromAddress, dep.AmountCents, dep.Confirmations, domain.DepositPending, dep.ObservedAt)
	if err != nil {
		return fmt.Errorf("upsert crypto deposit: %w", err)
	}
	return nil
}

// ListConfirmableDeposits returns pending deposits whose confirmation count
// has reached the threshold, oldest first.
func (r *PostgresRepository) ListConfirmableDeposits(ctx context.Context, minConfirmations, limit int) ([]domain.CryptoDeposit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tx_hash, log_index, from_address, amount_cents, confirmations, status, user_id, COALESCE(kind, ''), observed_at, updated_at
		FROM crypto_deposits
		WHERE status = $1 AND confirmations >= $2
		ORDER BY observed_at ASC
		LIMIT $3
	`, domain.DepositPending, minConfirmations, limit)
	if err != nil {
		return nil, fmt.Errorf("list confirmable deposits: %w", err)
	}
	defer rows.Close()
	return scanDeposits(rows)
}

// MatchDepositToIntent finalizes a matched deposit and its intent together.
// Both guards must hit or the transaction aborts, so a concurrent scan cannot
// credit the deposit twice or leave the intent open for a second transfer.
func (r *PostgresRepository) MatchDepositToIntent(ctx context.Context, txHash string, logIndex int, intentID, userID uuid.UUID, kind string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin match deposit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE crypto_deposits
		SET status = $1, user_id = $2, kind = $3, updated_at = NOW()
		WHERE tx_hash = $4 AND log_index = $5 AND status = $6
	`, domain.DepositCredited, userID, kind, txHash, logIndex, domain.DepositPending)
	if err != nil {
		return fmt.Errorf("credit matched deposit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDepositNotFound
	}

	tag, err = tx.Exec(ctx, `
		UPDATE payment_intents SET status = $1 WHERE id = $2 AND status = $3
	`, domain.IntentSettled, intentID, domain.IntentOpen)
	if err != nil {
		return fmt.Errorf("settle matched intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIntentNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit match deposit: %w", err)
	}
	return nil
}

// MarkDepositCredited finalizes a deposit after its canonical event has been
// handed to the reconciliation pipeline.
func (r *PostgresRepository) MarkDepositCredited(ctx context.Context, txHash string, logIndex int, userID uuid.UUID, kind string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE crypto_deposits
		SET status = $1, user_id = $2, kind = $3, updated_at = NOW()
		WHERE tx_hash = $4 AND log_index = $5 AND status IN ($6, $7)
	`, domain.DepositCredited, userID, kind, txHash, logIndex, domain.DepositPending, domain.DepositUnmatched)
	if err != nil {
		return fmt.Errorf("mark deposit credited: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDepositNotFound
	}
	return nil
}

// MarkDepositUnmatched parks a confirmed deposit that no user could be
// matched to. It stays queued for manual or deferred resolution.
func (r *PostgresRepository) MarkDepositUnmatched(ctx context.Context, txHash string, logIndex int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE crypto_deposits
		SET status = $1, updated_at = NOW()
		WHERE tx_hash = $2 AND log_index = $3 AND status = $4
	`, domain.DepositUnmatched, txHash, logIndex, domain.DepositPending)
	if err != nil {
		return fmt.Errorf("mark deposit unmatched: %w", err)
	}
	return nil
}

// ListUnmatchedDeposits returns the queue of confirmed-but-unattributed
// transfers, oldest first.
func (r *PostgresRepository) ListUnmatchedDeposits(ctx context.Context, limit int) ([]domain.CryptoDeposit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tx_hash, log_index, from_address, amount_cents, confirmations, status, user_id, COALESCE(kind, ''), observed_at, updated_at
		FROM crypto_deposits
		WHERE status = $1
		ORDER BY observed_at ASC
		LIMIT $2
	`, domain.DepositUnmatched, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched deposits: %w", err)
	}
	defer rows.Close()
	return scanDeposits(rows)
}

// GetUnmatchedDeposit fetches one unmatched deposit for operator resolution.
func (r *PostgresRepository) GetUnmatchedDeposit(ctx context.Context, txHash string, logIndex int) (*domain.CryptoDeposit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT tx_hash, log_index, from_address, amount_cents, confirmations, status, user_id, COALESCE(kind, ''), observed_at, updated_at
		FROM crypto_deposits
		WHERE tx_hash = $1 AND log_index = $2 AND status = $3
	`, txHash, logIndex, domain.DepositUnmatched)
	if err != nil {
		return nil, fmt.Errorf("get unmatched deposit: %w", err)
	}
	defer rows.Close()
	deps, err := scanDeposits(rows)
	if err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		return nil, ErrDepositNotFound
	}
	return &deps[0], nil
}

func scanDeposits(rows pgx.Rows) ([]domain.CryptoDeposit, error) {
	var deposits []domain.CryptoDeposit
	for rows.Next() {
		var dep domain.CryptoDeposit
		if err := rows.Scan(
			&dep.TxHash, &dep.LogIndex, &dep.FromAddress, &dep.AmountCents,
			&dep.Confirmations, &dep.Status, &dep.UserID, &dep.Kind,
			&dep.ObservedAt, &dep.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deposits: %w", err)
	}
	return deposits, nil
}

// CreatePaymentIntent records that a user announced an incoming transfer.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent domain.PaymentIntent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_intents (id, user_id, kind, amount_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, intent.ID, intent.UserID, intent.Kind, intent.AmountCents, intent.Status, intent.CreatedAt)
	if err != nil {
		return fmt.Errorf("create payment intent: %w", err)
	}
	return nil
}

// FindOpenIntentByAmount matches a confirmed deposit to the oldest open intent
// for the same amount created after the window cutoff.
func (r *PostgresRepository) FindOpenIntentByAmount(ctx context.Context, amountCents int64, since time.Time) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, kind, amount_cents, status, created_at
		FROM payment_intents
		WHERE status = $1 AND amount_cents = $2 AND created_at >= $3
		ORDER BY created_at ASC
		LIMIT 1
	`, domain.IntentOpen, amountCents, since).Scan(
		&intent.ID, &intent.UserID, &intent.Kind, &intent.AmountCents, &intent.Status, &intent.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("find open intent: %w", err)
	}
	return &intent, nil
}
