/**
 * @description
 * The entitlement evaluator is the synchronous gate in the request path: given
 * a user, answer allow/deny and spend one quota unit atomically. All the
 * racing is resolved inside the store's conditional updates; this layer only
 * sequences them and translates failures into decisions.
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
)

// QuotaStore defines the storage operations the evaluator needs.
type QuotaStore interface {
	EnsureQuotaRecord(ctx context.Context, userID uuid.UUID, freeLimit int, anchor time.Time) error
	ResetFreeIfPeriodElapsed(ctx context.Context, userID uuid.UUID, now time.Time, freeLimit int) (bool, error)
	TryConsume(ctx context.Context, userID uuid.UUID) (domain.ConsumeResult, error)
}

// Evaluator decides whether a user may consume one face-swap unit.
type Evaluator struct {
	quota     QuotaStore
	freeLimit int
	logger    *slog.Logger
}

// NewEvaluator creates an evaluator with the configured free-tier allowance.
func NewEvaluator(quota QuotaStore, freeLimit int, logger *slog.Logger) *Evaluator {
	return &Evaluator{quota: quota, freeLimit: freeLimit, logger: logger}
}

// Evaluate answers allow/deny for one unit of capacity and decrements the
// quota on allow. The free pool is brought up to date for the current period
// before the consume attempt. Storage failure fails closed: the request is
// denied rather than risking an over-grant. The returned error carries the
// internal cause for logging; the Decision alone is what callers may surface.
func (e *Evaluator) Evaluate(ctx context.Context, userID uuid.UUID, now time.Time) (domain.Decision, error) {
	if _, err := e.quota.ResetFreeIfPeriodElapsed(ctx, userID, now, e.freeLimit); err != nil {
		return unavailableDecision(), fmt.Errorf("reset free quota: %w", err)
	}

	result, err := e.quota.TryConsume(ctx, userID)
	if errors.Is(err, store.ErrQuotaNotFound) {
		// First request from this user: provision the free-tier record and
		// try again. The insert is a no-op if a racing request won.
		if err := e.quota.EnsureQuotaRecord(ctx, userID, e.freeLimit, now); err != nil {
			return unavailableDecision(), fmt.Errorf("provision quota record: %w", err)
		}
		result, err = e.quota.TryConsume(ctx, userID)
		if err != nil {
			return unavailableDecision(), fmt.Errorf("consume after provisioning: %w", err)
		}
	} else if err != nil {
		return unavailableDecision(), fmt.Errorf("consume quota: %w", err)
	}

	if !result.Allowed {
		e.logger.Info("request denied", "user_id", userID, "reason", domain.ReasonQuotaExhausted)
		return domain.Decision{
			Allowed:       false,
			Reason:        domain.ReasonQuotaExhausted,
			FreeRemaining: result.FreeRemaining,
			PaidRemaining: result.PaidRemaining,
		}, nil
	}

	return domain.Decision{
		Allowed:       true,
		FreeRemaining: result.FreeRemaining,
		PaidRemaining: result.PaidRemaining,
	}, nil
}

func unavailableDecision() domain.Decision {
	return domain.Decision{Allowed: false, Reason: domain.ReasonTemporarilyUnavailable}
}
