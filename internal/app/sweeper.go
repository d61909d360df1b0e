/**
 * @description
 * Time-driven expiry sweep for the subscription state machine. Subscriptions
 * that received no renewal event within the grace window after their period
 * end move to past_due, then to inactive after a second grace window. The
 * sweep is the only writer of those two transitions and never touches quota
 * counters: expiry stops future grants, it does not revoke credited balance.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

// SubscriptionStore defines the storage operations the sweeper needs.
type SubscriptionStore interface {
	MarkPastDueSubscriptions(ctx context.Context, cutoff time.Time) (int64, error)
	MarkInactiveSubscriptions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper runs the subscription expiry transitions.
type Sweeper struct {
	subs   SubscriptionStore
	grace  time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper with the configured grace window.
func NewSweeper(subs SubscriptionStore, grace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{subs: subs, grace: grace, logger: logger, now: time.Now}
}

// SweepExpired performs one pass of both transitions. Errors are logged and
// left for the next scheduled run; each pass is independently retryable.
func (s *Sweeper) SweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := s.now()

	demoted, err := s.subs.MarkInactiveSubscriptions(ctx, now.Add(-2*s.grace))
	if err != nil {
		s.logger.Error("inactive sweep failed", "error", err)
	} else if demoted > 0 {
		s.logger.Info("subscriptions marked inactive", "count", demoted)
	}

	pastDue, err := s.subs.MarkPastDueSubscriptions(ctx, now.Add(-s.grace))
	if err != nil {
		s.logger.Error("past-due sweep failed", "error", err)
	} else if pastDue > 0 {
		s.logger.Info("subscriptions marked past due", "count", pastDue)
	}
}
