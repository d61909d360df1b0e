/**
 * @description
 * The reconciliation engine is the single serialized consumer of canonical
 * payment events. Both rails feed it through the payment event queue; it
 * derives a state delta per event kind and hands the delta plus the
 * idempotence marker to the store as one atomic application. Duplicate
 * deliveries are absorbed silently.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/o42sam/faceswap-server/internal/domain"
	"github.com/o42sam/faceswap-server/internal/store"
)

// EventStore defines the storage operation the reconciler needs.
type EventStore interface {
	ApplyPaymentEvent(ctx context.Context, ev domain.PaymentEvent, params store.ApplyParams) error
}

// Grants carries the configured credit amounts per event kind.
type Grants struct {
	OneTimeRequests int
	MonthlyRequests int
}

// Reconciler applies canonical payment events to user state.
type Reconciler struct {
	events EventStore
	grants Grants
	logger *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler with the configured grants.
func NewReconciler(events EventStore, grants Grants, logger *slog.Logger) *Reconciler {
	return &Reconciler{events: events, grants: grants, logger: logger, now: time.Now}
}

// Apply processes one canonical event. Re-delivery of an already-applied
// event is a no-op, not an error. Any other failure is returned so the caller
// can trigger re-delivery; the engine never retries internally.
func (r *Reconciler) Apply(ctx context.Context, ev domain.PaymentEvent) error {
	if ev.EventID == "" {
		return errors.New("payment event missing event id")
	}
	if !domain.ValidKind(ev.Kind) {
		return fmt.Errorf("payment event %s has unknown kind %q", ev.EventID, ev.Kind)
	}

	params, err := r.deriveParams(ev)
	if err != nil {
		return err
	}

	if err := r.events.ApplyPaymentEvent(ctx, ev, params); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			r.logger.Debug("duplicate payment event absorbed", "event_id", ev.EventID, "rail", ev.Rail)
			return nil
		}
		return fmt.Errorf("apply payment event %s: %w", ev.EventID, err)
	}

	r.logger.Info("payment event applied",
		"event_id", ev.EventID,
		"rail", ev.Rail,
		"kind", ev.Kind,
		"user_id", ev.UserID,
		"amount_cents", ev.AmountCents,
		"paid_delta", params.PaidDelta,
	)
	return nil
}

func (r *Reconciler) deriveParams(ev domain.PaymentEvent) (store.ApplyParams, error) {
	switch ev.Kind {
	case domain.KindOneTime:
		return store.ApplyParams{PaidDelta: r.grants.OneTimeRequests}, nil

	case domain.KindSubscriptionCreated, domain.KindSubscriptionRenewed:
		// The grant is additive per renewal: unused paid credit from a prior
		// period carries forward rather than being reset.
		periodEnd := r.now().Add(domain.QuotaPeriod)
		return store.ApplyParams{
			PaidDelta: r.grants.MonthlyRequests,
			Subscription: &store.SubscriptionChange{
				Tier:             domain.TierMonthly,
				Status:           domain.StatusActive,
				PaymentRail:      ev.Rail,
				CurrentPeriodEnd: &periodEnd,
			},
		}, nil

	case domain.KindSubscriptionCanceled:
		// Cancellation stops future grants; already-credited balance stays.
		return store.ApplyParams{
			Subscription: &store.SubscriptionChange{
				Tier:        domain.TierMonthly,
				Status:      domain.StatusCanceled,
				PaymentRail: ev.Rail,
			},
		}, nil
	}
	return store.ApplyParams{}, fmt.Errorf("unhandled event kind %q", ev.Kind)
}
