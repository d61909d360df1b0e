/**
 * @description
 * Stripe side of the payment event normalizer. Webhook payloads are verified
 * against the endpoint secret at the boundary, then mapped onto canonical
 * payment events. Amounts are validated against the configured prices so a
 * tampered or misconfigured checkout can never buy credit at the wrong price.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v79: Stripe payload types and webhook
 *   signature verification.
 */
package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/o42sam/faceswap-server/internal/domain"
)

var (
	// ErrSignatureInvalid is returned when the webhook signature does not
	// verify. The payload never reaches the mapping logic.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrAmountMismatch is returned when a paid amount does not match the
	// configured price. The event is rejected without any state mutation.
	ErrAmountMismatch = errors.New("payment amount mismatch")
)

// StripeNormalizer converts verified Stripe webhook payloads into canonical
// payment events.
type StripeNormalizer struct {
	webhookSecret string
	oneTimeCents  int64
	monthlyCents  int64
}

// NewStripeNormalizer creates a normalizer bound to the endpoint secret and
// the configured prices, both in the smallest currency unit.
func NewStripeNormalizer(webhookSecret string, oneTimeCents, monthlyCents int64) *StripeNormalizer {
	return &StripeNormalizer{
		webhookSecret: webhookSecret,
		oneTimeCents:  oneTimeCents,
		monthlyCents:  monthlyCents,
	}
}

// Normalize verifies the signed payload and maps it to a canonical event.
// Event types outside the handled set return (nil, nil) and are ignored.
func (n *StripeNormalizer) Normalize(payload []byte, sigHeader string) (*domain.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, n.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	switch event.Type {
	case "checkout.session.completed":
		return n.normalizeCheckoutSession(event)
	case "invoice.paid":
		return n.normalizeInvoicePaid(event)
	case "customer.subscription.deleted":
		return n.normalizeSubscriptionDeleted(event)
	default:
		return nil, nil
	}
}

func (n *StripeNormalizer) normalizeCheckoutSession(event stripe.Event) (*domain.PaymentEvent, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal checkout session: %w", err)
	}

	userID, err := userIDFromMetadata(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("checkout session %s: %w", sess.ID, err)
	}

	kind := domain.KindOneTime
	expected := n.oneTimeCents
	if sess.Mode == stripe.CheckoutSessionModeSubscription {
		kind = domain.KindSubscriptionCreated
		expected = n.monthlyCents
	}
	if sess.AmountTotal != expected {
		return nil, fmt.Errorf("%w: checkout session %s paid %d, expected %d",
			ErrAmountMismatch, sess.ID, sess.AmountTotal, expected)
	}

	return &domain.PaymentEvent{
		EventID:           event.ID,
		Rail:              domain.RailStripe,
		Kind:              kind,
		UserID:            userID,
		AmountCents:       sess.AmountTotal,
		ObservedAt:        time.Unix(event.Created, 0).UTC(),
		ConfirmationLevel: domain.ConfirmationFinal,
	}, nil
}

func (n *StripeNormalizer) normalizeInvoicePaid(event stripe.Event) (*domain.PaymentEvent, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("unmarshal invoice: %w", err)
	}

	// The first invoice of a new subscription arrives alongside the checkout
	// completion that already granted the opening period. Crediting it too
	// would double-grant, so only renewal invoices are mapped.
	if inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		return nil, nil
	}

	metadata := inv.Metadata
	if len(metadata) == 0 && inv.SubscriptionDetails != nil {
		metadata = inv.SubscriptionDetails.Metadata
	}
	userID, err := userIDFromMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", inv.ID, err)
	}

	if inv.AmountPaid != n.monthlyCents {
		return nil, fmt.Errorf("%w: invoice %s paid %d, expected %d",
			ErrAmountMismatch, inv.ID, inv.AmountPaid, n.monthlyCents)
	}

	return &domain.PaymentEvent{
		EventID:           event.ID,
		Rail:              domain.RailStripe,
		Kind:              domain.KindSubscriptionRenewed,
		UserID:            userID,
		AmountCents:       inv.AmountPaid,
		ObservedAt:        time.Unix(event.Created, 0).UTC(),
		ConfirmationLevel: domain.ConfirmationFinal,
	}, nil
}

func (n *StripeNormalizer) normalizeSubscriptionDeleted(event stripe.Event) (*domain.PaymentEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}

	userID, err := userIDFromMetadata(sub.Metadata)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	return &domain.PaymentEvent{
		EventID:           event.ID,
		Rail:              domain.RailStripe,
		Kind:              domain.KindSubscriptionCanceled,
		UserID:            userID,
		ObservedAt:        time.Unix(event.Created, 0).UTC(),
		ConfirmationLevel: domain.ConfirmationFinal,
	}, nil
}

func userIDFromMetadata(metadata map[string]string) (uuid.UUID, error) {
	raw, ok := metadata["user_id"]
	if !ok || raw == "" {
		return uuid.Nil, errors.New("metadata missing user_id")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("metadata user_id is not a uuid: %w", err)
	}
	return userID, nil
}
