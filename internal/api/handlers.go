/**
 * @description
 * This file contains the HTTP handlers for the entitlement service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate application components, and writing the HTTP response. They
 * act as the bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/o42sam/faceswap-server/internal/app"
	"github.com/o42sam/faceswap-server/internal/domain"
	"github.com/o42sam/faceswap-server/internal/store"
	"github.com/o42sam/faceswap-server/pkg/swapclient"
)

const (
	// maxWebhookBody bounds Stripe webhook payloads before signature checking.
	maxWebhookBody = 64 * 1024
	// maxSwapBody bounds the image payload forwarded to inference.
	maxSwapBody = 20 << 20
)

// EntitlementStore defines the read and intent operations the handlers need.
type EntitlementStore interface {
	GetQuotaRecord(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error)
	GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error)
	CreatePaymentIntent(ctx context.Context, intent domain.PaymentIntent) error
	ListUnmatchedDeposits(ctx context.Context, limit int) ([]domain.CryptoDeposit, error)
}

// Handlers holds the application components the HTTP layer dispatches to.
type Handlers struct {
	evaluator *app.Evaluator
	stripe    *app.StripeNormalizer
	crypto    *app.CryptoNormalizer
	publisher app.EventPublisher
	store     EntitlementStore
	limiter   *app.RedisRequestRateLimiter
	inference *swapclient.Client
	logger    *slog.Logger

	freeLimit      int
	swapRatePerMin int
	oneTimeCents   int64
	monthlyCents   int64
	walletAddress  string
	usdtContract   string
}

// HandlersParams bundles the dependencies for NewHandlers.
type HandlersParams struct {
	Evaluator        *app.Evaluator
	StripeNormalizer *app.StripeNormalizer
	CryptoNormalizer *app.CryptoNormalizer
	Publisher        app.EventPublisher
	Store            EntitlementStore
	Limiter          *app.RedisRequestRateLimiter
	Inference        *swapclient.Client
	Logger           *slog.Logger

	FreeLimit      int
	SwapRatePerMin int
	OneTimeCents   int64
	MonthlyCents   int64
	WalletAddress  string
	USDTContract   string
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(p HandlersParams) *Handlers {
	return &Handlers{
		evaluator:      p.Evaluator,
		stripe:         p.StripeNormalizer,
		crypto:         p.CryptoNormalizer,
		publisher:      p.Publisher,
		store:          p.Store,
		limiter:        p.Limiter,
		inference:      p.Inference,
		logger:         p.Logger,
		freeLimit:      p.FreeLimit,
		swapRatePerMin: p.SwapRatePerMin,
		oneTimeCents:   p.OneTimeCents,
		monthlyCents:   p.MonthlyCents,
		walletAddress:  p.WalletAddress,
		usdtContract:   p.USDTContract,
	}
}

// SwapHandler admits or denies one face-swap request, then forwards admitted
// requests to the inference service. A failed inference does not refund the
// consumed unit.
func (h *Handlers) SwapHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "swap", userID.String(), h.swapRatePerMin, time.Minute)
	if err != nil {
		// Limiter trouble must not take the endpoint down.
		h.logger.Warn("rate limiter unavailable; admitting request", "user_id", userID, "error", err)
	} else if h.swapRatePerMin > 0 && count > h.swapRatePerMin {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
		return
	}

	decision, err := h.evaluator.Evaluate(r.Context(), userID, time.Now().UTC())
	if err != nil {
		h.logger.Error("entitlement evaluation failed", "user_id", userID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Entitlement check temporarily unavailable. Please retry.")
		return
	}
	if !decision.Allowed {
		h.writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":          "You have no requests remaining. Purchase credits or subscribe to continue.",
			"reason":         decision.Reason,
			"free_remaining": decision.FreeRemaining,
			"paid_remaining": decision.PaidRemaining,
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxSwapBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	result, err := h.inference.Swap(r.Context(), r.Header.Get("Content-Type"), payload)
	if err != nil {
		h.logger.Error("inference request failed", "user_id", userID, "error", err)
		h.writeError(w, http.StatusBadGateway, "Face swap failed. Please try again.")
		return
	}

	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(result.Body)
}

// EntitlementHandler reports the caller's remaining capacity and plan status.
func (h *Handlers) EntitlementHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	status := domain.EntitlementStatus{
		UserID:            userID,
		FreeRemaining:     h.freeLimit,
		SubscriptionTier:  domain.TierNone,
		SubscriptionState: domain.StatusInactive,
	}

	quota, err := h.store.GetQuotaRecord(r.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrQuotaNotFound) {
		h.logger.Error("failed to load quota record", "user_id", userID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Entitlement status temporarily unavailable")
		return
	}
	if quota != nil {
		status.FreeRemaining = quota.FreeRemaining
		status.PaidRemaining = quota.PaidRemaining
	}

	sub, err := h.store.GetSubscription(r.Context(), userID)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		h.logger.Error("failed to load subscription", "user_id", userID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Entitlement status temporarily unavailable")
		return
	}
	if sub != nil {
		status.SubscriptionTier = sub.Tier
		status.SubscriptionState = sub.Status
		status.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}

	total := status.FreeRemaining + status.PaidRemaining
	if total > 0 {
		status.Message = fmt.Sprintf("You have %d requests remaining.", total)
	} else {
		status.Message = "You have no requests remaining. Purchase credits or subscribe to continue."
	}

	h.writeJSON(w, http.StatusOK, status)
}

// StripeWebhookHandler verifies and normalizes Stripe webhook deliveries, then
// publishes the canonical event for asynchronous reconciliation. Stripe
// retries on any non-2xx response, so only transient publish trouble returns
// one; malformed or irrelevant deliveries are acknowledged and dropped.
func (h *Handlers) StripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Unable to read webhook body")
		return
	}

	ev, err := h.stripe.Normalize(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, app.ErrSignatureInvalid) {
			h.writeError(w, http.StatusBadRequest, "Invalid webhook signature")
			return
		}
		// Amount mismatches and unparsable payloads are logged and acked;
		// retrying an immutable delivery can never succeed.
		h.logger.Warn("stripe webhook dropped", "error", err)
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if ev == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	if err := h.publisher.PublishPaymentEvent(r.Context(), *ev); err != nil {
		h.logger.Error("failed to publish payment event", "event_id", ev.EventID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "Event queue unavailable")
		return
	}

	h.logger.Info("stripe webhook accepted", "event_id", ev.EventID, "kind", ev.Kind)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type initiateUSDTRequest struct {
	Kind string `json:"kind"`
}

type initiateUSDTResponse struct {
	IntentID        string `json:"intent_id"`
	WalletAddress   string `json:"wallet_address"`
	ContractAddress string `json:"contract_address"`
	AmountCents     int64  `json:"amount_cents"`
	Message         string `json:"message"`
}

// InitiateUSDTPaymentHandler records that the caller is about to transfer
// USDT, so the confirmed deposit can be matched back to them by amount.
func (h *Handlers) InitiateUSDTPaymentHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req initiateUSDTRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var amount int64
	switch req.Kind {
	case domain.IntentKindOneTime:
		amount = h.oneTimeCents
	case domain.IntentKindSubscription:
		amount = h.monthlyCents
	default:
		h.writeError(w, http.StatusBadRequest, "kind must be one_time or subscription")
		return
	}

	intent := domain.PaymentIntent{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        req.Kind,
		AmountCents: amount,
		Status:      domain.IntentOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.CreatePaymentIntent(r.Context(), intent); err != nil {
		h.logger.Error("failed to create payment intent", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to create payment intent")
		return
	}

	h.writeJSON(w, http.StatusCreated, initiateUSDTResponse{
		IntentID:        intent.ID.String(),
		WalletAddress:   h.walletAddress,
		ContractAddress: h.usdtContract,
		AmountCents:     amount,
		Message:         fmt.Sprintf("Send exactly %d.%02d USDT to the wallet address. Credit is applied after on-chain confirmation.", amount/100, amount%100),
	})
}

// ListUnmatchedDepositsHandler returns confirmed deposits that matched no
// payment intent and await operator resolution.
func (h *Handlers) ListUnmatchedDepositsHandler(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.store.ListUnmatchedDeposits(r.Context(), 100)
	if err != nil {
		h.logger.Error("failed to list unmatched deposits", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list unmatched deposits")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"deposits": deposits})
}

type resolveDepositRequest struct {
	TxHash   string `json:"tx_hash"`
	LogIndex int    `json:"log_index"`
	UserID   string `json:"user_id"`
	Kind     string `json:"kind"`
}

// ResolveUnmatchedDepositHandler attributes an unmatched deposit to a user by
// operator decision and publishes its payment event.
func (h *Handlers) ResolveUnmatchedDepositHandler(w http.ResponseWriter, r *http.Request) {
	var req resolveDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "user_id must be a valid UUID")
		return
	}

	ev, err := h.crypto.ResolveUnmatched(r.Context(), req.TxHash, req.LogIndex, userID, req.Kind)
	if err != nil {
		if errors.Is(err, store.ErrDepositNotFound) {
			h.writeError(w, http.StatusNotFound, "No unmatched deposit with that transaction hash and log index")
			return
		}
		h.logger.Error("failed to resolve unmatched deposit", "tx_hash", req.TxHash, "log_index", req.LogIndex, "error", err)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "resolved", "event_id": ev.EventID})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
