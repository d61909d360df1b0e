package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/o42sam/faceswap-server/internal/app"
	"github.com/o42sam/faceswap-server/internal/domain"
	"github.com/o42sam/faceswap-server/internal/store"
	"github.com/o42sam/faceswap-server/pkg/rabbitmq"
	"github.com/o42sam/faceswap-server/pkg/swapclient"
)

const handlerWebhookSecret = "whsec_handler_test"

type stubEntitlementStore struct {
	quota   *domain.QuotaRecord
	sub     *domain.Subscription
	intents []domain.PaymentIntent
}

func (s *stubEntitlementStore) GetQuotaRecord(ctx context.Context, userID uuid.UUID) (*domain.QuotaRecord, error) {
	if s.quota == nil {
		return nil, store.ErrQuotaNotFound
	}
	return s.quota, nil
}

func (s *stubEntitlementStore) GetSubscription(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	if s.sub == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return s.sub, nil
}

func (s *stubEntitlementStore) CreatePaymentIntent(ctx context.Context, intent domain.PaymentIntent) error {
	s.intents = append(s.intents, intent)
	return nil
}

func (s *stubEntitlementStore) ListUnmatchedDeposits(ctx context.Context, limit int) ([]domain.CryptoDeposit, error) {
	return nil, nil
}

// stubQuota implements app.QuotaStore with a fixed balance.
type stubQuota struct {
	free, paid int
}

func (s *stubQuota) EnsureQuotaRecord(ctx context.Context, userID uuid.UUID, freeLimit int, anchor time.Time) error {
	return nil
}

func (s *stubQuota) ResetFreeIfPeriodElapsed(ctx context.Context, userID uuid.UUID, now time.Time, freeLimit int) (bool, error) {
	return false, nil
}

func (s *stubQuota) TryConsume(ctx context.Context, userID uuid.UUID) (domain.ConsumeResult, error) {
	if s.free > 0 {
		s.free--
		return domain.ConsumeResult{Allowed: true, FreeRemaining: s.free, PaidRemaining: s.paid}, nil
	}
	if s.paid > 0 {
		s.paid--
		return domain.ConsumeResult{Allowed: true, FreeRemaining: s.free, PaidRemaining: s.paid}, nil
	}
	return domain.ConsumeResult{Allowed: false}, nil
}

type stubEventPublisher struct {
	events []domain.PaymentEvent
	err    error
}

func (p *stubEventPublisher) PublishPaymentEvent(ctx context.Context, ev domain.PaymentEvent) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandlers(es *stubEntitlementStore, quota *stubQuota, publisher app.EventPublisher, inferenceURL string) *Handlers {
	return NewHandlers(HandlersParams{
		Evaluator:        app.NewEvaluator(quota, 1, discardLogger()),
		StripeNormalizer: app.NewStripeNormalizer(handlerWebhookSecret, 2999, 299),
		Publisher:        publisher,
		Store:            es,
		Limiter:          app.NewRedisRequestRateLimiter(nil, ""),
		Inference:        swapclient.NewClient(inferenceURL, ""),
		Logger:           discardLogger(),
		FreeLimit:        1,
		SwapRatePerMin:   12,
		OneTimeCents:     2999,
		MonthlyCents:     299,
		WalletAddress:    "0xaaaa000000000000000000000000000000000001",
		USDTContract:     "0xdac17f958d2ee523a2206206994597c13d831ec7",
	})
}

func authedRequest(method, target string, body []byte, userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), authUserIDKey, userID)
	return req.WithContext(ctx)
}

func TestSwapHandlerForwardsAdmittedRequest(t *testing.T) {
	inference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer inference.Close()

	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{free: 1}, &stubEventPublisher{}, inference.URL)

	rec := httptest.NewRecorder()
	h.SwapHandler(rec, authedRequest("POST", "/swap", []byte("source-image"), uuid.New()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "fake-png-bytes" {
		t.Fatalf("expected inference body relayed, got %q", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected inference content type relayed, got %q", ct)
	}
}

func TestSwapHandlerDeniesExhaustedQuota(t *testing.T) {
	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{}, &stubEventPublisher{}, "http://unused")

	rec := httptest.NewRecorder()
	h.SwapHandler(rec, authedRequest("POST", "/swap", nil, uuid.New()))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["reason"] != domain.ReasonQuotaExhausted {
		t.Fatalf("expected reason %q, got %v", domain.ReasonQuotaExhausted, body["reason"])
	}
}

func TestSwapHandlerDoesNotRefundFailedInference(t *testing.T) {
	inference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer inference.Close()

	quota := &stubQuota{free: 1}
	h := newTestHandlers(&stubEntitlementStore{}, quota, &stubEventPublisher{}, inference.URL)

	rec := httptest.NewRecorder()
	h.SwapHandler(rec, authedRequest("POST", "/swap", []byte("source-image"), uuid.New()))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if quota.free != 0 {
		t.Fatalf("a failed swap must still consume the unit, free=%d", quota.free)
	}
}

func TestEntitlementHandlerReportsBalances(t *testing.T) {
	userID := uuid.New()
	periodEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	es := &stubEntitlementStore{
		quota: &domain.QuotaRecord{UserID: userID, FreeRemaining: 0, PaidRemaining: 37},
		sub: &domain.Subscription{
			UserID: userID, Tier: domain.TierMonthly, Status: domain.StatusActive,
			PaymentRail: domain.RailStripe, CurrentPeriodEnd: &periodEnd,
		},
	}
	h := newTestHandlers(es, &stubQuota{}, &stubEventPublisher{}, "http://unused")

	rec := httptest.NewRecorder()
	h.EntitlementHandler(rec, authedRequest("GET", "/entitlement", nil, userID))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status domain.EntitlementStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if status.PaidRemaining != 37 || status.FreeRemaining != 0 {
		t.Fatalf("unexpected balances: %+v", status)
	}
	if status.SubscriptionTier != domain.TierMonthly || status.SubscriptionState != domain.StatusActive {
		t.Fatalf("unexpected subscription state: %+v", status)
	}
}

func TestEntitlementHandlerDefaultsForNewUser(t *testing.T) {
	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{}, &stubEventPublisher{}, "http://unused")

	rec := httptest.NewRecorder()
	h.EntitlementHandler(rec, authedRequest("GET", "/entitlement", nil, uuid.New()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status domain.EntitlementStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if status.FreeRemaining != 1 {
		t.Fatalf("expected unprovisioned user to show the free allowance, got %d", status.FreeRemaining)
	}
	if status.SubscriptionTier != domain.TierNone {
		t.Fatalf("expected tier none, got %q", status.SubscriptionTier)
	}
}

func TestStripeWebhookHandlerRejectsBadSignature(t *testing.T) {
	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{}, &stubEventPublisher{}, "http://unused")

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
	rec := httptest.NewRecorder()
	h.StripeWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStripeWebhookHandlerPublishesAcceptedEvents(t *testing.T) {
	publisher := &stubEventPublisher{}
	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{}, publisher, "http://unused")

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_wh_1",
		"type": "checkout.session.completed",
		"created": 1756600000,
		"data": {"object": {"id": "cs_1", "mode": "payment", "amount_total": 2999, "metadata": {"user_id": "%s"}}}
	}`, uuid.New()))

	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(handlerWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	h.StripeWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(publisher.events) != 1 || publisher.events[0].EventID != "evt_wh_1" {
		t.Fatalf("expected one published event, got %+v", publisher.events)
	}
}

func TestStripeWebhookHandlerFailsClosedWhenPublishFails(t *testing.T) {
	publisher := &stubEventPublisher{err: rabbitmq.ErrProducerUnavailable}
	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{}, publisher, "http://unused")

	payload := []byte(fmt.Sprintf(`{
		"id": "evt_wh_2",
		"type": "checkout.session.completed",
		"created": 1756600000,
		"data": {"object": {"id": "cs_2", "mode": "payment", "amount_total": 2999, "metadata": {"user_id": "%s"}}}
	}`, uuid.New()))

	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(handlerWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest("POST", "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	rec := httptest.NewRecorder()
	h.StripeWebhookHandler(rec, req)

	// Stripe retries on 5xx; a 200 here would lose the payment forever.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(publisher.events) != 0 {
		t.Fatalf("expected no recorded events, got %+v", publisher.events)
	}
}

func TestInitiateUSDTPaymentHandler(t *testing.T) {
	es := &stubEntitlementStore{}
	h := newTestHandlers(es, &stubQuota{}, &stubEventPublisher{}, "http://unused")
	userID := uuid.New()

	body, _ := json.Marshal(initiateUSDTRequest{Kind: domain.IntentKindSubscription})
	rec := httptest.NewRecorder()
	h.InitiateUSDTPaymentHandler(rec, authedRequest("POST", "/payments/usdt/initiate", body, userID))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(es.intents) != 1 {
		t.Fatalf("expected one recorded intent, got %d", len(es.intents))
	}
	intent := es.intents[0]
	if intent.UserID != userID || intent.AmountCents != 299 || intent.Status != domain.IntentOpen {
		t.Fatalf("unexpected intent: %+v", intent)
	}
}

func TestInitiateUSDTPaymentHandlerRejectsUnknownKind(t *testing.T) {
	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{}, &stubEventPublisher{}, "http://unused")

	body := []byte(`{"kind":"lifetime"}`)
	rec := httptest.NewRecorder()
	h.InitiateUSDTPaymentHandler(rec, authedRequest("POST", "/payments/usdt/initiate", body, uuid.New()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResolveUnmatchedDepositHandlerValidatesUserID(t *testing.T) {
	h := newTestHandlers(&stubEntitlementStore{}, &stubQuota{}, &stubEventPublisher{}, "http://unused")

	body := []byte(`{"tx_hash":"0xabc","log_index":0,"user_id":"not-a-uuid","kind":"one_time"}`)
	req := httptest.NewRequest("POST", "/internal/unmatched-deposits/resolve", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ResolveUnmatchedDepositHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
