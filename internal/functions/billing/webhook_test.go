package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
)

const testWebhookSecret = "whsec_test_secret"

type fakeSubscriptions struct {
	mu    sync.Mutex
	subs  map[string]*Subscription
	err   error
	calls int
}

func (f *fakeSubscriptions) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, errors.New("no such subscription: " + id)
	}
	return sub, nil
}

type webhookHarness struct {
	store   *store.Store
	subs    *fakeSubscriptions
	handler *WebhookHandler
}

func newWebhookHarness(t *testing.T) *webhookHarness {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	subs := &fakeSubscriptions{subs: map[string]*Subscription{}}
	reconciler := NewReconciler(s, subs)
	handler := NewWebhookHandler(NewVerifier(testWebhookSecret, 0), NewDeduper(s, 0), reconciler)
	return &webhookHarness{store: s, subs: subs, handler: handler}
}

func (h *webhookHarness) deliver(t *testing.T, eventID, eventType string, object any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedWebhookRequest(t, testWebhookSecret, eventPayload(t, eventID, eventType, object)))
	return rec
}

func eventPayload(t *testing.T, eventID, eventType string, object any) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	return string(raw)
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func creditsSession(userID, credits, paymentIntent string) map[string]any {
	return map[string]any{
		"id":             "cs_test_" + paymentIntent,
		"object":         "checkout.session",
		"payment_status": "paid",
		"payment_intent": paymentIntent,
		"amount_total":   999,
		"currency":       "usd",
		"metadata": map[string]string{
			"userId":  userID,
			"type":    "credits",
			"credits": credits,
		},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body=%q", rec.Body.String())
	return body
}

func TestWebhookCreditsPurchase(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()

	rec := h.deliver(t, "evt_credits_1", EventCheckoutSessionCompleted, creditsSession("u1", "10", "pi_1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["received"])

	ent, err := h.store.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, ent.ReportCredits)
	require.Len(t, ent.PurchaseHistory, 1)
	p := ent.PurchaseHistory[0]
	assert.EqualValues(t, 10, p.Credits)
	assert.Equal(t, "pi_1", p.PaymentID)
	assert.InDelta(t, 9.99, p.Amount, 1e-9)
	assert.Equal(t, "usd", p.Currency)
	_, err = time.Parse("2006-01-02T15:04:05.000Z", p.PurchasedAt)
	assert.NoError(t, err, "purchasedAt=%q", p.PurchasedAt)
}

func TestWebhookCreditsAccumulate(t *testing.T) {
	h := newWebhookHarness(t)

	require.Equal(t, http.StatusOK, h.deliver(t, "evt_a", EventCheckoutSessionCompleted, creditsSession("u1", "10", "pi_a")).Code)
	require.Equal(t, http.StatusOK, h.deliver(t, "evt_b", EventCheckoutSessionCompleted, creditsSession("u1", "5", "pi_b")).Code)

	credits, err := h.store.Credits(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 15, credits)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()
	session := creditsSession("u1", "10", "pi_replay")

	first := h.deliver(t, "evt_replay", EventCheckoutSessionCompleted, session)
	require.Equal(t, http.StatusOK, first.Code)

	second := h.deliver(t, "evt_replay", EventCheckoutSessionCompleted, session)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "duplicate", decodeBody(t, second)["status"])

	// Same payment surfaced under a different event id.
	third := h.deliver(t, "evt_replay_other", EventCheckoutSessionCompleted, session)
	require.Equal(t, http.StatusOK, third.Code)

	ent, err := h.store.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, ent.ReportCredits)
	assert.Len(t, ent.PurchaseHistory, 1)
}

func TestWebhookSkipsUnpaidAndInvalidSessions(t *testing.T) {
	h := newWebhookHarness(t)

	unpaid := creditsSession("u1", "10", "pi_unpaid")
	unpaid["payment_status"] = "unpaid"
	noUser := creditsSession("", "10", "pi_nouser")
	badCredits := creditsSession("u1", "ten", "pi_bad")
	zeroCredits := creditsSession("u1", "0", "pi_zero")
	unknownType := creditsSession("u1", "10", "pi_type")
	unknownType["metadata"] = map[string]string{"userId": "u1", "type": "gift"}

	for i, obj := range []map[string]any{unpaid, noUser, badCredits, zeroCredits, unknownType} {
		rec := h.deliver(t, "evt_skip_"+string(rune('a'+i)), EventCheckoutSessionCompleted, obj)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	ent, err := h.store.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, ent.ReportCredits)
	assert.Empty(t, ent.PurchaseHistory)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newWebhookHarness(t)

	payload := eventPayload(t, "evt_forged", EventCheckoutSessionCompleted, creditsSession("u1", "10", "pi_forged"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_wrong", payload))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader([]byte(payload)))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	credits, err := h.store.Credits(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, credits)
}

func TestWebhookRejectsTamperedBody(t *testing.T) {
	h := newWebhookHarness(t)

	payload := eventPayload(t, "evt_tamper", EventCheckoutSessionCompleted, creditsSession("u1", "10", "pi_t"))
	signature := signedWebhookRequest(t, testWebhookSecret, payload).Header.Get("Stripe-Signature")
	tampered := bytes.Replace([]byte(payload), []byte(`"credits":"10"`), []byte(`"credits":"99"`), 1)
	require.NotEqual(t, payload, string(tampered))

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", bytes.NewReader(tampered))
	req.Header.Set("Stripe-Signature", signature)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSecretNotConfigured(t *testing.T) {
	handler := NewWebhookHandler(NewVerifier("", 0), nil, NewReconciler(nil, nil))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	h := newWebhookHarness(t)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stripe/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	h := newWebhookHarness(t)
	rec := h.deliver(t, "evt_unknown", "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["received"])
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.SaveTrial(ctx, "u1", store.TrialInfo{Status: store.TrialStatusTrial}))

	periodStart := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	h.subs.subs["sub_1"] = &Subscription{
		ID:                 "sub_1",
		Customer:           "cus_1",
		Status:             "active",
		CurrentPeriodStart: periodStart.Unix(),
		CurrentPeriodEnd:   periodEnd.Unix(),
	}

	rec := h.deliver(t, "evt_sub_checkout", EventCheckoutSessionCompleted, map[string]any{
		"id":             "cs_sub_1",
		"payment_status": "paid",
		"subscription":   "sub_1",
		"customer":       "cus_1",
		"metadata":       map[string]string{"userId": "u1", "type": "subscription"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sub, err := h.store.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, sub.HasAccess)
	assert.Equal(t, store.StatusActive, sub.Status)
	assert.Equal(t, store.SubscriptionTypeMonthlyIndividual, sub.SubscriptionType)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	require.NotNil(t, sub.CurrentPeriodStart)
	assert.True(t, sub.CurrentPeriodStart.Equal(periodStart))
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(periodEnd))

	trial, err := h.store.GetTrial(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, trial)
	assert.Equal(t, store.TrialStatusConverted, trial.Status)
	assert.Equal(t, store.SubscriptionTypeMonthlyIndividual, trial.ConvertedTo)

	// Status update to past_due revokes access, back to active restores it.
	rec = h.deliver(t, "evt_sub_update_1", EventSubscriptionUpdated, map[string]any{
		"id": "sub_1", "customer": "cus_1", "status": "past_due", "cancel_at_period_end": true,
		"current_period_start": periodStart.Unix(), "current_period_end": periodEnd.Unix(),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sub, _ = h.store.GetSubscription(ctx, "u1")
	assert.False(t, sub.HasAccess)
	assert.Equal(t, store.StatusPastDue, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	nextEnd := periodEnd.AddDate(0, 1, 0)
	rec = h.deliver(t, "evt_sub_update_2", EventSubscriptionUpdated, map[string]any{
		"id": "sub_1", "customer": "cus_1", "status": "active",
		"items": map[string]any{"data": []map[string]any{{
			"current_period_start": periodEnd.Unix(), "current_period_end": nextEnd.Unix(),
		}}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sub, _ = h.store.GetSubscription(ctx, "u1")
	assert.True(t, sub.HasAccess)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(nextEnd), "period end from subscription item")

	// Invoice failure by customer.
	rec = h.deliver(t, "evt_invoice_failed", EventInvoicePaymentFailed, map[string]any{
		"id": "in_1", "object": "invoice", "customer": "cus_1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sub, _ = h.store.GetSubscription(ctx, "u1")
	assert.False(t, sub.HasAccess)
	assert.Equal(t, store.StatusPastDue, sub.Status)
	assert.NotNil(t, sub.LastPaymentFailed)

	// Deletion cancels.
	rec = h.deliver(t, "evt_sub_deleted", EventSubscriptionDeleted, map[string]any{
		"id": "sub_1", "customer": "cus_1", "status": "canceled",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sub, _ = h.store.GetSubscription(ctx, "u1")
	assert.False(t, sub.HasAccess)
	assert.Equal(t, store.StatusCancelled, sub.Status)
	assert.NotNil(t, sub.CancelledAt)
}

func TestWebhookSubscriptionEventsForUnknownIDs(t *testing.T) {
	h := newWebhookHarness(t)

	for _, tc := range []struct {
		id, typ string
		obj     map[string]any
	}{
		{"evt_del", EventSubscriptionDeleted, map[string]any{"id": "sub_nobody", "status": "canceled"}},
		{"evt_upd", EventSubscriptionUpdated, map[string]any{"id": "sub_nobody", "status": "active"}},
		{"evt_inv", EventInvoicePaymentFailed, map[string]any{"id": "in_nobody", "customer": "cus_nobody"}},
	} {
		rec := h.deliver(t, tc.id, tc.typ, tc.obj)
		assert.Equal(t, http.StatusOK, rec.Code, "%s: %s", tc.typ, rec.Body.String())
	}
}

func TestWebhookSubscriptionCheckoutWithoutSubscriptionID(t *testing.T) {
	h := newWebhookHarness(t)
	rec := h.deliver(t, "evt_no_sub", EventCheckoutSessionCompleted, map[string]any{
		"id":             "cs_no_sub",
		"payment_status": "paid",
		"metadata":       map[string]string{"userId": "u1", "type": "subscription"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, h.subs.calls)

	sub, err := h.store.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestWebhookProviderFailureIsRetried(t *testing.T) {
	h := newWebhookHarness(t)
	h.subs.err = errors.New("stripe unavailable")

	session := map[string]any{
		"id":             "cs_retry",
		"payment_status": "paid",
		"subscription":   "sub_retry",
		"customer":       "cus_retry",
		"metadata":       map[string]string{"userId": "u1", "type": "subscription"},
	}

	rec := h.deliver(t, "evt_retry", EventCheckoutSessionCompleted, session)
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	h.subs.err = nil
	h.subs.subs["sub_retry"] = &Subscription{ID: "sub_retry", Status: "active"}

	rec = h.deliver(t, "evt_retry", EventCheckoutSessionCompleted, session)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decodeBody(t, rec)["status"], "redelivery after failure must reprocess, not short-circuit")

	sub, err := h.store.GetSubscription(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, sub.HasAccess)
}

func TestWebhookMalformedPayloadIsServerError(t *testing.T) {
	h := newWebhookHarness(t)
	rec := h.deliver(t, "evt_bad_shape", EventCheckoutSessionCompleted, map[string]any{
		"id":           "cs_bad",
		"amount_total": "not-a-number",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookInFlightConflict(t *testing.T) {
	h := newWebhookHarness(t)
	ctx := context.Background()

	claim, err := h.store.ClaimEvent(ctx, "evt_busy", EventCheckoutSessionCompleted, time.Hour)
	require.NoError(t, err)
	require.Equal(t, store.ClaimAcquired, claim)

	rec := h.deliver(t, "evt_busy", EventCheckoutSessionCompleted, creditsSession("u1", "10", "pi_busy"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	credits, _ := h.store.Credits(ctx, "u1")
	assert.Zero(t, credits)
}
