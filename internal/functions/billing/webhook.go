package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/weldqai/weldqai-functions/internal/functions/fnmetrics"
	"github.com/weldqai/weldqai-functions/internal/logging"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Stripe webhook events.
type WebhookHandler struct {
	verifier   *Verifier
	deduper    *Deduper
	dispatcher EventDispatcher
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler. A nil deduper
// dispatches every delivery.
func NewWebhookHandler(verifier *Verifier, deduper *Deduper, dispatcher EventDispatcher) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		deduper:    deduper,
		dispatcher: dispatcher,
	}
}

// ServeHTTP verifies the Stripe signature and dispatches the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		fnmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		fnmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if !h.verifier.Configured() {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Stripe webhook signature verification failed")
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "Webhook Error: invalid signature"})
		return
	}
	eventType = string(event.Type)

	duplicate, err := h.process(r.Context(), &event)
	switch {
	case errors.Is(err, ErrEventInFlight):
		status = http.StatusConflict
		writeJSON(w, status, webhookErrorResponse{Error: "event already processing"})
		return
	case err != nil:
		logging.FromContext(r.Context()).Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Stripe webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	resp := webhookReceivedResponse{Received: true}
	if duplicate {
		resp.Status = "duplicate"
		log.Info().Str("event_id", event.ID).Str("type", eventType).Msg("Stripe webhook already processed")
	}
	writeJSON(w, status, resp)
}

func (h *WebhookHandler) process(ctx context.Context, event *stripelib.Event) (bool, error) {
	if h.deduper == nil || event.ID == "" {
		return false, h.dispatcher.Dispatch(ctx, event)
	}
	return h.deduper.Do(ctx, event.ID, string(event.Type), func(ctx context.Context) error {
		return h.dispatcher.Dispatch(ctx, event)
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
