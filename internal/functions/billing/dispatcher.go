package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/weldqai/weldqai-functions/internal/functions/fnmetrics"
)

// Handled provider event types.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
)

// EventDispatcher routes a verified event to its handler.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event *stripelib.Event) error
}

// Dispatch decodes the event payload and routes it to exactly one handler.
// Unhandled types are acknowledged without side effects.
func (r *Reconciler) Dispatch(ctx context.Context, event *stripelib.Event) error {
	if event == nil || event.Data == nil {
		return fmt.Errorf("webhook event has no data")
	}

	switch string(event.Type) {
	case EventCheckoutSessionCompleted:
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return r.HandleCheckoutCompleted(ctx, session)

	case EventSubscriptionDeleted:
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return r.HandleSubscriptionDeleted(ctx, sub)

	case EventSubscriptionUpdated:
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return r.HandleSubscriptionUpdated(ctx, sub)

	case EventInvoicePaymentFailed:
		var invoice Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return r.HandleInvoicePaymentFailed(ctx, invoice)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		recordOutcome(string(event.Type), fnmetrics.OutcomeIgnored)
		return nil
	}
}
