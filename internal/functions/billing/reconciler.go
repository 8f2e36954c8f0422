package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/fnmetrics"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
)

// EntitlementStore is the persistence the reconciler mutates.
type EntitlementStore interface {
	AddCredits(ctx context.Context, userID, dedupKey string, p store.Purchase) (bool, error)
	ActivateSubscription(ctx context.Context, userID string, info store.SubscriptionInfo, convertedTo string) (bool, error)
	FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, bool, error)
	FindUserByCustomerID(ctx context.Context, customerID string) (string, bool, error)
	MarkSubscriptionCancelled(ctx context.Context, userID string, at time.Time) error
	UpdateSubscriptionStatus(ctx context.Context, userID string, status store.SubscriptionStatus, period store.SubscriptionPeriod) error
	MarkPaymentFailed(ctx context.Context, userID string, at time.Time) error
}

// Reconciler applies provider events to entitlement records.
type Reconciler struct {
	store         EntitlementStore
	subscriptions SubscriptionFetcher
	now           func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(s EntitlementStore, subscriptions SubscriptionFetcher) *Reconciler {
	return &Reconciler{store: s, subscriptions: subscriptions, now: time.Now}
}

func recordOutcome(eventType, outcome string) {
	fnmetrics.ReconcileOutcomes.WithLabelValues(eventType, outcome).Inc()
}

// HandleCheckoutCompleted grants credits or activates a subscription for a paid session.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, session CheckoutSession) error {
	const eventType = EventCheckoutSessionCompleted

	userID := strings.TrimSpace(session.Metadata[MetadataUserID])
	if userID == "" {
		log.Warn().Str("session_id", session.ID).Msg("Checkout session has no userId metadata, skipping")
		recordOutcome(eventType, fnmetrics.OutcomeSkipped)
		return nil
	}
	if session.PaymentStatus != "paid" {
		log.Info().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Str("payment_status", session.PaymentStatus).
			Msg("Checkout session not paid, skipping")
		recordOutcome(eventType, fnmetrics.OutcomeSkipped)
		return nil
	}

	switch purchaseType := strings.TrimSpace(session.Metadata[MetadataType]); purchaseType {
	case PurchaseTypeCredits:
		return r.grantCredits(ctx, userID, session)
	case PurchaseTypeSubscription:
		return r.activateSubscription(ctx, userID, session)
	default:
		log.Warn().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Str("type", purchaseType).
			Msg("Checkout session has unknown purchase type, skipping")
		recordOutcome(eventType, fnmetrics.OutcomeSkipped)
		return nil
	}
}

func (r *Reconciler) grantCredits(ctx context.Context, userID string, session CheckoutSession) error {
	const eventType = EventCheckoutSessionCompleted

	raw := strings.TrimSpace(session.Metadata[MetadataCredits])
	credits, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || credits <= 0 {
		log.Warn().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Str("credits", raw).
			Msg("Checkout session has invalid credits metadata, skipping")
		recordOutcome(eventType, fnmetrics.OutcomeSkipped)
		return nil
	}

	paymentID := session.PaymentIntent.String()
	dedupKey := paymentID
	if dedupKey == "" {
		dedupKey = "cs:" + session.ID
	}

	applied, err := r.store.AddCredits(ctx, userID, dedupKey, store.Purchase{
		Credits:     credits,
		PaymentID:   paymentID,
		PurchasedAt: r.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Amount:      float64(session.AmountTotal) / 100,
		Currency:    session.Currency,
	})
	if err != nil {
		recordOutcome(eventType, fnmetrics.OutcomeError)
		return fmt.Errorf("add credits for user %s: %w", userID, err)
	}
	if !applied {
		log.Info().
			Str("user_id", userID).
			Str("payment_id", dedupKey).
			Msg("Credit purchase already applied, skipping")
		recordOutcome(eventType, fnmetrics.OutcomeDuplicate)
		return nil
	}

	log.Info().
		Str("user_id", userID).
		Int64("credits", credits).
		Str("payment_id", paymentID).
		Msg("Added report credits")
	recordOutcome(eventType, fnmetrics.OutcomeApplied)
	return nil
}

func (r *Reconciler) activateSubscription(ctx context.Context, userID string, session CheckoutSession) error {
	const eventType = EventCheckoutSessionCompleted

	subscriptionID := session.Subscription.String()
	if subscriptionID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Str("user_id", userID).
			Msg("Subscription checkout has no subscription id, skipping")
		recordOutcome(eventType, fnmetrics.OutcomeSkipped)
		return nil
	}
	if r.subscriptions == nil {
		recordOutcome(eventType, fnmetrics.OutcomeError)
		return fmt.Errorf("no subscription fetcher configured")
	}

	sub, err := r.subscriptions.GetSubscription(ctx, subscriptionID)
	if err != nil {
		recordOutcome(eventType, fnmetrics.OutcomeError)
		return fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
	}

	customerID := session.Customer.String()
	if customerID == "" {
		customerID = sub.Customer.String()
	}

	converted, err := r.store.ActivateSubscription(ctx, userID, store.SubscriptionInfo{
		HasAccess:            true,
		Status:               store.StatusActive,
		SubscriptionType:     store.SubscriptionTypeMonthlyIndividual,
		StripeSubscriptionID: subscriptionID,
		StripeCustomerID:     customerID,
		CurrentPeriodStart:   sub.PeriodStart(),
		CurrentPeriodEnd:     sub.PeriodEnd(),
		CancelAtPeriodEnd:    sub.CancelAtPeriodEnd,
	}, store.SubscriptionTypeMonthlyIndividual)
	if err != nil {
		recordOutcome(eventType, fnmetrics.OutcomeError)
		return fmt.Errorf("activate subscription for user %s: %w", userID, err)
	}

	log.Info().
		Str("user_id", userID).
		Str("subscription_id", subscriptionID).
		Str("customer_id", customerID).
		Bool("trial_converted", converted).
		Msg("Activated subscription")
	recordOutcome(eventType, fnmetrics.OutcomeApplied)
	return nil
}

// HandleSubscriptionDeleted revokes access for the user bound to the subscription.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, sub Subscription) error {
	const eventType = EventSubscriptionDeleted

	userID, ok, err := r.userForSubscription(ctx, eventType, sub.ID)
	if err != nil || !ok {
		return err
	}
	applied, err := r.finishUpdate(eventType, userID, sub.ID, r.store.MarkSubscriptionCancelled(ctx, userID, r.now()))
	if err != nil || !applied {
		return err
	}
	log.Info().Str("user_id", userID).Str("subscription_id", sub.ID).Msg("Subscription cancelled")
	return nil
}

// HandleSubscriptionUpdated mirrors the provider's status and billing period.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, sub Subscription) error {
	const eventType = EventSubscriptionUpdated

	userID, ok, err := r.userForSubscription(ctx, eventType, sub.ID)
	if err != nil || !ok {
		return err
	}
	status := store.SubscriptionStatus(sub.Status)
	updateErr := r.store.UpdateSubscriptionStatus(ctx, userID, status, store.SubscriptionPeriod{
		Start:             sub.PeriodStart(),
		End:               sub.PeriodEnd(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	})
	applied, err := r.finishUpdate(eventType, userID, sub.ID, updateErr)
	if err != nil || !applied {
		return err
	}
	log.Info().
		Str("user_id", userID).
		Str("subscription_id", sub.ID).
		Str("status", sub.Status).
		Bool("has_access", status.GrantsAccess()).
		Msg("Subscription updated")
	return nil
}

// HandleInvoicePaymentFailed moves the customer's subscription to past_due.
func (r *Reconciler) HandleInvoicePaymentFailed(ctx context.Context, invoice Invoice) error {
	const eventType = EventInvoicePaymentFailed

	customerID := invoice.Customer.String()
	userID, ok, err := r.store.FindUserByCustomerID(ctx, customerID)
	if err != nil {
		recordOutcome(eventType, fnmetrics.OutcomeError)
		return fmt.Errorf("lookup user by customer %s: %w", customerID, err)
	}
	if !ok {
		log.Warn().Str("customer_id", customerID).Str("invoice_id", invoice.ID).Msg("No user found for customer")
		recordOutcome(eventType, fnmetrics.OutcomeNotFound)
		return nil
	}
	applied, err := r.finishUpdate(eventType, userID, customerID, r.store.MarkPaymentFailed(ctx, userID, r.now()))
	if err != nil || !applied {
		return err
	}
	log.Warn().Str("user_id", userID).Str("customer_id", customerID).Msg("Subscription payment failed")
	return nil
}

func (r *Reconciler) userForSubscription(ctx context.Context, eventType, subscriptionID string) (string, bool, error) {
	userID, ok, err := r.store.FindUserBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		recordOutcome(eventType, fnmetrics.OutcomeError)
		return "", false, fmt.Errorf("lookup user by subscription %s: %w", subscriptionID, err)
	}
	if !ok {
		log.Warn().Str("subscription_id", subscriptionID).Str("event_type", eventType).Msg("No user found for subscription")
		recordOutcome(eventType, fnmetrics.OutcomeNotFound)
		return "", false, nil
	}
	return userID, true, nil
}

// finishUpdate records the outcome of a targeted update. A row that vanished
// between lookup and update is treated like a lookup miss.
func (r *Reconciler) finishUpdate(eventType, userID, providerID string, err error) (bool, error) {
	switch {
	case err == nil:
		recordOutcome(eventType, fnmetrics.OutcomeApplied)
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		log.Warn().Str("user_id", userID).Str("provider_id", providerID).Msg("Subscription record disappeared before update")
		recordOutcome(eventType, fnmetrics.OutcomeNotFound)
		return false, nil
	default:
		recordOutcome(eventType, fnmetrics.OutcomeError)
		return false, fmt.Errorf("%s for user %s: %w", eventType, userID, err)
	}
}
