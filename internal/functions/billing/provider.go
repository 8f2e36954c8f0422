package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesubscription "github.com/stripe/stripe-go/v82/subscription"
)

// CheckoutParams describes a hosted checkout session to create.
type CheckoutParams struct {
	Mode          string // "payment" or "subscription"
	PriceID       string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutResult is the created session handed back to the client.
type CheckoutResult struct {
	SessionID string
	URL       string
}

// SubscriptionFetcher retrieves subscriptions from the payment provider.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
}

// Provider is the subset of the payment provider API the functions use.
type Provider interface {
	SubscriptionFetcher
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutResult, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	getSubscription       func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
	createPortalSession   func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error)
}

// NewStripeProvider configures the Stripe client with secretKey.
func NewStripeProvider(secretKey string) *StripeProvider {
	stripelib.Key = strings.TrimSpace(secretKey)
	return &StripeProvider{
		createCheckoutSession: stripesession.New,
		getSubscription:       stripesubscription.Get,
		createPortalSession:   portalsession.New,
	}
}

// CreateCheckoutSession creates a card checkout session with a single line item.
func (p *StripeProvider) CreateCheckoutSession(_ context.Context, params CheckoutParams) (*CheckoutResult, error) {
	sp := &stripelib.CheckoutSessionParams{
		Mode:               stripelib.String(params.Mode),
		PaymentMethodTypes: stripelib.StringSlice([]string{"card"}),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(params.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SuccessURL: stripelib.String(params.SuccessURL),
		CancelURL:  stripelib.String(params.CancelURL),
		Metadata:   params.Metadata,
	}
	if email := strings.TrimSpace(params.CustomerEmail); email != "" {
		sp.CustomerEmail = stripelib.String(email)
	}

	session, err := p.createCheckoutSession(sp)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("stripe returned no checkout session")
	}
	return &CheckoutResult{SessionID: session.ID, URL: session.URL}, nil
}

// GetSubscription retrieves a subscription. The raw response body is decoded
// so billing periods are read regardless of the account's API version.
func (p *StripeProvider) GetSubscription(_ context.Context, subscriptionID string) (*Subscription, error) {
	sub, err := p.getSubscription(subscriptionID, nil)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("stripe returned no subscription %s", subscriptionID)
	}

	if sub.LastResponse != nil && len(sub.LastResponse.RawJSON) > 0 {
		var out Subscription
		if err := json.Unmarshal(sub.LastResponse.RawJSON, &out); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", subscriptionID, err)
		}
		return &out, nil
	}

	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.Customer = expandableID(sub.Customer.ID)
	}
	return out, nil
}

// CreatePortalSession creates a billing portal session for customerID.
func (p *StripeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	session, err := p.createPortalSession(&stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	})
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", fmt.Errorf("stripe returned no billing portal session")
	}
	return session.URL, nil
}
