package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"
)

func TestStripeProviderCreateCheckoutSession(t *testing.T) {
	var got *stripelib.CheckoutSessionParams
	p := &StripeProvider{
		createCheckoutSession: func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
			got = params
			return &stripelib.CheckoutSession{ID: "cs_123", URL: "https://checkout.stripe.test/cs_123"}, nil
		},
	}

	res, err := p.CreateCheckoutSession(context.Background(), CheckoutParams{
		Mode:          "payment",
		PriceID:       "price_10",
		CustomerEmail: "welder@example.com",
		SuccessURL:    "https://weldqai.com/payment-success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:     "https://weldqai.com/payment-cancel",
		Metadata:      map[string]string{"userId": "u1", "credits": "10", "type": "credits"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_123", res.SessionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_123", res.URL)

	require.NotNil(t, got)
	assert.Equal(t, "payment", stripelib.StringValue(got.Mode))
	require.Len(t, got.PaymentMethodTypes, 1)
	assert.Equal(t, "card", stripelib.StringValue(got.PaymentMethodTypes[0]))
	require.Len(t, got.LineItems, 1)
	assert.Equal(t, "price_10", stripelib.StringValue(got.LineItems[0].Price))
	assert.EqualValues(t, 1, stripelib.Int64Value(got.LineItems[0].Quantity))
	assert.Equal(t, "welder@example.com", stripelib.StringValue(got.CustomerEmail))
	assert.Equal(t, "u1", got.Metadata["userId"])
}

func TestStripeProviderCreateCheckoutSessionOmitsEmptyEmail(t *testing.T) {
	var got *stripelib.CheckoutSessionParams
	p := &StripeProvider{
		createCheckoutSession: func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
			got = params
			return &stripelib.CheckoutSession{ID: "cs_1"}, nil
		},
	}
	_, err := p.CreateCheckoutSession(context.Background(), CheckoutParams{Mode: "subscription", PriceID: "price_m"})
	require.NoError(t, err)
	assert.Nil(t, got.CustomerEmail)
}

func TestStripeProviderCreateCheckoutSessionError(t *testing.T) {
	p := &StripeProvider{
		createCheckoutSession: func(*stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
			return nil, errors.New("card declined")
		},
	}
	_, err := p.CreateCheckoutSession(context.Background(), CheckoutParams{})
	assert.EqualError(t, err, "card declined")
}

func TestStripeProviderGetSubscriptionDecodesRawResponse(t *testing.T) {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	raw, err := json.Marshal(map[string]any{
		"id":                   "sub_raw",
		"customer":             map[string]any{"id": "cus_raw", "object": "customer"},
		"status":               "active",
		"cancel_at_period_end": true,
		"items": map[string]any{"data": []map[string]any{{
			"current_period_start": start.Unix(),
			"current_period_end":   end.Unix(),
		}}},
	})
	require.NoError(t, err)

	p := &StripeProvider{
		getSubscription: func(id string, _ *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
			assert.Equal(t, "sub_raw", id)
			sub := &stripelib.Subscription{ID: id}
			sub.LastResponse = &stripelib.APIResponse{RawJSON: raw}
			return sub, nil
		},
	}

	sub, err := p.GetSubscription(context.Background(), "sub_raw")
	require.NoError(t, err)
	assert.Equal(t, "cus_raw", sub.Customer.String())
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.PeriodStart())
	assert.True(t, sub.PeriodStart().Equal(start))
	require.NotNil(t, sub.PeriodEnd())
	assert.True(t, sub.PeriodEnd().Equal(end))
}

func TestStripeProviderGetSubscriptionFallsBackToTypedFields(t *testing.T) {
	p := &StripeProvider{
		getSubscription: func(id string, _ *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
			return &stripelib.Subscription{
				ID:                id,
				Status:            stripelib.SubscriptionStatusActive,
				CancelAtPeriodEnd: true,
				Customer:          &stripelib.Customer{ID: "cus_typed"},
			}, nil
		},
	}

	sub, err := p.GetSubscription(context.Background(), "sub_typed")
	require.NoError(t, err)
	assert.Equal(t, "sub_typed", sub.ID)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "cus_typed", sub.Customer.String())
	assert.Nil(t, sub.PeriodStart())
}

func TestStripeProviderGetSubscriptionError(t *testing.T) {
	p := &StripeProvider{
		getSubscription: func(string, *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
			return nil, errors.New("no such subscription")
		},
	}
	_, err := p.GetSubscription(context.Background(), "sub_missing")
	assert.Error(t, err)
}

func TestStripeProviderCreatePortalSession(t *testing.T) {
	var got *stripelib.BillingPortalSessionParams
	p := &StripeProvider{
		createPortalSession: func(params *stripelib.BillingPortalSessionParams) (*stripelib.BillingPortalSession, error) {
			got = params
			return &stripelib.BillingPortalSession{URL: "https://billing.stripe.test/p/session"}, nil
		},
	}

	url, err := p.CreatePortalSession(context.Background(), "cus_1", "https://weldqai.com/account")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.stripe.test/p/session", url)
	assert.Equal(t, "cus_1", stripelib.StringValue(got.Customer))
	assert.Equal(t, "https://weldqai.com/account", stripelib.StringValue(got.ReturnURL))
}

func TestNewStripeProviderWiresClient(t *testing.T) {
	prev := stripelib.Key
	t.Cleanup(func() { stripelib.Key = prev })

	p := NewStripeProvider("  sk_test_123  ")
	assert.Equal(t, "sk_test_123", stripelib.Key)
	assert.NotNil(t, p.createCheckoutSession)
	assert.NotNil(t, p.getSubscription)
	assert.NotNil(t, p.createPortalSession)
}
