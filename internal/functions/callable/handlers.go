package callable

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/weldqai/weldqai-functions/internal/functions/auth"
	"github.com/weldqai/weldqai-functions/internal/functions/billing"
	"github.com/weldqai/weldqai-functions/internal/functions/store"
)

// Store is the persistence the callables read and write.
type Store interface {
	GetSubscription(ctx context.Context, userID string) (*store.SubscriptionInfo, error)
	AddPushToken(ctx context.Context, userID, token string) error
	ResetInboxUnread(ctx context.Context, userID string) error
}

// URLs configures the redirect targets handed to the payment provider.
type URLs struct {
	CheckoutSuccess string
	CheckoutCancel  string
	PortalReturn    string
}

// Service implements the client-facing callables.
type Service struct {
	provider billing.Provider
	store    Store
	urls     URLs
}

// NewService creates the callable service.
func NewService(provider billing.Provider, s Store, urls URLs) *Service {
	return &Service{provider: provider, store: s, urls: urls}
}

// CreditCount is a number of report credits accepted either as a JSON number
// or a numeric string.
type CreditCount int64

var errInvalidCredits = NewError(CodeInvalidArgument, "credits must be a positive integer")

func (c *CreditCount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errInvalidCredits
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*c = 0
			return nil
		}
		data = []byte(s)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errInvalidCredits
	}
	*c = CreditCount(n)
	return nil
}

type CheckoutSessionRequest struct {
	PriceID string      `json:"priceId" validate:"required"`
	Credits CreditCount `json:"credits" validate:"required,gt=0"`
}

type SubscriptionRequest struct {
	PriceID string `json:"priceId" validate:"required"`
}

type SessionResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

type PortalResponse struct {
	URL string `json:"url"`
}

type RegisterPushTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type RegisterPushTokenResponse struct {
	Registered bool `json:"registered"`
}

type MarkInboxReadResponse struct {
	InboxUnread int64 `json:"inboxUnread"`
}

// Empty is the request type of callables that take no arguments.
type Empty struct{}

// CreateCheckoutSession starts a one-off credit purchase.
func (s *Service) CreateCheckoutSession(ctx context.Context, caller *auth.Caller, req CheckoutSessionRequest) (SessionResponse, error) {
	res, err := s.provider.CreateCheckoutSession(ctx, billing.CheckoutParams{
		Mode:          "payment",
		PriceID:       strings.TrimSpace(req.PriceID),
		CustomerEmail: caller.Email,
		SuccessURL:    s.urls.CheckoutSuccess,
		CancelURL:     s.urls.CheckoutCancel,
		Metadata: map[string]string{
			billing.MetadataUserID:  caller.UID,
			billing.MetadataCredits: strconv.FormatInt(int64(req.Credits), 10),
			billing.MetadataType:    billing.PurchaseTypeCredits,
		},
	})
	if err != nil {
		return SessionResponse{}, WrapError(CodeInternal, "Unable to create checkout session: "+err.Error(), err)
	}
	log.Info().Str("user_id", caller.UID).Str("session_id", res.SessionID).Msg("Checkout session created")
	return SessionResponse{SessionID: res.SessionID, URL: res.URL}, nil
}

// CreateSubscription starts a monthly subscription checkout.
func (s *Service) CreateSubscription(ctx context.Context, caller *auth.Caller, req SubscriptionRequest) (SessionResponse, error) {
	res, err := s.provider.CreateCheckoutSession(ctx, billing.CheckoutParams{
		Mode:          "subscription",
		PriceID:       strings.TrimSpace(req.PriceID),
		CustomerEmail: caller.Email,
		SuccessURL:    s.urls.CheckoutSuccess,
		CancelURL:     s.urls.CheckoutCancel,
		Metadata: map[string]string{
			billing.MetadataUserID: caller.UID,
			billing.MetadataType:   billing.PurchaseTypeSubscription,
		},
	})
	if err != nil {
		return SessionResponse{}, WrapError(CodeInternal, "Unable to create subscription: "+err.Error(), err)
	}
	log.Info().Str("user_id", caller.UID).Str("session_id", res.SessionID).Msg("Subscription checkout session created")
	return SessionResponse{SessionID: res.SessionID, URL: res.URL}, nil
}

// CreateBillingPortalSession opens the provider's self-service portal for the
// caller's subscription customer.
func (s *Service) CreateBillingPortalSession(ctx context.Context, caller *auth.Caller, _ Empty) (PortalResponse, error) {
	info, err := s.store.GetSubscription(ctx, caller.UID)
	if err != nil {
		return PortalResponse{}, WrapError(CodeInternal, "Unable to create billing portal session: "+err.Error(), err)
	}
	if info == nil || strings.TrimSpace(info.StripeCustomerID) == "" {
		return PortalResponse{}, NewError(CodeFailedPrecondition, "No active subscription found")
	}
	if !billing.IsSafeStripeID(info.StripeCustomerID) {
		log.Warn().Str("user_id", caller.UID).Msg("Stored Stripe customer id is malformed; refusing portal session")
		return PortalResponse{}, NewError(CodeFailedPrecondition, "No active subscription found")
	}

	url, err := s.provider.CreatePortalSession(ctx, info.StripeCustomerID, s.urls.PortalReturn)
	if err != nil {
		return PortalResponse{}, WrapError(CodeInternal, "Unable to create billing portal session: "+err.Error(), err)
	}
	return PortalResponse{URL: url}, nil
}

// RegisterPushToken adds a device token to the caller's push token set.
func (s *Service) RegisterPushToken(ctx context.Context, caller *auth.Caller, req RegisterPushTokenRequest) (RegisterPushTokenResponse, error) {
	if err := s.store.AddPushToken(ctx, caller.UID, req.Token); err != nil {
		return RegisterPushTokenResponse{}, err
	}
	return RegisterPushTokenResponse{Registered: true}, nil
}

// MarkInboxRead resets the caller's unread inbox counter.
func (s *Service) MarkInboxRead(ctx context.Context, caller *auth.Caller, _ Empty) (MarkInboxReadResponse, error) {
	if err := s.store.ResetInboxUnread(ctx, caller.UID); err != nil {
		return MarkInboxReadResponse{}, err
	}
	return MarkInboxReadResponse{InboxUnread: 0}, nil
}
