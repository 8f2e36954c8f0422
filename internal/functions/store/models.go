package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by targeted updates when the user has no matching row.
var ErrNotFound = errors.New("store: record not found")

// SubscriptionStatus mirrors the provider's subscription status string.
// Values other than the constants below are stored verbatim.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusPastDue   SubscriptionStatus = "past_due"
)

// GrantsAccess reports whether the status entitles the user to paid access.
func (s SubscriptionStatus) GrantsAccess() bool {
	return s == StatusActive
}

type TrialStatus string

const (
	TrialStatusTrial     TrialStatus = "trial"
	TrialStatusConverted TrialStatus = "converted"
)

// SubscriptionTypeMonthlyIndividual is the only plan sold through checkout today.
const SubscriptionTypeMonthlyIndividual = "monthly_individual"

// Purchase is one entry of a user's append-only credit purchase history.
type Purchase struct {
	Credits     int64   `json:"credits"`
	PaymentID   string  `json:"paymentId"`
	PurchasedAt string  `json:"purchasedAt"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
}

// SubscriptionInfo is the subscription/info document of a user.
type SubscriptionInfo struct {
	HasAccess            bool               `json:"hasAccess"`
	Status               SubscriptionStatus `json:"status"`
	SubscriptionType     string             `json:"subscriptionType"`
	StripeSubscriptionID string             `json:"stripeSubscriptionId"`
	StripeCustomerID     string             `json:"stripeCustomerId"`
	CurrentPeriodStart   *time.Time         `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd    bool               `json:"cancelAtPeriodEnd"`
	CancelledAt          *time.Time         `json:"cancelledAt,omitempty"`
	LastPaymentFailed    *time.Time         `json:"lastPaymentFailed,omitempty"`
	CreatedAt            time.Time          `json:"createdAt"`
	UpdatedAt            time.Time          `json:"updatedAt"`
}

// SubscriptionPeriod carries the billing-period fields refreshed by provider events.
// Nil timestamps leave the stored value untouched.
type SubscriptionPeriod struct {
	Start             *time.Time
	End               *time.Time
	CancelAtPeriodEnd bool
}

// TrialInfo is the subscription/trial document of a user.
type TrialInfo struct {
	Status      TrialStatus `json:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	ConvertedAt *time.Time  `json:"convertedAt,omitempty"`
	ConvertedTo string      `json:"convertedTo,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Entitlement is the full per-user billing view. Missing parts are zero/nil;
// a user with no writes yet yields an Entitlement with zero credits.
type Entitlement struct {
	UserID          string            `json:"userId"`
	ReportCredits   int64             `json:"reportCredits"`
	PurchaseHistory []Purchase        `json:"purchaseHistory"`
	Subscription    *SubscriptionInfo `json:"subscriptionInfo,omitempty"`
	Trial           *TrialInfo        `json:"trialInfo,omitempty"`
}

// InboxMessage is a document under users/{uid}/inbox.
type InboxMessage struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Subtitle  string    `json:"subtitle,omitempty"`
	Type      string    `json:"type"`
	SchemaID  string    `json:"schemaId"`
	ReportID  string    `json:"reportId"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventClaim is the outcome of claiming a webhook event for processing.
type EventClaim int

const (
	// ClaimAcquired means the caller owns processing of the event.
	ClaimAcquired EventClaim = iota
	// ClaimDone means the event was already processed successfully.
	ClaimDone
	// ClaimInFlight means another worker holds a fresh claim on the event.
	ClaimInFlight
)

func (c EventClaim) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimDone:
		return "done"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}
