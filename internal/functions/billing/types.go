package billing

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Checkout session metadata keys and values written by the callables and
// read back by the checkout-completed handler.
const (
	MetadataUserID  = "userId"
	MetadataType    = "type"
	MetadataCredits = "credits"

	PurchaseTypeCredits      = "credits"
	PurchaseTypeSubscription = "subscription"
)

// expandableID decodes a Stripe reference that may arrive either as a bare ID
// string or as an expanded object carrying an "id" field.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

func (e expandableID) String() string { return string(e) }

// CheckoutSession is a minimal representation of a Stripe checkout.session object.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	PaymentIntent expandableID      `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Customer      expandableID      `json:"customer"`
	Subscription  expandableID      `json:"subscription"`
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// Subscription is a minimal representation of a Stripe subscription object.
// Billing periods moved from the subscription to its items in newer API
// versions; both locations are decoded.
type Subscription struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PeriodStart returns the current billing period start, or nil when unknown.
func (s *Subscription) PeriodStart() *time.Time {
	v := s.CurrentPeriodStart
	if v == 0 && len(s.Items.Data) > 0 {
		v = s.Items.Data[0].CurrentPeriodStart
	}
	return epochSeconds(v)
}

// PeriodEnd returns the current billing period end, or nil when unknown.
func (s *Subscription) PeriodEnd() *time.Time {
	v := s.CurrentPeriodEnd
	if v == 0 && len(s.Items.Data) > 0 {
		v = s.Items.Data[0].CurrentPeriodEnd
	}
	return epochSeconds(v)
}

// Invoice is a minimal representation of a Stripe invoice object.
type Invoice struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
}

func epochSeconds(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
