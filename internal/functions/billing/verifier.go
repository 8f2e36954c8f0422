package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// DefaultTolerance is the accepted age of a signed webhook timestamp.
const DefaultTolerance = 300 * time.Second

// ErrSignature wraps every webhook authenticity failure.
var ErrSignature = errors.New("billing: webhook signature verification failed")

// Verifier authenticates raw webhook payloads against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A non-positive tolerance selects DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Configured reports whether an endpoint secret is set.
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify checks sigHeader against the exact payload bytes and decodes the event.
func (v *Verifier) Verify(payload []byte, sigHeader string) (stripelib.Event, error) {
	if !v.Configured() {
		return stripelib.Event{}, fmt.Errorf("%w: endpoint secret not configured", ErrSignature)
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripelib.Event{}, fmt.Errorf("%w: missing Stripe-Signature header", ErrSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripelib.Event{}, fmt.Errorf("%w: %w", ErrSignature, err)
	}
	return event, nil
}
