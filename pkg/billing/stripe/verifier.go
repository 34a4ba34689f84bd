package stripe

import (
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Verifier checks the Stripe-Signature header of a delivery.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for the endpoint's signing secret.
// A zero tolerance uses the SDK default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify authenticates payload and decodes it into an envelope. Events sent
// with an API version other than the SDK's are accepted: the reconciler reads
// the payload itself and tolerates missing fields.
func (v *Verifier) Verify(payload []byte, signature string) (*subsync.Envelope, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", subsync.ErrInvalidSignature)
	}
	_, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", subsync.ErrInvalidSignature, err)
	}
	return subsync.DecodeEnvelope(payload)
}
