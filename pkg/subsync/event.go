package subsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of provider event types the reconciler acts on.
type EventKind int

const (
	// KindUnknown covers every provider event type without a handler.
	KindUnknown EventKind = iota
	KindCheckoutCompleted
	KindCheckoutAsyncPaymentSucceeded
	KindCheckoutAsyncPaymentFailed
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindSubscriptionTrialWillEnd
	KindInvoicePaymentSucceeded
	KindInvoicePaymentFailed
)

var kindNames = map[EventKind]string{
	KindCheckoutCompleted:             "checkout.session.completed",
	KindCheckoutAsyncPaymentSucceeded: "checkout.session.async_payment_succeeded",
	KindCheckoutAsyncPaymentFailed:    "checkout.session.async_payment_failed",
	KindSubscriptionCreated:           "customer.subscription.created",
	KindSubscriptionUpdated:           "customer.subscription.updated",
	KindSubscriptionDeleted:           "customer.subscription.deleted",
	KindSubscriptionTrialWillEnd:      "customer.subscription.trial_will_end",
	KindInvoicePaymentSucceeded:       "invoice.payment_succeeded",
	KindInvoicePaymentFailed:          "invoice.payment_failed",
}

var kindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

// ParseEventKind maps a provider event type to its kind. Types without a
// handler map to KindUnknown.
func ParseEventKind(eventType string) EventKind {
	if k, ok := kindsByName[eventType]; ok {
		return k
	}
	return KindUnknown
}

// KnownKinds returns every kind except KindUnknown, in declaration order.
func KnownKinds() []EventKind {
	kinds := make([]EventKind, 0, len(kindNames))
	for k := KindCheckoutCompleted; k <= KindInvoicePaymentFailed; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Envelope is a verified provider event decoded once at the boundary.
type Envelope struct {
	ID      string
	Kind    EventKind
	RawType string
	Created time.Time

	// Object is the raw data.object of the event.
	Object json.RawMessage

	// PreviousAttributes holds data.previous_attributes, nil when absent.
	PreviousAttributes map[string]interface{}

	// Payload is the full verified body.
	Payload []byte
}

type rawEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object             json.RawMessage        `json:"object"`
		PreviousAttributes map[string]interface{} `json:"previous_attributes"`
	} `json:"data"`
}

// DecodeEnvelope parses a provider event body. It does not verify anything;
// callers must only pass bodies that were verified or read back from the ledger.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrInvalidPayload)
	}
	return &Envelope{
		ID:                 raw.ID,
		Kind:               ParseEventKind(raw.Type),
		RawType:            raw.Type,
		Created:            unixOrZero(raw.Created),
		Object:             raw.Data.Object,
		PreviousAttributes: raw.Data.PreviousAttributes,
		Payload:            payload,
	}, nil
}

// Changes are the transitions an update event announces through previous_attributes.
type Changes struct {
	JustExitedTrial  bool
	FlippedCancelOn  bool
	FlippedCancelOff bool
}

// DetectChanges compares previous_attributes with the current subscription.
// A flag is only set when the attribute is present in previous_attributes.
func DetectChanges(prev map[string]interface{}, sub *ProviderSubscription) Changes {
	if len(prev) == 0 || sub == nil {
		return Changes{}
	}
	var c Changes
	if s, ok := prev["status"].(string); ok {
		c.JustExitedTrial = Status(s) == StatusTrialing && sub.Status == StatusActive
	}
	if was, ok := prev["cancel_at_period_end"].(bool); ok {
		c.FlippedCancelOn = !was && sub.CancelAtPeriodEnd
		c.FlippedCancelOff = was && !sub.CancelAtPeriodEnd
	}
	return c
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
