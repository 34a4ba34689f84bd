package subsync

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Verifier authenticates a raw webhook delivery and decodes it.
type Verifier interface {
	// Verify checks the signature header against the body. It returns an error
	// wrapping ErrInvalidSignature when the delivery cannot be trusted.
	Verify(payload []byte, signature string) (*Envelope, error)
}

// ProviderClient is the slice of the billing provider API the reconciler calls.
// Each call is a single bounded round trip with no retry loop.
type ProviderClient interface {
	// RetrieveSubscription fetches a subscription with prices and products expanded.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)

	// RetrieveCheckoutSession fetches a checkout session with its subscription expanded.
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}

// ExpandableID is a provider reference that arrives either as a bare id or as
// an expanded object carrying an "id".
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func (e ExpandableID) String() string { return string(e) }

// ProviderSubscription is the provider's subscription object. Every field may be
// missing from a webhook payload; epoch-second fields are pointers so that
// absence stays distinguishable from zero.
type ProviderSubscription struct {
	ID                 string            `json:"id"`
	Customer           ExpandableID      `json:"customer"`
	Status             Status            `json:"status"`
	Items              SubscriptionItems `json:"items"`
	Plan               *Plan             `json:"plan,omitempty"`
	CurrentPeriodStart *int64            `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *int64            `json:"current_period_end,omitempty"`
	TrialStart         *int64            `json:"trial_start,omitempty"`
	TrialEnd           *int64            `json:"trial_end,omitempty"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CancelAt           *int64            `json:"cancel_at,omitempty"`
	CanceledAt         *int64            `json:"canceled_at,omitempty"`
}

// SubscriptionItems is the list wrapper around subscription line items.
type SubscriptionItems struct {
	Data []SubscriptionItem `json:"data"`
}

// SubscriptionItem is one line item of a subscription.
type SubscriptionItem struct {
	ID                 string `json:"id"`
	Price              *Price `json:"price,omitempty"`
	CurrentPeriodStart *int64 `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *int64 `json:"current_period_end,omitempty"`
}

// Price is the subset of a provider price the snapshot records.
type Price struct {
	ID      string       `json:"id"`
	Product ExpandableID `json:"product"`
}

// Plan is the legacy plan object older subscriptions still carry.
type Plan struct {
	ID      string       `json:"id"`
	Product ExpandableID `json:"product"`
}

// FirstItem returns the first line item or nil.
func (s *ProviderSubscription) FirstItem() *SubscriptionItem {
	if s == nil || len(s.Items.Data) == 0 {
		return nil
	}
	return &s.Items.Data[0]
}

// HasTopLevelPeriod reports whether both subscription-level period bounds are set.
func (s *ProviderSubscription) HasTopLevelPeriod() bool {
	return isSet(s.CurrentPeriodStart) && isSet(s.CurrentPeriodEnd)
}

// HasItemPeriod reports whether the first item carries both period bounds.
func (s *ProviderSubscription) HasItemPeriod() bool {
	it := s.FirstItem()
	return it != nil && isSet(it.CurrentPeriodStart) && isSet(it.CurrentPeriodEnd)
}

// HasPriceRefs reports whether the price id can be resolved from the object.
func (s *ProviderSubscription) HasPriceRefs() bool {
	if it := s.FirstItem(); it != nil && it.Price != nil && it.Price.ID != "" {
		return true
	}
	return s.Plan != nil && s.Plan.ID != ""
}

// SubscriptionRef is a subscription reference that is either a bare id or the
// expanded object.
type SubscriptionRef struct {
	ID     string
	Object *ProviderSubscription
}

func (r *SubscriptionRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = SubscriptionRef{}
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var sub ProviderSubscription
	if err := json.Unmarshal(b, &sub); err != nil {
		return err
	}
	r.ID = sub.ID
	r.Object = &sub
	return nil
}

func (r SubscriptionRef) MarshalJSON() ([]byte, error) {
	if r.Object != nil {
		return json.Marshal(r.Object)
	}
	return json.Marshal(r.ID)
}

// CheckoutSession is the provider's checkout session object.
type CheckoutSession struct {
	ID              string           `json:"id"`
	Mode            string           `json:"mode"`
	PaymentStatus   string           `json:"payment_status"`
	Customer        ExpandableID     `json:"customer"`
	CustomerEmail   string           `json:"customer_email,omitempty"`
	CustomerDetails *CustomerDetails `json:"customer_details,omitempty"`
	Subscription    *SubscriptionRef `json:"subscription,omitempty"`
}

// CustomerDetails holds what the customer entered during checkout.
type CustomerDetails struct {
	Email string `json:"email"`
}

const (
	CheckoutModeSubscription       = "subscription"
	PaymentStatusPaid              = "paid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// SubscriptionID returns the id of the referenced subscription or "".
func (c *CheckoutSession) SubscriptionID() string {
	if c == nil || c.Subscription == nil {
		return ""
	}
	return c.Subscription.ID
}

// Email returns the address entered at checkout, falling back to the
// prefilled customer_email.
func (c *CheckoutSession) Email() string {
	if c.CustomerDetails != nil && c.CustomerDetails.Email != "" {
		return c.CustomerDetails.Email
	}
	return c.CustomerEmail
}

// PaymentConfirmed reports whether the session needs no further payment action.
func (c *CheckoutSession) PaymentConfirmed() bool {
	return c.PaymentStatus == PaymentStatusPaid || c.PaymentStatus == PaymentStatusNoPaymentRequired
}

// Invoice is the provider's invoice object.
type Invoice struct {
	ID                    string           `json:"id"`
	Customer              ExpandableID     `json:"customer"`
	Subscription          *SubscriptionRef `json:"subscription,omitempty"`
	Parent                *InvoiceParent   `json:"parent,omitempty"`
	NextPaymentAttempt    *int64           `json:"next_payment_attempt,omitempty"`
	LastFinalizationError *ProviderError   `json:"last_finalization_error,omitempty"`
	LastPaymentError      *ProviderError   `json:"last_payment_error,omitempty"`
}

// InvoiceParent carries the subscription reference on newer API versions.
type InvoiceParent struct {
	SubscriptionDetails *struct {
		Subscription ExpandableID `json:"subscription"`
	} `json:"subscription_details,omitempty"`
}

// ProviderError is an error object embedded in provider resources.
type ProviderError struct {
	Message string `json:"message"`
}

// SubscriptionRef returns the invoice's subscription reference, looking at the
// legacy top-level field first and then the parent details.
func (inv *Invoice) SubscriptionRef() SubscriptionRef {
	if inv.Subscription != nil && inv.Subscription.ID != "" {
		return *inv.Subscription
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return SubscriptionRef{ID: inv.Parent.SubscriptionDetails.Subscription.String()}
	}
	return SubscriptionRef{}
}

// DefaultPaymentErrorMessage is recorded when a failed invoice carries no message.
const DefaultPaymentErrorMessage = "Payment failed. Please update your card."

// PaymentErrorMessage returns the most specific failure message on the invoice.
func (inv *Invoice) PaymentErrorMessage() string {
	if inv.LastFinalizationError != nil && inv.LastFinalizationError.Message != "" {
		return inv.LastFinalizationError.Message
	}
	if inv.LastPaymentError != nil && inv.LastPaymentError.Message != "" {
		return inv.LastPaymentError.Message
	}
	return DefaultPaymentErrorMessage
}

type ledgerRefs struct {
	ID           string          `json:"id"`
	Object       string          `json:"object"`
	Customer     ExpandableID    `json:"customer"`
	CustomerID   string          `json:"customer_id"`
	Subscription json.RawMessage `json:"subscription"`
}

// extractRefs pulls the customer and subscription ids recorded on a ledger
// entry out of a raw data.object.
//
// The customer_id and subscription.customer branches predate the current API
// version and may no longer be reachable; revalidate them against current
// payload schemas before relying on them.
func extractRefs(obj json.RawMessage) (customerID, subscriptionID string) {
	var refs ledgerRefs
	if err := json.Unmarshal(obj, &refs); err != nil {
		return "", ""
	}
	var sub struct {
		Customer ExpandableID `json:"customer"`
	}
	if refs.Object == "subscription" {
		subscriptionID = refs.ID
	}
	if len(refs.Subscription) > 0 {
		var ref SubscriptionRef
		if err := json.Unmarshal(refs.Subscription, &ref); err == nil && ref.ID != "" {
			subscriptionID = ref.ID
		}
		if refs.Subscription[0] == '{' {
			_ = json.Unmarshal(refs.Subscription, &sub)
		}
	}
	switch {
	case refs.Customer != "":
		customerID = refs.Customer.String()
	case refs.CustomerID != "":
		customerID = refs.CustomerID
	case sub.Customer != "":
		customerID = sub.Customer.String()
	}
	return customerID, subscriptionID
}

func isSet(sec *int64) bool {
	return sec != nil && *sec != 0
}

func fromUnix(sec *int64) *time.Time {
	if !isSet(sec) {
		return nil
	}
	t := time.Unix(*sec, 0).UTC()
	return &t
}
