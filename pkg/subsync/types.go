package subsync

import (
	"time"
)

// Status is a provider subscription status.
type Status string

const (
	StatusIncomplete        Status = "incomplete"
	StatusIncompleteExpired Status = "incomplete_expired"
	StatusTrialing          Status = "trialing"
	StatusActive            Status = "active"
	StatusPastDue           Status = "past_due"
	StatusCanceled          Status = "canceled"
	StatusUnpaid            Status = "unpaid"
	StatusPaused            Status = "paused"
)

// Known reports whether s is one of the statuses the provider documents.
func (s Status) Known() bool {
	switch s {
	case StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceled, StatusUnpaid, StatusPaused:
		return true
	}
	return false
}

// Entitled reports whether the status grants paid access.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// Snapshot is the locally cached state of a user's provider subscription.
// It is a value type: every change produces a new Snapshot that replaces the
// previous one on the owning User.
type Snapshot struct {
	ProviderSubscriptionID string     `json:"id"`
	Status                 Status     `json:"status"`
	PriceID                string     `json:"priceId,omitempty"`
	ProductID              string     `json:"productId,omitempty"`
	CurrentPeriodStart     *time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd       *time.Time `json:"currentPeriodEnd"`
	TrialStart             *time.Time `json:"trialStart"`
	TrialEnd               *time.Time `json:"trialEnd"`
	CancelAtPeriodEnd      bool       `json:"cancelAtPeriodEnd"`
	CanceledAt             *time.Time `json:"canceledAt"`
	ScheduledCancelAt      *time.Time `json:"scheduledCancelAt"`

	// Invoice diagnostics. The provider subscription object never carries
	// these, so projection copies them forward from the prior snapshot.
	LastInvoiceID        string     `json:"lastInvoiceId,omitempty"`
	LastPaymentError     string     `json:"lastPaymentError,omitempty"`
	NextPaymentAttemptAt *time.Time `json:"nextPaymentAttemptAt"`
}

// Entitled reports whether the snapshot grants paid access.
func (s Snapshot) Entitled() bool {
	return s.Status.Entitled()
}

// EffectivePeriodEnd returns the trial end while trialing and the billing
// period end otherwise.
func (s Snapshot) EffectivePeriodEnd() *time.Time {
	if s.Status == StatusTrialing && s.TrialEnd != nil {
		return s.TrialEnd
	}
	return s.CurrentPeriodEnd
}

// WithInvoice returns a copy of s that records the last invoice seen.
func (s Snapshot) WithInvoice(invoiceID string) Snapshot {
	s.LastInvoiceID = invoiceID
	return s
}

// WithPaymentFailure returns a copy of s carrying the diagnostics of a failed
// invoice payment.
func (s Snapshot) WithPaymentFailure(invoiceID, message string, nextAttempt *time.Time) Snapshot {
	s.LastInvoiceID = invoiceID
	s.LastPaymentError = message
	s.NextPaymentAttemptAt = cloneTime(nextAttempt)
	return s
}

// User is the aggregate that owns at most one subscription snapshot.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	Timezone     string    `json:"timezone,omitempty"`
	CustomerID   string    `json:"customerId,omitempty"`
	Subscription *Snapshot `json:"subscription,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsPro reports whether the user currently has paid access.
func (u User) IsPro() bool {
	return u.Subscription != nil && u.Subscription.Entitled()
}

// SubscriptionStatus returns the snapshot status or "" when the user has none.
func (u User) SubscriptionStatus() Status {
	if u.Subscription == nil {
		return ""
	}
	return u.Subscription.Status
}

// Clone returns a deep copy of the user so stores can hand out values that
// callers may modify freely.
func (u User) Clone() User {
	if u.Subscription != nil {
		snap := u.Subscription.clone()
		u.Subscription = &snap
	}
	return u
}

func (s Snapshot) clone() Snapshot {
	s.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	s.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	s.TrialStart = cloneTime(s.TrialStart)
	s.TrialEnd = cloneTime(s.TrialEnd)
	s.CanceledAt = cloneTime(s.CanceledAt)
	s.ScheduledCancelAt = cloneTime(s.ScheduledCancelAt)
	s.NextPaymentAttemptAt = cloneTime(s.NextPaymentAttemptAt)
	return s
}

// BillingEvent is one entry of the idempotency ledger.
type BillingEvent struct {
	// EventID is the provider-assigned event id and the idempotency key.
	EventID string `json:"eventId"`

	// Type is the raw provider event type.
	Type string `json:"type"`

	CustomerID     string `json:"customerId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`

	// Payload is the raw verified event body, written once by the first delivery.
	Payload []byte `json:"payload"`

	ReceivedAt time.Time `json:"receivedAt"`

	// ProcessedAt is nil until a handler has completed successfully.
	ProcessedAt *time.Time `json:"processedAt,omitempty"`

	// HandlerError holds the last handler failure, empty when none.
	HandlerError string `json:"handlerError,omitempty"`

	// Note is a free-text annotation written by handlers.
	Note string `json:"note,omitempty"`
}

// Clone returns a deep copy of the event.
func (e BillingEvent) Clone() BillingEvent {
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	e.ProcessedAt = cloneTime(e.ProcessedAt)
	return e
}

// EntitlementStatus is the answer of the billing status query.
type EntitlementStatus struct {
	Unlocked  bool       `json:"unlocked"`
	Status    string     `json:"status"`
	PeriodEnd *time.Time `json:"periodEnd,omitempty"`
	Note      string     `json:"note,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
