package subsync

import "time"

// TransitionKind classifies a meaningful change of a subscription.
type TransitionKind string

const (
	TransitionTrialEndingSoon       TransitionKind = "trial_ending_soon"
	TransitionCancellationScheduled TransitionKind = "cancellation_scheduled"
	TransitionCancellationConfirmed TransitionKind = "cancellation_confirmed"
	TransitionPaymentFailed         TransitionKind = "payment_failed"
	TransitionReactivated           TransitionKind = "reactivated"
)

// Notifies reports whether the transition maps to an outbound notification.
func (k TransitionKind) Notifies() bool {
	switch k {
	case TransitionTrialEndingSoon, TransitionCancellationScheduled, TransitionCancellationConfirmed:
		return true
	}
	return false
}

// Transition is a detected change together with the instant it refers to.
// At is nil when the provider gave no timestamp.
type Transition struct {
	Kind TransitionKind
	At   *time.Time
}

// DetectTransitions classifies what an event changed. prev is the snapshot
// before the write and may be nil; next is nil for events that do not project.
func DetectTransitions(kind EventKind, prev, next *Snapshot, sub *ProviderSubscription,
	changes Changes, now time.Time) []Transition {
	var out []Transition

	switch kind {
	case KindSubscriptionTrialWillEnd:
		var at *time.Time
		if sub != nil {
			at = fromUnix(sub.TrialEnd)
		}
		out = append(out, Transition{Kind: TransitionTrialEndingSoon, At: at})

	case KindSubscriptionDeleted:
		at := cloneTime(&now)
		if sub != nil && isSet(sub.CancelAt) {
			at = fromUnix(sub.CancelAt)
		}
		out = append(out, Transition{Kind: TransitionCancellationConfirmed, At: at})

	case KindInvoicePaymentFailed:
		var at *time.Time
		if next != nil {
			at = cloneTime(next.NextPaymentAttemptAt)
		}
		out = append(out, Transition{Kind: TransitionPaymentFailed, At: at})

	case KindSubscriptionCreated, KindSubscriptionUpdated:
		if changes.FlippedCancelOn {
			var at *time.Time
			if sub != nil {
				at = fromUnix(sub.CancelAt)
			}
			out = append(out, Transition{Kind: TransitionCancellationScheduled, At: at})
		}
		if next != nil && prev != nil && prev.Entitled() && delinquent(next.Status) {
			out = append(out, Transition{Kind: TransitionPaymentFailed, At: cloneTime(next.NextPaymentAttemptAt)})
		}
		if changes.FlippedCancelOff || reactivated(prev, next) {
			out = append(out, Transition{Kind: TransitionReactivated, At: cloneTime(&now)})
		}
	}
	return out
}

func delinquent(s Status) bool {
	return s == StatusPastDue || s == StatusUnpaid
}

func reactivated(prev, next *Snapshot) bool {
	if prev == nil || next == nil || !next.Entitled() {
		return false
	}
	switch prev.Status {
	case StatusPastDue, StatusUnpaid, StatusPaused, StatusCanceled:
		return true
	}
	return false
}
