package subsync

import (
	"context"
	"fmt"
)

// HydrationReason names the rule that made an embedded subscription untrustworthy.
type HydrationReason string

const (
	// HydrationNotNeeded means the embedded object is used as-is.
	HydrationNotNeeded HydrationReason = ""

	HydrationReferenceOnly    HydrationReason = "reference_only"
	HydrationMissingPrice     HydrationReason = "missing_price"
	HydrationMissingPeriod    HydrationReason = "missing_period"
	HydrationTrialExit        HydrationReason = "trial_exit"
	HydrationCancelScheduled  HydrationReason = "cancel_scheduled"
	HydrationAlwaysForHandler HydrationReason = "handler_policy"
)

// NeedsHydration applies the uniform re-fetch rule to an embedded subscription.
//
// A re-fetch is needed when fields the projection depends on are absent, when
// previous_attributes show a trial exit or a cancel flag turning on, or when an
// active subscription carries no period bounds at all.
func NeedsHydration(sub *ProviderSubscription, changes Changes) HydrationReason {
	switch {
	case sub == nil:
		return HydrationReferenceOnly
	case changes.JustExitedTrial:
		return HydrationTrialExit
	case changes.FlippedCancelOn:
		return HydrationCancelScheduled
	case sub.Status == StatusActive && !sub.HasTopLevelPeriod() && !sub.HasItemPeriod():
		return HydrationMissingPeriod
	case !sub.HasPriceRefs():
		return HydrationMissingPrice
	}
	return HydrationNotNeeded
}

// HydrationPolicy is the per-handler stance on re-fetching.
type HydrationPolicy int

const (
	// HydrateWhenNeeded applies NeedsHydration.
	HydrateWhenNeeded HydrationPolicy = iota
	// HydrateAlways fetches by id regardless of the payload.
	HydrateAlways
	// HydrateNever trusts the embedded object.
	HydrateNever
)

// Hydrator resolves the subscription an event refers to, re-fetching it from
// the provider only when the embedded copy cannot be trusted.
type Hydrator struct {
	client  ProviderClient
	metrics Metrics
	logger  Logger
}

// NewHydrator creates a Hydrator. metrics and logger may be nil.
func NewHydrator(client ProviderClient, metrics Metrics, logger Logger) *Hydrator {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Hydrator{client: client, metrics: metrics, logger: logger}
}

// Resolve returns the subscription to project for ref. Failures wrap
// ErrSubscriptionUnresolvable.
func (h *Hydrator) Resolve(ctx context.Context, ref SubscriptionRef, changes Changes,
	policy HydrationPolicy) (*ProviderSubscription, HydrationReason, error) {
	if ref.Object == nil && ref.ID == "" {
		return nil, HydrationNotNeeded, fmt.Errorf("%w: no subscription reference", ErrSubscriptionUnresolvable)
	}

	var reason HydrationReason
	switch policy {
	case HydrateNever:
		if ref.Object != nil {
			return ref.Object, HydrationNotNeeded, nil
		}
		reason = HydrationReferenceOnly
	case HydrateAlways:
		reason = HydrationAlwaysForHandler
	default:
		reason = NeedsHydration(ref.Object, changes)
		if reason == HydrationNotNeeded {
			return ref.Object, reason, nil
		}
	}

	id := ref.ID
	if id == "" && ref.Object != nil {
		id = ref.Object.ID
	}
	if id == "" {
		return nil, reason, fmt.Errorf("%w: embedded subscription has no id", ErrSubscriptionUnresolvable)
	}
	if h.client == nil {
		return nil, reason, fmt.Errorf("%w: no provider client configured", ErrSubscriptionUnresolvable)
	}

	h.metrics.RecordHydration(string(reason))
	h.logger.Debug("hydrating subscription",
		Field{Key: "subscription_id", Value: id},
		Field{Key: "reason", Value: string(reason)},
	)

	sub, err := h.client.RetrieveSubscription(ctx, id)
	if err != nil {
		return nil, reason, fmt.Errorf("%w: retrieve %s: %w", ErrSubscriptionUnresolvable, id, err)
	}
	if sub == nil {
		return nil, reason, fmt.Errorf("%w: provider returned no subscription for %s", ErrSubscriptionUnresolvable, id)
	}
	return sub, reason, nil
}
