package subsync

// Project maps a provider subscription onto a new snapshot. prior may be nil.
//
// Price and product come from the first line item and fall back to the legacy
// plan. Period bounds prefer the subscription-level fields and fall back to
// the first item, since itemized billing only reports them per item. While
// trialing, the trial end replaces the period end. Invoice diagnostics are not
// part of the provider object and are carried over from prior.
func Project(prior *Snapshot, sub *ProviderSubscription) Snapshot {
	next := Snapshot{
		ProviderSubscriptionID: sub.ID,
		Status:                 sub.Status,
		TrialStart:             fromUnix(sub.TrialStart),
		TrialEnd:               fromUnix(sub.TrialEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		ScheduledCancelAt:      fromUnix(sub.CancelAt),
		CanceledAt:             fromUnix(sub.CanceledAt),
	}

	item := sub.FirstItem()
	switch {
	case item != nil && item.Price != nil && item.Price.ID != "":
		next.PriceID = item.Price.ID
		next.ProductID = item.Price.Product.String()
	case sub.Plan != nil:
		next.PriceID = sub.Plan.ID
		next.ProductID = sub.Plan.Product.String()
	}
	if next.ProductID == "" && sub.Plan != nil {
		next.ProductID = sub.Plan.Product.String()
	}

	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if item != nil {
		if !isSet(start) {
			start = item.CurrentPeriodStart
		}
		if !isSet(end) {
			end = item.CurrentPeriodEnd
		}
	}
	if sub.Status == StatusTrialing && isSet(sub.TrialEnd) {
		end = sub.TrialEnd
	}
	next.CurrentPeriodStart = fromUnix(start)
	next.CurrentPeriodEnd = fromUnix(end)

	if prior != nil {
		next.LastInvoiceID = prior.LastInvoiceID
		next.LastPaymentError = prior.LastPaymentError
		next.NextPaymentAttemptAt = cloneTime(prior.NextPaymentAttemptAt)
	}
	return next
}

// BackfillCustomer links the user to the subscription's customer when the
// user has no customer id yet. An existing id is never replaced.
func BackfillCustomer(user User, sub *ProviderSubscription) User {
	if user.CustomerID == "" && sub != nil && sub.Customer != "" {
		user.CustomerID = sub.Customer.String()
	}
	return user
}

// ApplySubscription projects sub onto the user's current snapshot and
// backfills the customer id. It is the merge step every persisting handler
// runs against the freshly read user.
func ApplySubscription(user User, sub *ProviderSubscription) User {
	snap := Project(user.Subscription, sub)
	user.Subscription = &snap
	return BackfillCustomer(user, sub)
}
