package subsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AsyncPaymentFailedNote is written on the ledger entry of a failed async checkout payment.
const AsyncPaymentFailedNote = "Async payment failed"

func (d *Dispatcher) handlerTable() map[EventKind]handlerFunc {
	return map[EventKind]handlerFunc{
		KindCheckoutCompleted:             d.handleCheckoutPaid,
		KindCheckoutAsyncPaymentSucceeded: d.handleCheckoutPaid,
		KindCheckoutAsyncPaymentFailed:    d.handleCheckoutAsyncFailed,
		KindSubscriptionCreated:           d.handleSubscriptionChanged,
		KindSubscriptionUpdated:           d.handleSubscriptionChanged,
		KindSubscriptionDeleted:           d.handleSubscriptionDeleted,
		KindSubscriptionTrialWillEnd:      d.handleTrialWillEnd,
		KindInvoicePaymentSucceeded:       d.handleInvoicePaid,
		KindInvoicePaymentFailed:          d.handleInvoiceFailed,
	}
}

// HasHandler reports whether the dispatcher acts on events of the given kind.
func (d *Dispatcher) HasHandler(kind EventKind) bool {
	_, ok := d.handlers[kind]
	return ok
}

func (d *Dispatcher) handleCheckoutPaid(ctx context.Context, env *Envelope) error {
	var session CheckoutSession
	if err := decodeObject(env, &session); err != nil {
		return err
	}
	if session.Mode != CheckoutModeSubscription {
		d.logger.Debug("ignoring non-subscription checkout session",
			Field{Key: "event_id", Value: env.ID},
			Field{Key: "mode", Value: session.Mode},
		)
		return nil
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		d.logger.Warn("checkout session carries no subscription",
			Field{Key: "event_id", Value: env.ID},
			Field{Key: "session_id", Value: session.ID},
		)
		return nil
	}

	sub, err := d.resolve(ctx, *session.Subscription, Changes{}, HydrateAlways)
	if err != nil {
		return err
	}

	customerID := sub.Customer.String()
	if customerID == "" {
		customerID = session.Customer.String()
	}
	user, err := d.locateUser(ctx, customerID, session.Email())
	if err != nil {
		return err
	}

	_, _, err = d.applySubscription(ctx, user.ID, sub, nil)
	return err
}

func (d *Dispatcher) handleCheckoutAsyncFailed(ctx context.Context, env *Envelope) error {
	var session CheckoutSession
	if err := decodeObject(env, &session); err != nil {
		return err
	}

	if user, err := d.locateUser(ctx, session.Customer.String(), session.Email()); err == nil {
		d.logger.Info("async checkout payment failed",
			Field{Key: "event_id", Value: env.ID},
			Field{Key: "user_id", Value: user.ID},
		)
	} else if !errors.Is(err, ErrUserNotFound) {
		d.logger.Warn("user lookup failed for async payment failure",
			Field{Key: "event_id", Value: env.ID},
			Field{Key: "error", Value: err.Error()},
		)
	}

	return d.events.AnnotateEvent(ctx, env.ID, AsyncPaymentFailedNote)
}

func (d *Dispatcher) handleSubscriptionChanged(ctx context.Context, env *Envelope) error {
	var raw ProviderSubscription
	if err := decodeObject(env, &raw); err != nil {
		return err
	}
	changes := DetectChanges(env.PreviousAttributes, &raw)

	sub, err := d.resolve(ctx, SubscriptionRef{ID: raw.ID, Object: &raw}, changes, HydrateWhenNeeded)
	if err != nil {
		return err
	}

	user, err := d.userByCustomer(ctx, firstNonEmpty(sub.Customer.String(), raw.Customer.String()))
	if err != nil {
		return err
	}

	prev, updated, err := d.applySubscription(ctx, user.ID, sub, nil)
	if err != nil {
		return err
	}
	d.emit(ctx, env, *updated, DetectTransitions(env.Kind, prev, updated.Subscription, sub, changes, d.now()))
	return nil
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, env *Envelope) error {
	var sub ProviderSubscription
	if err := decodeObject(env, &sub); err != nil {
		return err
	}
	resolved, err := d.resolve(ctx, SubscriptionRef{ID: sub.ID, Object: &sub}, Changes{}, HydrateNever)
	if err != nil {
		return err
	}

	user, err := d.userByCustomer(ctx, resolved.Customer.String())
	if err != nil {
		return err
	}

	prev, updated, err := d.applySubscription(ctx, user.ID, resolved, nil)
	if err != nil {
		return err
	}
	d.emit(ctx, env, *updated, DetectTransitions(env.Kind, prev, updated.Subscription, resolved, Changes{}, d.now()))
	return nil
}

func (d *Dispatcher) handleTrialWillEnd(ctx context.Context, env *Envelope) error {
	var sub ProviderSubscription
	if err := decodeObject(env, &sub); err != nil {
		return err
	}
	user, err := d.userByCustomer(ctx, sub.Customer.String())
	if err != nil {
		return err
	}
	d.emit(ctx, env, *user, DetectTransitions(env.Kind, user.Subscription, nil, &sub, Changes{}, d.now()))
	return nil
}

func (d *Dispatcher) handleInvoicePaid(ctx context.Context, env *Envelope) error {
	var inv Invoice
	if err := decodeObject(env, &inv); err != nil {
		return err
	}
	ref := inv.SubscriptionRef()
	if ref.ID == "" && ref.Object == nil {
		return nil
	}

	sub, err := d.resolve(ctx, ref, Changes{}, HydrateWhenNeeded)
	if err != nil {
		return err
	}
	user, err := d.userByCustomer(ctx, firstNonEmpty(sub.Customer.String(), inv.Customer.String()))
	if err != nil {
		return err
	}

	_, _, err = d.applySubscription(ctx, user.ID, sub, func(s Snapshot) Snapshot {
		return s.WithInvoice(inv.ID)
	})
	return err
}

func (d *Dispatcher) handleInvoiceFailed(ctx context.Context, env *Envelope) error {
	var inv Invoice
	if err := decodeObject(env, &inv); err != nil {
		return err
	}
	ref := inv.SubscriptionRef()
	if ref.ID == "" && ref.Object == nil {
		return nil
	}

	sub, err := d.resolve(ctx, ref, Changes{}, HydrateAlways)
	if err != nil {
		return err
	}
	user, err := d.userByCustomer(ctx, firstNonEmpty(sub.Customer.String(), inv.Customer.String()))
	if err != nil {
		return err
	}

	prev, updated, err := d.applySubscription(ctx, user.ID, sub, func(s Snapshot) Snapshot {
		return s.WithPaymentFailure(inv.ID, inv.PaymentErrorMessage(), fromUnix(inv.NextPaymentAttempt))
	})
	if err != nil {
		return err
	}
	d.emit(ctx, env, *updated, DetectTransitions(env.Kind, prev, updated.Subscription, sub, Changes{}, d.now()))
	return nil
}

// applySubscription merges sub into the freshest persisted copy of the user.
// amend, when set, adjusts the projected snapshot with event-specific
// diagnostics. It returns the snapshot as it was just before the write.
func (d *Dispatcher) applySubscription(ctx context.Context, userID string, sub *ProviderSubscription,
	amend func(Snapshot) Snapshot) (*Snapshot, *User, error) {
	var prev *Snapshot
	updated, err := d.users.UpdateUser(ctx, userID, func(current User) (User, error) {
		prev = current.Subscription
		next := ApplySubscription(current, sub)
		if amend != nil {
			snap := amend(*next.Subscription)
			next.Subscription = &snap
		}
		next.UpdatedAt = d.now().UTC()
		return next, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("persist subscription for user %s: %w", userID, err)
	}
	return prev, updated, nil
}

func (d *Dispatcher) emit(ctx context.Context, env *Envelope, user User, transitions []Transition) {
	for _, t := range transitions {
		d.metrics.RecordTransition(string(t.Kind))
		d.logger.Info("subscription transition",
			Field{Key: "event_id", Value: env.ID},
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "transition", Value: string(t.Kind)},
		)
		if t.Kind.Notifies() {
			d.sendNotification(ctx, user, t)
		}
	}
}

func (d *Dispatcher) resolve(ctx context.Context, ref SubscriptionRef, changes Changes,
	policy HydrationPolicy) (*ProviderSubscription, error) {
	sub, _, err := d.hydrator.Resolve(ctx, ref, changes, policy)
	return sub, err
}

func (d *Dispatcher) userByCustomer(ctx context.Context, customerID string) (*User, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: event names no customer", ErrUserNotFound)
	}
	user, err := d.users.FindByCustomerID(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("customer %s: %w", customerID, err)
	}
	return user, nil
}

// locateUser finds the user by customer id first and by checkout email second.
func (d *Dispatcher) locateUser(ctx context.Context, customerID, email string) (*User, error) {
	if customerID != "" {
		user, err := d.users.FindByCustomerID(ctx, customerID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}
	if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
		user, err := d.users.FindByEmail(ctx, email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("customer %q email %q: %w", customerID, email, ErrUserNotFound)
}

func decodeObject(env *Envelope, v interface{}) error {
	if len(env.Object) == 0 {
		return fmt.Errorf("%w: %s has no data.object", ErrInvalidPayload, env.RawType)
	}
	if err := json.Unmarshal(env.Object, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.RawType, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
