package subsync

import (
	"context"
	"time"
)

// Recipient is what a notification needs to know about the user.
type Recipient struct {
	UserID    string
	FirstName string
	Email     string

	// At is the instant the message refers to, nil when unknown.
	At *time.Time

	// LocalizedAt is At rendered in the user's timezone, "" when At is nil.
	LocalizedAt string
}

// NewRecipient builds the recipient of a notification about at.
func NewRecipient(user User, at *time.Time) Recipient {
	return Recipient{
		UserID:      user.ID,
		FirstName:   FirstName(user.FullName),
		Email:       user.Email,
		At:          cloneTime(at),
		LocalizedAt: Localize(at, user.Timezone),
	}
}

// Notifier sends the outbound messages for subscription transitions.
// Implementations own template rendering and delivery.
type Notifier interface {
	// TrialEnding tells the user their trial ends at r.LocalizedAt.
	TrialEnding(ctx context.Context, r Recipient) error

	// CancellationScheduled tells the user their subscription ends at r.LocalizedAt.
	CancellationScheduled(ctx context.Context, r Recipient) error

	// CancellationConfirmed tells the user their subscription ended at r.LocalizedAt.
	CancellationConfirmed(ctx context.Context, r Recipient) error
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (n *NoopNotifier) TrialEnding(_ context.Context, _ Recipient) error           { return nil }
func (n *NoopNotifier) CancellationScheduled(_ context.Context, _ Recipient) error { return nil }
func (n *NoopNotifier) CancellationConfirmed(_ context.Context, _ Recipient) error { return nil }

// sendNotification delivers the message for t. It never returns an error:
// the snapshot is already persisted and a failed message is logged, counted
// and dropped.
func (d *Dispatcher) sendNotification(ctx context.Context, user User, t Transition) {
	var send func(context.Context, Recipient) error
	switch t.Kind {
	case TransitionTrialEndingSoon:
		send = d.notifier.TrialEnding
	case TransitionCancellationScheduled:
		send = d.notifier.CancellationScheduled
	case TransitionCancellationConfirmed:
		send = d.notifier.CancellationConfirmed
	default:
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.notifyTimeout)
	defer cancel()

	if err := send(ctx, NewRecipient(user, t.At)); err != nil {
		d.metrics.RecordNotification(string(t.Kind), "error")
		d.logger.Warn("notification failed",
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "transition", Value: string(t.Kind)},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	d.metrics.RecordNotification(string(t.Kind), "sent")
}
