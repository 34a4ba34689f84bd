package subsync

import (
	"context"
	"time"
)

// UpdateFunc derives the next state of a user from the latest persisted one.
// Returning an error aborts the update without writing.
type UpdateFunc func(current User) (User, error)

// UserStore is the narrow view of the user collection the reconciler needs.
type UserStore interface {
	// GetUser returns the user with the given id or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)

	// FindByCustomerID returns the user linked to a provider customer id or ErrUserNotFound.
	FindByCustomerID(ctx context.Context, customerID string) (*User, error)

	// FindByEmail returns the user with the given email, compared case-insensitively,
	// or ErrUserNotFound.
	FindByEmail(ctx context.Context, email string) (*User, error)

	// UpdateUser re-reads the user, applies fn to the freshest copy and persists
	// the result. Implementations must read the user as part of the update so
	// that fields written by a racing event are visible to fn.
	UpdateUser(ctx context.Context, userID string, fn UpdateFunc) (*User, error)

	// PutUser creates or replaces a user. Used for seeding and by the account
	// layer that owns user CRUD.
	PutUser(ctx context.Context, user *User) error
}

// EventStore is the idempotency ledger keyed by provider event id.
type EventStore interface {
	// InsertEvent stores the event if no entry with the same id exists.
	// Exactly one of several concurrent callers for the same id gets inserted=true.
	// The payload of an existing entry is never overwritten.
	InsertEvent(ctx context.Context, event *BillingEvent) (inserted bool, err error)

	// GetEvent returns a ledger entry or ErrEventNotFound.
	GetEvent(ctx context.Context, eventID string) (*BillingEvent, error)

	// MarkProcessed records a successful handler run and clears any previous error.
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error

	// MarkFailed records a handler failure.
	MarkFailed(ctx context.Context, eventID string, handlerErr string) error

	// ReclaimFailed atomically clears the handler error of an entry that failed
	// and was never processed, so that the handler may run again. Exactly one of
	// several concurrent callers gets true. Entries that succeeded, are still in
	// flight or do not exist yield false.
	ReclaimFailed(ctx context.Context, eventID string) (bool, error)

	// AnnotateEvent sets the free-text note of an entry.
	AnnotateEvent(ctx context.Context, eventID string, note string) error
}
