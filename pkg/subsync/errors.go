package subsync

import "errors"

var (
	// ErrInvalidSignature is returned when a webhook delivery fails signature verification
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a verified event cannot be decoded
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrUserNotFound is returned when no local user matches a lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionUnresolvable is returned when the subscription an event refers to
	// can be neither read from the payload nor fetched from the provider
	ErrSubscriptionUnresolvable = errors.New("subscription unresolvable")

	// ErrEventNotFound is returned when the ledger has no entry for an event id
	ErrEventNotFound = errors.New("billing event not found")

	// ErrForbiddenSession is returned when a checkout session belongs to another customer
	ErrForbiddenSession = errors.New("checkout session belongs to another customer")

	// ErrSessionNotFound is returned when the provider does not know a checkout session
	ErrSessionNotFound = errors.New("checkout session not found")

	// ErrProviderUnavailable is returned when the billing provider could not answer
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrStorageUnavailable is returned when a backend cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConcurrentUpdate is returned when an optimistic update lost every retry
	ErrConcurrentUpdate = errors.New("concurrent update conflict")
)
