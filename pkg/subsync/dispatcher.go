package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultNotifyTimeout = 10 * time.Second

// Config holds the collaborators of a Dispatcher.
type Config struct {
	// Verifier authenticates deliveries (required)
	Verifier Verifier

	// Users is the user store the snapshots are written to (required)
	Users UserStore

	// Events is the idempotency ledger (required)
	Events EventStore

	// Provider is used to hydrate partial payloads (required)
	Provider ProviderClient

	// Notifier sends transition messages. If nil, notifications are dropped.
	Notifier Notifier

	// Logger is optional. If nil, nothing is logged.
	Logger Logger

	// Metrics is optional. If nil, metrics are not recorded.
	Metrics Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// NotifyTimeout bounds a single notification send. Defaults to 10s.
	NotifyTimeout time.Duration
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}
	if c.Users == nil {
		return fmt.Errorf("user store is required")
	}
	if c.Events == nil {
		return fmt.Errorf("event store is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider client is required")
	}
	return nil
}

// Result describes how a verified delivery was handled.
type Result struct {
	EventID string
	Kind    EventKind

	// Duplicate is set when the event was already in the ledger and the
	// handler did not run again.
	Duplicate bool

	// Retried is set when a previously failed event was handled again.
	Retried bool

	// HandlerErr is the handler failure recorded on the ledger, if any.
	// It is informational: the delivery is still acknowledged.
	HandlerErr error

	// LedgerErr is set when the handler finished but its outcome could not be
	// written. The entry is then marked failed, if possible, so that a
	// redelivery or Replay picks it up again.
	LedgerErr error
}

type handlerFunc func(ctx context.Context, env *Envelope) error

// Dispatcher verifies webhook deliveries, enforces idempotency and routes
// events to their handlers.
type Dispatcher struct {
	verifier      Verifier
	users         UserStore
	events        EventStore
	hydrator      *Hydrator
	notifier      Notifier
	logger        Logger
	metrics       Metrics
	now           func() time.Time
	notifyTimeout time.Duration
	handlers      map[EventKind]handlerFunc
}

// NewDispatcher creates a Dispatcher with the given configuration
func NewDispatcher(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	d := &Dispatcher{
		verifier:      config.Verifier,
		users:         config.Users,
		events:        config.Events,
		notifier:      config.Notifier,
		logger:        config.Logger,
		metrics:       config.Metrics,
		now:           config.Now,
		notifyTimeout: config.NotifyTimeout,
	}
	if d.notifier == nil {
		d.notifier = &NoopNotifier{}
	}
	if d.logger == nil {
		d.logger = &NoopLogger{}
	}
	if d.metrics == nil {
		d.metrics = &NoopMetrics{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.notifyTimeout <= 0 {
		d.notifyTimeout = defaultNotifyTimeout
	}
	d.hydrator = NewHydrator(config.Provider, d.metrics, d.logger)
	d.handlers = d.handlerTable()
	return d, nil
}

// HandleDelivery processes one raw webhook delivery.
//
// It returns an error wrapping ErrInvalidSignature when the delivery is not
// authentic; nothing is recorded in that case. Any other returned error means
// the ledger could not be written and the provider should redeliver. Handler
// failures are recorded on the ledger and reported through Result only.
func (d *Dispatcher) HandleDelivery(ctx context.Context, payload []byte, signature string) (Result, error) {
	env, err := d.verifier.Verify(payload, signature)
	if err != nil {
		d.metrics.RecordEvent("unverified", "rejected")
		if !errors.Is(err, ErrInvalidSignature) {
			err = fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return Result{}, err
	}
	return d.Process(ctx, env)
}

// Process runs a verified envelope through the ledger and its handler.
func (d *Dispatcher) Process(ctx context.Context, env *Envelope) (Result, error) {
	start := d.now()
	res := Result{EventID: env.ID, Kind: env.Kind}

	customerID, subscriptionID := extractRefs(env.Object)
	record := &BillingEvent{
		EventID:        env.ID,
		Type:           env.RawType,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Payload:        env.Payload,
		ReceivedAt:     start.UTC(),
	}

	inserted, err := d.events.InsertEvent(ctx, record)
	if err != nil {
		d.logger.Error("failed to record billing event", append(eventFields(env, customerID),
			Field{Key: "error", Value: err.Error()})...)
		return res, fmt.Errorf("record event %s: %w", env.ID, err)
	}
	if !inserted {
		reclaimed, err := d.events.ReclaimFailed(ctx, env.ID)
		if err != nil {
			d.logger.Warn("failed to reclaim billing event", append(eventFields(env, customerID),
				Field{Key: "error", Value: err.Error()})...)
		}
		if !reclaimed {
			res.Duplicate = true
			d.metrics.RecordEvent(env.RawType, "duplicate")
			d.logger.Debug("duplicate billing event", eventFields(env, customerID)...)
			return res, nil
		}
		res.Retried = true
		env = d.storedEnvelope(ctx, env)
	}

	res.HandlerErr, res.LedgerErr = d.finish(ctx, env, customerID, start)
	return res, nil
}

// storedEnvelope returns the envelope recorded on the ledger for a reclaimed
// event, or delivered when it cannot be loaded.
func (d *Dispatcher) storedEnvelope(ctx context.Context, delivered *Envelope) *Envelope {
	stored, err := d.events.GetEvent(ctx, delivered.ID)
	if err == nil {
		var env *Envelope
		if env, err = DecodeEnvelope(stored.Payload); err == nil {
			return env
		}
	}
	d.logger.Warn("stored billing event unavailable, retrying with the redelivered payload",
		Field{Key: "event_id", Value: delivered.ID},
		Field{Key: "error", Value: err.Error()},
	)
	return delivered
}

// Replay runs the handler of a failed ledger entry again from its stored
// payload. Entries that already succeeded, or are being handled, are left
// untouched and reported as duplicates.
func (d *Dispatcher) Replay(ctx context.Context, eventID string) (Result, error) {
	stored, err := d.events.GetEvent(ctx, eventID)
	if err != nil {
		return Result{EventID: eventID}, err
	}
	env, err := DecodeEnvelope(stored.Payload)
	if err != nil {
		return Result{EventID: eventID}, err
	}
	res := Result{EventID: env.ID, Kind: env.Kind}

	reclaimed, err := d.events.ReclaimFailed(ctx, eventID)
	if err != nil {
		return res, fmt.Errorf("reclaim event %s: %w", eventID, err)
	}
	if !reclaimed {
		res.Duplicate = true
		return res, nil
	}
	res.Retried = true
	res.HandlerErr, res.LedgerErr = d.finish(ctx, env, stored.CustomerID, d.now())
	return res, nil
}

// finish runs the handler and writes the outcome to the ledger. It returns the
// handler error and the error of writing the outcome.
func (d *Dispatcher) finish(ctx context.Context, env *Envelope, customerID string, start time.Time) (herr, ledgerErr error) {
	handler, known := d.handlers[env.Kind]
	outcome := "processed"

	if known {
		herr = d.run(ctx, env, handler)
	} else {
		outcome = "ignored"
	}

	if herr != nil {
		outcome = "failed"
		d.logger.Error("billing event handler failed", append(eventFields(env, customerID),
			Field{Key: "error", Value: herr.Error()})...)
		if err := d.events.MarkFailed(ctx, env.ID, herr.Error()); err != nil {
			ledgerErr = fmt.Errorf("mark event %s failed: %w", env.ID, err)
			d.logger.Error("failed to mark billing event failed", append(eventFields(env, customerID),
				Field{Key: "error", Value: err.Error()})...)
		}
	} else if err := d.events.MarkProcessed(ctx, env.ID, d.now().UTC()); err != nil {
		outcome = "unrecorded"
		ledgerErr = fmt.Errorf("mark event %s processed: %w", env.ID, err)
		d.logger.Error("failed to mark billing event processed", append(eventFields(env, customerID),
			Field{Key: "error", Value: err.Error()})...)
		// An entry with neither marker would never be reclaimed.
		if ferr := d.events.MarkFailed(ctx, env.ID, "outcome not recorded: "+err.Error()); ferr != nil {
			ledgerErr = errors.Join(ledgerErr, fmt.Errorf("mark event %s failed: %w", env.ID, ferr))
			d.logger.Error("failed to mark billing event failed", append(eventFields(env, customerID),
				Field{Key: "error", Value: ferr.Error()})...)
		}
	} else {
		d.logger.Info("billing event "+outcome, eventFields(env, customerID)...)
	}

	d.metrics.RecordEvent(env.RawType, outcome)
	d.metrics.RecordEventDuration(env.RawType, d.now().Sub(start))
	return herr, ledgerErr
}

func (d *Dispatcher) run(ctx context.Context, env *Envelope, handler handlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, env)
}
