package subsync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"
)

const (
	statusUnknown    = "unknown"
	statusProcessing = "processing"

	// PendingPaymentNote accompanies a locked answer while the checkout payment settles.
	PendingPaymentNote = "Waiting for payment confirmation"
)

// EntitlementConfig holds the collaborators of an EntitlementService.
type EntitlementConfig struct {
	// Users is the user store (required)
	Users UserStore

	// Provider retrieves checkout sessions (required)
	Provider ProviderClient

	// Logger is optional
	Logger Logger

	// Metrics is optional
	Metrics Metrics
}

// EntitlementService answers billing status queries, reconciling with the
// provider on demand for checkouts that race ahead of their webhooks.
type EntitlementService struct {
	users    UserStore
	provider ProviderClient
	logger   Logger
	metrics  Metrics
	group    singleflight.Group
}

// NewEntitlementService creates an EntitlementService.
func NewEntitlementService(config EntitlementConfig) (*EntitlementService, error) {
	if config.Users == nil {
		return nil, fmt.Errorf("invalid config: user store is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("invalid config: provider client is required")
	}
	s := &EntitlementService{
		users:    config.Users,
		provider: config.Provider,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}
	if s.logger == nil {
		s.logger = &NoopLogger{}
	}
	if s.metrics == nil {
		s.metrics = &NoopMetrics{}
	}
	return s, nil
}

// Status returns the user's entitlement. A user that is already entitled is
// answered from the store. Otherwise, when sessionID names a checkout session,
// the session is fetched, checked for ownership and, if its payment is
// confirmed, projected and persisted before answering.
//
// Returns ErrUserNotFound for unknown users and ErrForbiddenSession when the
// session belongs to a different customer.
func (s *EntitlementService) Status(ctx context.Context, userID, sessionID string) (EntitlementStatus, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return EntitlementStatus{}, err
	}

	if user.IsPro() {
		s.metrics.RecordEntitlementQuery("cache")
		return EntitlementStatus{
			Unlocked:  true,
			Status:    string(user.Subscription.Status),
			PeriodEnd: cloneTime(user.Subscription.EffectivePeriodEnd()),
		}, nil
	}

	if sessionID == "" {
		s.metrics.RecordEntitlementQuery("cache")
		return EntitlementStatus{Status: statusOr(user, statusUnknown)}, nil
	}

	v, err, _ := s.group.Do(userID+"|"+sessionID, func() (interface{}, error) {
		return s.reconcileSession(ctx, user, sessionID)
	})
	if err != nil {
		return EntitlementStatus{}, err
	}
	return v.(EntitlementStatus), nil
}

func (s *EntitlementService) reconcileSession(ctx context.Context, user *User, sessionID string) (EntitlementStatus, error) {
	session, err := s.provider.RetrieveCheckoutSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return EntitlementStatus{}, err
		}
		return EntitlementStatus{}, fmt.Errorf("%w: retrieve checkout session %s: %w", ErrProviderUnavailable, sessionID, err)
	}
	if session == nil {
		return EntitlementStatus{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if user.CustomerID != "" && session.Customer.String() != user.CustomerID {
		s.metrics.RecordEntitlementQuery("forbidden")
		s.logger.Warn("checkout session customer mismatch",
			Field{Key: "user_id", Value: user.ID},
			Field{Key: "session_id", Value: sessionID},
		)
		return EntitlementStatus{}, ErrForbiddenSession
	}

	var sub *ProviderSubscription
	if session.Subscription != nil {
		sub = session.Subscription.Object
	}
	if sub == nil || !session.PaymentConfirmed() {
		s.metrics.RecordEntitlementQuery("pending")
		return EntitlementStatus{
			Status: statusOr(user, statusProcessing),
			Note:   PendingPaymentNote,
		}, nil
	}

	updated, err := s.users.UpdateUser(ctx, user.ID, func(current User) (User, error) {
		return ApplySubscription(current, sub), nil
	})
	if err != nil {
		return EntitlementStatus{}, fmt.Errorf("persist subscription for user %s: %w", user.ID, err)
	}

	s.metrics.RecordEntitlementQuery("session")
	s.logger.Info("subscription reconciled from checkout session",
		Field{Key: "user_id", Value: user.ID},
		Field{Key: "session_id", Value: sessionID},
		Field{Key: "status", Value: string(updated.SubscriptionStatus())},
	)
	return EntitlementStatus{
		Unlocked:  updated.IsPro(),
		Status:    string(updated.SubscriptionStatus()),
		PeriodEnd: cloneTime(updated.Subscription.EffectivePeriodEnd()),
	}, nil
}

func statusOr(user *User, fallback string) string {
	if s := user.SubscriptionStatus(); s != "" {
		return string(s)
	}
	return fallback
}
