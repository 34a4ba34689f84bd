package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// GuardedClient wraps a subsync.ProviderClient with circuit breaker protection.
// A missing object is a valid answer from a healthy provider and does not
// count as a failure.
type GuardedClient struct {
	client subsync.ProviderClient
	cb     CircuitBreaker
}

// NewGuardedClient creates a new client wrapper with circuit breaker.
func NewGuardedClient(client subsync.ProviderClient, cb CircuitBreaker) *GuardedClient {
	return &GuardedClient{
		client: client,
		cb:     cb,
	}
}

func (g *GuardedClient) RetrieveSubscription(ctx context.Context, id string) (*subsync.ProviderSubscription, error) {
	var sub *subsync.ProviderSubscription
	var notFound error
	err := g.cb.Execute(ctx, func() error {
		var e error
		sub, e = g.client.RetrieveSubscription(ctx, id)
		if errors.Is(e, ErrObjectNotFound) {
			notFound = e
			return nil
		}
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", id, err)
	}
	if notFound != nil {
		return nil, notFound
	}
	return sub, nil
}

func (g *GuardedClient) RetrieveCheckoutSession(ctx context.Context, id string) (*subsync.CheckoutSession, error) {
	var session *subsync.CheckoutSession
	var notFound error
	err := g.cb.Execute(ctx, func() error {
		var e error
		session, e = g.client.RetrieveCheckoutSession(ctx, id)
		if errors.Is(e, ErrObjectNotFound) {
			notFound = e
			return nil
		}
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", id, err)
	}
	if notFound != nil {
		return nil, notFound
	}
	return session, nil
}

// State exposes the breaker state, used by health checks.
func (g *GuardedClient) State() CircuitBreakerState {
	return g.cb.State()
}
