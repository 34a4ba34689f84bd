package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	providerName    = "stripe"
	signatureHeader = "Stripe-Signature"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (secrets, HTTP client, limits, metrics, logger)

	// Stripe-specific. When empty, the base APIKey and WebhookSecret are used.
	StripeAPIKey        string
	StripeWebhookSecret string

	// SignatureTolerance bounds the age of a signed delivery. Defaults to 5 minutes.
	SignatureTolerance time.Duration

	// BackendURL overrides the Stripe API base URL (e.g. stripe-mock).
	BackendURL string

	// Users and Events are the reconciler's stores (required).
	Users  subsync.UserStore
	Events subsync.EventStore

	// Notifier sends transition messages. Optional.
	Notifier subsync.Notifier

	// ReconcilerMetrics records event outcomes. Optional.
	ReconcilerMetrics subsync.Metrics

	// NotifyTimeout bounds a single notification. Defaults to 10s.
	NotifyTimeout time.Duration

	// Now overrides the clock. Optional.
	Now func() time.Time
}

// Provider implements billing.Provider for Stripe. It owns the dispatcher that
// reconciles verified deliveries into the stores.
type Provider struct {
	config      billing.Config
	client      *billing.GuardedClient
	verifier    *Verifier
	dispatcher  *subsync.Dispatcher
	rateLimiter *internal.RateLimiter
	hasSecret   bool
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	base := config.Config.WithDefaults()

	apiKey := strings.TrimSpace(firstNonEmpty(config.StripeAPIKey, base.APIKey))
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	secret := strings.TrimSpace(firstNonEmpty(config.StripeWebhookSecret, base.WebhookSecret))

	client := NewClient(apiKey, ClientOptions{
		HTTPClient: base.HTTPClient,
		BackendURL: config.BackendURL,
		Metrics:    base.Metrics,
	})

	var guarded *billing.GuardedClient
	if base.BreakerThreshold > 0 {
		cb := billing.NewDefaultCircuitBreaker(base.BreakerThreshold, base.BreakerResetTimeout,
			func(state billing.CircuitBreakerState) {
				base.Metrics.RecordBreakerState(providerName, string(state))
				base.Logger.Warn("stripe circuit breaker state changed",
					subsync.Field{Key: "state", Value: string(state)})
			})
		guarded = billing.NewGuardedClient(client, cb)
	} else {
		guarded = billing.NewGuardedClient(client, passThrough{})
	}

	verifier := NewVerifier(secret, config.SignatureTolerance)

	var limiter *internal.RateLimiter
	if base.RateLimitRequests > 0 {
		limiter = internal.NewRateLimiter(base.RateLimitRequests, base.RateLimitWindow)
	}

	dispatcher, err := subsync.NewDispatcher(subsync.Config{
		Verifier:      verifier,
		Users:         config.Users,
		Events:        config.Events,
		Provider:      guarded,
		Notifier:      config.Notifier,
		Logger:        base.Logger,
		Metrics:       config.ReconcilerMetrics,
		Now:           config.Now,
		NotifyTimeout: config.NotifyTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{
		config:      base,
		client:      guarded,
		verifier:    verifier,
		dispatcher:  dispatcher,
		rateLimiter: limiter,
		hasSecret:   secret != "",
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// RetrieveSubscription implements subsync.ProviderClient.
func (p *Provider) RetrieveSubscription(ctx context.Context, id string) (*subsync.ProviderSubscription, error) {
	return p.client.RetrieveSubscription(ctx, id)
}

// RetrieveCheckoutSession implements subsync.ProviderClient.
func (p *Provider) RetrieveCheckoutSession(ctx context.Context, id string) (*subsync.CheckoutSession, error) {
	return p.client.RetrieveCheckoutSession(ctx, id)
}

// Dispatcher exposes the reconciler, e.g. for replaying ledger entries.
func (p *Provider) Dispatcher() *subsync.Dispatcher {
	return p.dispatcher
}

// BreakerState reports the state of the API circuit breaker.
func (p *Provider) BreakerState() billing.CircuitBreakerState {
	return p.client.State()
}

type passThrough struct{}

func (passThrough) Execute(_ context.Context, fn func() error) error { return fn() }
func (passThrough) State() billing.CircuitBreakerState               { return billing.StateClosed }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
