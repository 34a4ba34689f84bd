package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	endpointSubscriptionRetrieve    = "subscriptions.retrieve"
	endpointCheckoutSessionRetrieve = "checkout_sessions.retrieve"
)

// Client implements subsync.ProviderClient on top of the Stripe API.
type Client struct {
	api     *stripe.Client
	metrics billing.Metrics
}

// ClientOptions configures NewClient.
type ClientOptions struct {
	// HTTPClient carries timeouts and transport settings. Optional.
	HTTPClient *http.Client

	// BackendURL overrides the API base URL, e.g. for stripe-mock. Optional.
	BackendURL string

	// Metrics receives one call record per API round trip. Optional.
	Metrics billing.Metrics
}

// NewClient creates a Stripe API client. Requests are never retried by the
// SDK: a failed hydration is recorded on the ledger and redelivery or replay
// is the retry path.
func NewClient(apiKey string, opts ClientOptions) *Client {
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        opts.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if opts.BackendURL != "" {
		backendConfig.URL = stripe.String(opts.BackendURL)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Client{
		api:     stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig))),
		metrics: metrics,
	}
}

// RetrieveSubscription fetches a subscription with its prices and products expanded.
func (c *Client) RetrieveSubscription(ctx context.Context, id string) (*subsync.ProviderSubscription, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("items.data.price.product")

	start := time.Now()
	sub, err := c.api.V1Subscriptions.Retrieve(ctx, id, params)
	c.record(endpointSubscriptionRetrieve, start, err)
	if err != nil {
		return nil, classify(err, "subscription", id)
	}
	return MapSubscription(sub), nil
}

// RetrieveCheckoutSession fetches a checkout session with its subscription
// and the subscription's prices expanded.
func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (*subsync.CheckoutSession, error) {
	params := &stripe.CheckoutSessionRetrieveParams{}
	params.AddExpand("subscription")
	params.AddExpand("subscription.items.data.price")

	start := time.Now()
	session, err := c.api.V1CheckoutSessions.Retrieve(ctx, id, params)
	c.record(endpointCheckoutSessionRetrieve, start, err)
	if err != nil {
		err = classify(err, "checkout session", id)
		if errors.Is(err, billing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %w", subsync.ErrSessionNotFound, err)
		}
		return nil, err
	}
	return MapCheckoutSession(session), nil
}

func (c *Client) record(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if isNotFound(err) {
			status = "not_found"
		}
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

func classify(err error, kind, id string) error {
	if isNotFound(err) {
		return fmt.Errorf("%w: %s %s", billing.ErrObjectNotFound, kind, id)
	}
	return fmt.Errorf("%w: retrieve %s %s: %v", billing.ErrProviderAPIError, kind, id, err)
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

// MapSubscription converts an SDK subscription into the reconciler's shape.
// Epoch fields that are zero in the SDK struct stay unset.
func MapSubscription(sub *stripe.Subscription) *subsync.ProviderSubscription {
	if sub == nil {
		return nil
	}
	out := &subsync.ProviderSubscription{
		ID:                sub.ID,
		Status:            subsync.Status(sub.Status),
		TrialStart:        epoch(sub.TrialStart),
		TrialEnd:          epoch(sub.TrialEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CancelAt:          epoch(sub.CancelAt),
		CanceledAt:        epoch(sub.CanceledAt),
	}
	if sub.Customer != nil {
		out.Customer = subsync.ExpandableID(sub.Customer.ID)
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			out.Items.Data = append(out.Items.Data, mapItem(item))
		}
	}
	return out
}

func mapItem(item *stripe.SubscriptionItem) subsync.SubscriptionItem {
	out := subsync.SubscriptionItem{
		ID:                 item.ID,
		CurrentPeriodStart: epoch(item.CurrentPeriodStart),
		CurrentPeriodEnd:   epoch(item.CurrentPeriodEnd),
	}
	if item.Price != nil {
		out.Price = &subsync.Price{ID: item.Price.ID}
		if item.Price.Product != nil {
			out.Price.Product = subsync.ExpandableID(item.Price.Product.ID)
		}
	}
	return out
}

// MapCheckoutSession converts an SDK checkout session into the reconciler's shape.
func MapCheckoutSession(session *stripe.CheckoutSession) *subsync.CheckoutSession {
	if session == nil {
		return nil
	}
	out := &subsync.CheckoutSession{
		ID:            session.ID,
		Mode:          string(session.Mode),
		PaymentStatus: string(session.PaymentStatus),
		CustomerEmail: session.CustomerEmail,
	}
	if session.Customer != nil {
		out.Customer = subsync.ExpandableID(session.Customer.ID)
	}
	if session.CustomerDetails != nil {
		out.CustomerDetails = &subsync.CustomerDetails{Email: session.CustomerDetails.Email}
	}
	if session.Subscription != nil {
		ref := &subsync.SubscriptionRef{ID: session.Subscription.ID}
		// An unexpanded reference only carries the id.
		if session.Subscription.Status != "" {
			ref.Object = MapSubscription(session.Subscription)
		}
		out.Subscription = ref
	}
	return out
}

func epoch(sec int64) *int64 {
	if sec == 0 {
		return nil
	}
	return &sec
}
