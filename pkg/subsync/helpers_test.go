package subsync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const (
	testSignature  = "t=1,v1=valid"
	testCustomerID = "cus_test_123"
	testSubID      = "sub_test_123"
	testUserID     = "user_1"
	testPriceID    = "price_pro_monthly"
	testProductID  = "prod_pro"
)

var (
	testNow         = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testPeriodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	testPeriodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

// fakeVerifier accepts deliveries signed with testSignature.
type fakeVerifier struct{}

func (fakeVerifier) Verify(payload []byte, signature string) (*subsync.Envelope, error) {
	if signature != testSignature {
		return nil, fmt.Errorf("%w: bad signature", subsync.ErrInvalidSignature)
	}
	return subsync.DecodeEnvelope(payload)
}

type fakeProvider struct {
	mu       sync.Mutex
	subs     map[string]*subsync.ProviderSubscription
	sessions map[string]*subsync.CheckoutSession
	err      error
	subCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subs:     make(map[string]*subsync.ProviderSubscription),
		sessions: make(map[string]*subsync.CheckoutSession),
	}
}

func (p *fakeProvider) RetrieveSubscription(_ context.Context, id string) (*subsync.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subCalls++
	if p.err != nil {
		return nil, p.err
	}
	sub, ok := p.subs[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	return sub, nil
}

func (p *fakeProvider) RetrieveCheckoutSession(_ context.Context, id string) (*subsync.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s, ok := p.sessions[id]
	if !ok {
		return nil, subsync.ErrSessionNotFound
	}
	return s, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subCalls
}

type sentNotification struct {
	kind      string
	recipient subsync.Recipient
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (n *recordingNotifier) record(kind string, r subsync.Recipient) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{kind: kind, recipient: r})
	return n.err
}

func (n *recordingNotifier) TrialEnding(_ context.Context, r subsync.Recipient) error {
	return n.record("trial_ending", r)
}

func (n *recordingNotifier) CancellationScheduled(_ context.Context, r subsync.Recipient) error {
	return n.record("cancellation_scheduled", r)
}

func (n *recordingNotifier) CancellationConfirmed(_ context.Context, r subsync.Recipient) error {
	return n.record("cancellation_confirmed", r)
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.kind == kind {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) last() sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[len(n.sent)-1]
}

func unix(t time.Time) *int64 {
	v := t.Unix()
	return &v
}

func providerSubscription(status subsync.Status) *subsync.ProviderSubscription {
	return &subsync.ProviderSubscription{
		ID:       testSubID,
		Customer: testCustomerID,
		Status:   status,
		Items: subsync.SubscriptionItems{Data: []subsync.SubscriptionItem{{
			ID:                 "si_1",
			Price:              &subsync.Price{ID: testPriceID, Product: testProductID},
			CurrentPeriodStart: unix(testPeriodStart),
			CurrentPeriodEnd:   unix(testPeriodEnd),
		}}},
	}
}

func subscriptionObject(status subsync.Status, extra map[string]interface{}) map[string]interface{} {
	obj := map[string]interface{}{
		"id":       testSubID,
		"object":   "subscription",
		"customer": testCustomerID,
		"status":   string(status),
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{
					"id":                   "si_1",
					"price":                map[string]interface{}{"id": testPriceID, "product": testProductID},
					"current_period_start": testPeriodStart.Unix(),
					"current_period_end":   testPeriodEnd.Unix(),
				},
			},
		},
		"cancel_at_period_end": false,
	}
	for k, v := range extra {
		obj[k] = v
	}
	return obj
}

func eventPayload(id, eventType string, object interface{}, prev map[string]interface{}) []byte {
	data := map[string]interface{}{"object": object}
	if prev != nil {
		data["previous_attributes"] = prev
	}
	b, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": testNow.Unix(),
		"data":    data,
	})
	if err != nil {
		panic(err)
	}
	return b
}
