package stripe

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

const (
	testStripeAPIKey        = "sk_test_1234567890"
	testStripeWebhookSecret = "whsec_test_secret"
	testUserID              = "user_123"
	testCustomerID          = "cus_test_123"
	testSubscriptionID      = "sub_test_123"
	testSessionID           = "cs_test_123"
	testPriceID             = "price_pro_monthly"
	testProductID           = "prod_pro"
)

var (
	testPeriodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	testPeriodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func subscriptionJSON(status string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   testSubscriptionID,
		"object":               "subscription",
		"customer":             testCustomerID,
		"status":               status,
		"cancel_at_period_end": false,
		"items": map[string]interface{}{
			"object": "list",
			"data": []interface{}{
				map[string]interface{}{
					"id":     "si_1",
					"object": "subscription_item",
					"price": map[string]interface{}{
						"id":      testPriceID,
						"object":  "price",
						"product": map[string]interface{}{"id": testProductID, "object": "product"},
					},
					"current_period_start": testPeriodStart.Unix(),
					"current_period_end":   testPeriodEnd.Unix(),
				},
			},
		},
	}
}

func signedEvent(t *testing.T, id, eventType string, object interface{}) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]interface{}{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testStripeWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

// stripeAPI is a minimal stand-in for the Stripe REST API.
type stripeAPI struct {
	mu       sync.Mutex
	objects  map[string]interface{}
	requests []*http.Request
	status   int
}

func newStripeAPI(t *testing.T) (*stripeAPI, *httptest.Server) {
	t.Helper()
	api := &stripeAPI{objects: map[string]interface{}{}}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return api, server
}

func (a *stripeAPI) set(path string, obj interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[path] = obj
}

func (a *stripeAPI) failWith(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = status
}

func (a *stripeAPI) requestCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func (a *stripeAPI) lastRequest() *http.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return nil
	}
	return a.requests[len(a.requests)-1]
}

func (a *stripeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, r)
	obj, ok := a.objects[strings.TrimPrefix(r.URL.Path, "/v1")]
	status := a.status
	a.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case status != 0:
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"type": "api_error", "message": "upstream failure"},
		})
	case !ok:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"type":    "invalid_request_error",
				"code":    "resource_missing",
				"message": "No such object: " + r.URL.Path,
			},
		})
	default:
		_ = json.NewEncoder(w).Encode(obj)
	}
}
