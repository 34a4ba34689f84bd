package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/gormstore"
	"github.com/mihaimyh/subsync/storage/memory"
)

const testWebhookSecret = "whsec_test_secret"

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{UserHeader: "X-User-ID", ShutdownTimeout: time.Second},
		Stripe:  config.StripeConfig{APIKey: "sk_test_123", WebhookSecret: testWebhookSecret},
		Storage: config.StorageConfig{Driver: config.DriverMemory},
		App:     config.AppConfig{URL: "http://localhost:3000", Company: "Acme"},
		Log:     config.LogConfig{Level: "error", Format: "json"},
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "subsync_test"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*app, http.Handler) {
	t.Helper()
	a, err := newApp(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv, err := a.newServer(prometheus.NewRegistry())
	require.NoError(t, err)
	return a, srv.routes()
}

func signed(t *testing.T, id, eventType string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]interface{}{"object": map[string]interface{}{"id": "ch_1", "object": "charge"}},
	})
	require.NoError(t, err)
	s := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return s.Payload, s.Header
}

func TestRootCmd(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate", "replay"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(config.LogConfig{Level: "loud"}, nil)
	assert.Error(t, err)

	var buf bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"service":"subsyncd"`)
}

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		a, err := newApp(context.Background(), testConfig(), &bytes.Buffer{})
		require.NoError(t, err)
		defer a.Close()
		assert.IsType(t, &memory.Storage{}, a.store)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := testConfig()
		cfg.Storage = config.StorageConfig{
			Driver:      config.DriverSQLite,
			DSN:         "file:" + filepath.Join(t.TempDir(), "subsync.db"),
			AutoMigrate: true,
		}
		a, err := newApp(context.Background(), cfg, &bytes.Buffer{})
		require.NoError(t, err)
		defer a.Close()
		require.IsType(t, &gormstore.Storage{}, a.store)

		require.NoError(t, a.store.PutUser(context.Background(), &subsync.User{ID: "u1", Email: "a@example.com"}))
		u, err := a.store.FindByEmail(context.Background(), "A@example.com")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
	})

	t.Run("unsupported", func(t *testing.T) {
		cfg := testConfig()
		cfg.Storage.Driver = "cassandra"
		_, err := newApp(context.Background(), cfg, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestRunMigrate(t *testing.T) {
	msg, err := runMigrate(context.Background(), config.StorageConfig{
		Driver: config.DriverSQLite,
		DSN:    "file:" + filepath.Join(t.TempDir(), "migrate.db"),
	})
	require.NoError(t, err)
	assert.Contains(t, msg, "up to date")

	_, err = runMigrate(context.Background(), config.StorageConfig{Driver: config.DriverMemory})
	assert.Error(t, err)
}

func TestRoutes_Healthz(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","breaker":"closed"}`, rec.Body.String())
}

func TestRoutes_Webhook(t *testing.T) {
	a, h := newTestServer(t, testConfig())

	body, sig := signed(t, "evt_charge_1", "charge.refunded")
	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(body))
		req.Header.Set("Stripe-Signature", sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := deliver()
	require.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, `{"received":true}`, first.Body.String())

	second := deliver()
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"received":true,"duplicate":true}`, second.Body.String())

	stored, err := a.store.GetEvent(context.Background(), "evt_charge_1")
	require.NoError(t, err)
	assert.Equal(t, "charge.refunded", stored.Type)
	assert.NotNil(t, stored.ProcessedAt)

	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRoutes_Status(t *testing.T) {
	a, h := newTestServer(t, testConfig())
	end := time.Now().Add(24 * time.Hour).UTC()
	require.NoError(t, a.store.PutUser(context.Background(), &subsync.User{
		ID:         "user_1",
		Email:      "jane@example.com",
		CustomerID: "cus_1",
		Subscription: &subsync.Snapshot{
			ProviderSubscriptionID: "sub_1",
			Status:                 "active",
			CurrentPeriodEnd:       &end,
		},
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/billing/status", nil)
	req.Header.Set("X-User-ID", "user_1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status subsync.EntitlementStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.True(t, status.Unlocked)
	assert.Equal(t, "active", status.Status)
}

func TestRoutes_Metrics(t *testing.T) {
	_, h := newTestServer(t, testConfig())

	body, sig := signed(t, "evt_metrics_1", "charge.refunded")
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", sig)
	h.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "subsync_test_")
}
