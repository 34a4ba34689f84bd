package stripe

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

type webhookResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// handleWebhook verifies a Stripe delivery and hands it to the dispatcher.
//
// Anything that reached the ledger is acknowledged with 200, including
// redeliveries and events whose handler failed. A bad signature gets 400 and
// nothing is recorded. A ledger failure gets 500 so that Stripe redelivers.
// With a rate limit configured, a client that keeps sending rejected
// deliveries gets 429 instead of 400.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	internal.SetSecurityHeaders(w)

	code := p.serveWebhook(w, r)
	p.config.Metrics.RecordWebhookRequest(providerName, strconv.Itoa(code))
	p.config.Metrics.RecordWebhookDuration(providerName, time.Since(start))
}

func (p *Provider) serveWebhook(w http.ResponseWriter, r *http.Request) int {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}

	if !p.hasSecret {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}

	body, err := internal.ReadBodyStrict(w, r, p.config.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.config.Metrics.RecordWebhookError(providerName, "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return http.StatusRequestEntityTooLarge
		}
		p.config.Metrics.RecordWebhookError(providerName, "invalid_payload")
		return p.reject(w, r)
	}

	result, err := p.dispatcher.HandleDelivery(r.Context(), body, r.Header.Get(signatureHeader))
	switch {
	case errors.Is(err, subsync.ErrInvalidSignature):
		p.config.Metrics.RecordWebhookError(providerName, "invalid_signature")
		p.config.Logger.Warn("stripe webhook rejected",
			subsync.Field{Key: "reason", Value: "invalid_signature"},
			subsync.Field{Key: "error", Value: err.Error()},
		)
		return p.reject(w, r)
	case err != nil:
		p.config.Metrics.RecordWebhookError(providerName, "ledger_error")
		p.config.Logger.Error("stripe webhook not recorded",
			subsync.Field{Key: "error", Value: err.Error()},
		)
		return p.reply(w, http.StatusInternalServerError, webhookResponse{})
	}

	return p.reply(w, http.StatusOK, webhookResponse{Received: true, Duplicate: result.Duplicate})
}

func (p *Provider) reject(w http.ResponseWriter, r *http.Request) int {
	if ok, wait := p.rateLimiter.Allow(r); !ok {
		p.config.Metrics.RecordWebhookError(providerName, "rate_limited")
		if err := internal.WriteTooManyRequests(w, wait); err != nil {
			p.config.Logger.Debug("stripe webhook response write failed", subsync.Field{Key: "error", Value: err.Error()})
		}
		return http.StatusTooManyRequests
	}
	return p.reply(w, http.StatusBadRequest, webhookResponse{})
}

func (p *Provider) reply(w http.ResponseWriter, code int, body webhookResponse) int {
	if err := internal.WriteJSON(w, code, body); err != nil {
		p.config.Logger.Debug("stripe webhook response write failed", subsync.Field{Key: "error", Value: err.Error()})
	}
	return code
}
