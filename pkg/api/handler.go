package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Handler serves the billing status endpoint.
type Handler struct {
	config Config
}

// GetStatus answers whether the caller is entitled to paid features.
//
// With ?session_id= the handler confirms a just-finished checkout directly
// with the provider, so the client does not have to wait for the webhook.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.fail(w, r, errors.New(msgMethodNotAllowed), http.StatusMethodNotAllowed, msgMethodNotAllowed)
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.fail(w, r, errors.New("user ID not found"), http.StatusUnauthorized, msgUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.fail(w, r, errors.New("invalid user ID format"), http.StatusBadRequest, msgInvalidUserID)
		return
	}

	sessionID := r.URL.Query().Get(h.config.SessionParam)
	if len(sessionID) > maxSessionIDLen {
		h.fail(w, r, errors.New("invalid session ID format"), http.StatusBadRequest, msgSessionNotFound)
		return
	}

	status, err := h.config.Entitlements.Status(r.Context(), userID, sessionID)
	if err != nil {
		code, msg := classify(err)
		if code >= http.StatusInternalServerError {
			h.config.Logger.Error("billing status query failed",
				subsync.Field{Key: "user_id", Value: userID},
				subsync.Field{Key: "session_id", Value: sessionID},
				subsync.Field{Key: "error", Value: err.Error()},
			)
		}
		h.fail(w, r, err, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// ServeHTTP lets the handler be mounted directly.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.GetStatus(w, r)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, subsync.ErrUserNotFound):
		return http.StatusNotFound, msgUserNotFound
	case errors.Is(err, subsync.ErrForbiddenSession):
		return http.StatusForbidden, msgForbiddenSession
	case errors.Is(err, subsync.ErrSessionNotFound):
		return http.StatusNotFound, msgSessionNotFound
	case errors.Is(err, subsync.ErrProviderUnavailable):
		return http.StatusBadGateway, msgProviderFailure
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// fail hands the error to OnError when configured, otherwise writes msg.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, code int, msg string) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err, code)
		return
	}
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
