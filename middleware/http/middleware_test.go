package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mihaimyh/subsync/pkg/subsync"
	"github.com/mihaimyh/subsync/storage/memory"
)

// errorStorage is a mock user store that always fails on GetUser
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetUser(_ context.Context, _ string) (*subsync.User, error) {
	return nil, errors.New("connection refused")
}

// setupStore seeds an entitled, a trialing, an unpaid and a canceled user
func setupStore(t *testing.T) *memory.Storage {
	t.Helper()

	store := memory.New()
	users := []*subsync.User{
		{ID: "pro-user", Subscription: &subsync.Snapshot{Status: subsync.StatusActive}},
		{ID: "trial-user", Subscription: &subsync.Snapshot{Status: subsync.StatusTrialing}},
		{ID: "past-due-user", Subscription: &subsync.Snapshot{Status: subsync.StatusPastDue}},
		{ID: "free-user"},
	}
	for _, u := range users {
		if err := store.PutUser(context.Background(), u); err != nil {
			t.Fatalf("Failed to seed user: %v", err)
		}
	}
	return store
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/premium", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestRequireEntitlement(t *testing.T) {
	store := setupStore(t)
	var seen *subsync.User
	handler := RequireEntitlement(Config{
		Users:     store,
		GetUserID: FromHeader("X-User-ID"),
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		userID   string
		wantCode int
	}{
		{"active subscription", "pro-user", http.StatusOK},
		{"trialing subscription", "trial-user", http.StatusOK},
		{"past due subscription", "past-due-user", http.StatusPaymentRequired},
		{"no subscription", "free-user", http.StatusPaymentRequired},
		{"unknown user", "ghost", http.StatusPaymentRequired},
		{"unauthenticated", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			w := serve(handler, tt.userID)
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantCode == http.StatusOK && (seen == nil || seen.ID != tt.userID) {
				t.Errorf("Expected user %q in request context, got %+v", tt.userID, seen)
			}
		})
	}
}

func TestRequireEntitlement_StoreError(t *testing.T) {
	handler := RequireEntitlement(Config{
		Users:     &errorStorage{Storage: memory.New()},
		GetUserID: FromHeader("X-User-ID"),
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("next handler must not run")
	}))

	w := serve(handler, "pro-user")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestRequireEntitlement_CustomHooks(t *testing.T) {
	store := setupStore(t)
	var unauthorized, notEntitled, failed bool
	config := Config{
		Users:     store,
		GetUserID: FromHeader("X-User-ID"),
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request) {
			unauthorized = true
			w.WriteHeader(http.StatusForbidden)
		},
		OnNotEntitled: func(w http.ResponseWriter, r *http.Request, user *subsync.User) {
			notEntitled = user != nil && user.ID == "free-user"
			http.Redirect(w, r, "/pricing", http.StatusSeeOther)
		},
		OnError: func(w http.ResponseWriter, _ *http.Request, _ error) {
			failed = true
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	if w := serve(RequireEntitlement(config)(next), ""); w.Code != http.StatusForbidden || !unauthorized {
		t.Errorf("OnUnauthorized not used: status %d", w.Code)
	}
	if w := serve(RequireEntitlement(config)(next), "free-user"); w.Code != http.StatusSeeOther || !notEntitled {
		t.Errorf("OnNotEntitled not used: status %d", w.Code)
	}

	config.Users = &errorStorage{Storage: store}
	if w := serve(RequireEntitlement(config)(next), "pro-user"); w.Code != http.StatusServiceUnavailable || !failed {
		t.Errorf("OnError not used: status %d", w.Code)
	}
}

func TestHandlerFunc(t *testing.T) {
	store := setupStore(t)
	called := false
	h := HandlerFunc(Config{Users: store, GetUserID: FromHeader("X-User-ID")})(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	})

	serve(h, "pro-user")
	if !called {
		t.Error("Expected handler to be called for entitled user")
	}
}

func TestFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req = req.WithContext(context.WithValue(req.Context(), UserIDKey, "user-1"))

	if got := FromContext(UserIDKey)(req); got != "user-1" {
		t.Errorf("Expected user-1, got %q", got)
	}
}

func TestRequireEntitlement_PanicsWithoutStore(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Users")
		}
	}()
	RequireEntitlement(Config{GetUserID: FromHeader("X-User-ID")})
}
