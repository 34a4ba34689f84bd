package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

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

func setupRouter(cfg Config) *gongin.Engine {
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.GET("/premium", RequireEntitlement(cfg), func(c *gongin.Context) {
		user, ok := UserFromContext(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.String(http.StatusOK, user.ID)
	})
	return r
}

func request(r http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/premium", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequireEntitlement(t *testing.T) {
	r := setupRouter(Config{Users: setupStore(t), GetUserID: FromHeader("X-User-ID")})

	tests := []struct {
		userID   string
		wantCode int
	}{
		{"pro-user", http.StatusOK},
		{"trial-user", http.StatusOK},
		{"past-due-user", http.StatusPaymentRequired},
		{"free-user", http.StatusPaymentRequired},
		{"ghost", http.StatusPaymentRequired},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		w := request(r, tt.userID)
		if w.Code != tt.wantCode {
			t.Errorf("user %q: expected status %d, got %d", tt.userID, tt.wantCode, w.Code)
		}
		if tt.wantCode == http.StatusOK && w.Body.String() != tt.userID {
			t.Errorf("user %q: handler saw %q", tt.userID, w.Body.String())
		}
	}
}

func TestRequireEntitlement_StoreError(t *testing.T) {
	r := setupRouter(Config{Users: &errorStorage{Storage: memory.New()}, GetUserID: FromHeader("X-User-ID")})

	if w := request(r, "pro-user"); w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestRequireEntitlement_OnNotEntitled(t *testing.T) {
	r := setupRouter(Config{
		Users:     setupStore(t),
		GetUserID: FromHeader("X-User-ID"),
		OnNotEntitled: func(c *gongin.Context, _ *subsync.User) {
			c.Redirect(http.StatusSeeOther, "/pricing")
		},
	})

	w := request(r, "free-user")
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/pricing" {
		t.Errorf("Expected redirect to /pricing, got %d %q", w.Code, w.Header().Get("Location"))
	}
}
