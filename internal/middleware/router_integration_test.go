package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/trigardening/internal/model"
)

const testDeviceID = "6f1d2c3b-4a5e-4f60-8b7c-9d0e1f2a3b4c"

// newIntegrationRouter は本番と同じ順序（Device → OptionalSession → CSRF）でミドルウェアを組んだルーターを返す。
func newIntegrationRouter() http.Handler {
	repo := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == "router-test-session" {
				return &model.Session{
					ID:        "router-test-session",
					UserID:    "user-gardener",
					ExpiresAt: time.Now().Add(time.Hour),
				}, nil
			}
			return nil, nil
		},
	}
	csrfConfig := CSRFConfig{}

	echo := func(w http.ResponseWriter, r *http.Request) {
		deviceID, _ := DeviceIDFromContext(r.Context())
		userID, _ := UserIDFromContext(r.Context())
		json.NewEncoder(w).Encode(map[string]string{"device_id": deviceID, "user_id": userID})
	}

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(NewDeviceMiddleware(DeviceConfig{}))
		r.Use(NewOptionalSessionMiddleware(repo))
		r.Use(NewCSRFMiddleware(csrfConfig))

		r.Method(http.MethodGet, "/api/csrf-token", NewCSRFTokenHandler(csrfConfig))
		r.Post("/api/cart/items", echo)
		r.Route("/api/users", func(r chi.Router) {
			r.Use(NewSessionMiddleware(repo))
			r.Delete("/me", echo)
		})
	})
	return r
}

func TestRouterIntegration_CSRFTokenEndpoint_IssuesDeviceAndToken(t *testing.T) {
	r := newIntegrationRouter()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	names := map[string]int{}
	for _, c := range w.Result().Cookies() {
		names[c.Name]++
	}
	if names[DeviceCookieName] != 1 || names[csrfCookieName] != 1 {
		t.Errorf("cookies = %v, want one device_id and one csrf_token", names)
	}
}

func TestRouterIntegration_ProtectedRoutes(t *testing.T) {
	r := newIntegrationRouter()

	tests := []struct {
		name       string
		method     string
		path       string
		session    string
		csrf       bool
		wantStatus int
		wantUserID string
	}{
		{"未ログインでもカート操作はCSRFトークンで通る", http.MethodPost, "/api/cart/items", "", true, http.StatusOK, ""},
		{"ログイン済みのカート操作はユーザーIDも伝わる", http.MethodPost, "/api/cart/items", "router-test-session", true, http.StatusOK, "user-gardener"},
		{"CSRFトークンなしのカート操作は403", http.MethodPost, "/api/cart/items", "", false, http.StatusForbidden, ""},
		{"退会はセッションとCSRFトークンで通る", http.MethodDelete, "/api/users/me", "router-test-session", true, http.StatusOK, "user-gardener"},
		{"未ログインの退会は401", http.MethodDelete, "/api/users/me", "", true, http.StatusUnauthorized, ""},
		{"無効なセッションの退会は401", http.MethodDelete, "/api/users/me", "expired", true, http.StatusUnauthorized, ""},
		{"CSRFトークンなしの退会は403", http.MethodDelete, "/api/users/me", "router-test-session", false, http.StatusForbidden, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: testDeviceID})
			if tt.session != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.session})
			}
			if tt.csrf {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "test-csrf-token"})
				req.Header.Set(csrfHeaderName, "test-csrf-token")
			}
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body map[string]string
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body["device_id"] != testDeviceID {
				t.Errorf("device_id = %q, want %q", body["device_id"], testDeviceID)
			}
			if body["user_id"] != tt.wantUserID {
				t.Errorf("user_id = %q, want %q", body["user_id"], tt.wantUserID)
			}
		})
	}
}
