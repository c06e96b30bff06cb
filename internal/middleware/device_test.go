package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestDeviceMiddleware_IssuesCookieWhenMissing(t *testing.T) {
	var gotID string
	handler := NewDeviceMiddleware(DeviceConfig{CookieSecure: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = DeviceIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cart", nil))

	if _, err := uuid.Parse(gotID); err != nil {
		t.Fatalf("device ID %q is not a UUID: %v", gotID, err)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == DeviceCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("device cookie should be set")
	}
	if cookie.Value != gotID {
		t.Errorf("cookie value = %q, want %q", cookie.Value, gotID)
	}
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie attributes = %+v", cookie)
	}
	if cookie.MaxAge != deviceCookieMaxAge {
		t.Errorf("MaxAge = %d, want %d", cookie.MaxAge, deviceCookieMaxAge)
	}
}

func TestDeviceMiddleware_ReusesValidCookie(t *testing.T) {
	existing := uuid.New().String()

	var gotID string
	handler := NewDeviceMiddleware(DeviceConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = DeviceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: existing})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if gotID != existing {
		t.Errorf("device ID = %q, want %q", gotID, existing)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Errorf("有効なCookieがある場合は再発行しない: %v", w.Result().Cookies())
	}
}

func TestDeviceMiddleware_ReplacesMalformedCookie(t *testing.T) {
	var gotID string
	handler := NewDeviceMiddleware(DeviceConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = DeviceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: "../../etc/passwd"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if gotID == "../../etc/passwd" {
		t.Fatal("不正なデバイスIDをそのまま使ってはならない")
	}
	if len(w.Result().Cookies()) != 1 {
		t.Errorf("新しいCookieが1つ発行されるべき: %v", w.Result().Cookies())
	}
}

func TestDeviceIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := DeviceIDFromContext(req.Context()); ok {
		t.Error("デバイスIDがない場合はfalseを返すべき")
	}
}
