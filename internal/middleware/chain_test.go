package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMiddlewareChain_DeviceSessionRateLimit は
// Device → OptionalSession → RateLimit の順でクライアントキーが決まることを検証する。
func TestMiddlewareChain_DeviceSessionRateLimit(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)

	var seenKey string
	chain := NewDeviceMiddleware(DeviceConfig{})(
		NewOptionalSessionMiddleware(validSessionRepo())(
			rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenKey = ClientKey(r)
				w.WriteHeader(http.StatusOK)
			})),
		),
	)

	// ログイン済みリクエストはユーザー単位
	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session-id"})
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seenKey != "user:user-123" {
		t.Errorf("client key = %q, want user:user-123", seenKey)
	}

	// 同じユーザーの2回目はバースト超過
	req = httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "valid-session-id"})
	w = httptest.NewRecorder()
	chain.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}

	// 未ログインはデバイス単位で別枠
	w = httptest.NewRecorder()
	chain.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cart", nil))
	if w.Code != http.StatusOK {
		t.Errorf("anonymous status = %d, want 200", w.Code)
	}
	if len(seenKey) < len("device:") || seenKey[:7] != "device:" {
		t.Errorf("client key = %q, want device:*", seenKey)
	}
}

// TestMiddlewareChain_RecoveryReturnsJSON はpanicが統一フォーマットの500になり、デバイスIDがログに残ることを検証する。
func TestMiddlewareChain_RecoveryReturnsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewDeviceMiddleware(DeviceConfig{})(
		NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/catalog/shop", nil)
	req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: "0b6a3c1e-2f4d-4e8a-9c7b-1d2e3f4a5b6c"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(buf.String(), `"device_id":"0b6a3c1e-2f4d-4e8a-9c7b-1d2e3f4a5b6c"`) {
		t.Errorf("log should contain device_id, got %s", buf.String())
	}
}

// TestMiddlewareChain_RecoveryRepanicsOnAbortHandler はErrAbortHandlerを握りつぶさないことを検証する。
func TestMiddlewareChain_RecoveryRepanicsOnAbortHandler(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}),
	)

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/cart/events", nil))
}

// TestSecurityHeadersMiddleware はセキュリティヘッダーが付与されることを検証する。
func TestSecurityHeadersMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		hsts      bool
		path      string
		wantHSTS  bool
		wantCache string
	}{
		{"API・HTTP", false, "/api/cart", false, "no-store"},
		{"認証・HTTPS", true, "/auth/me", true, "no-store"},
		{"ヘルスチェック", false, "/health", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSecurityHeadersMiddleware(tt.hsts)(okHandler)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			for header, want := range map[string]string{
				"X-Content-Type-Options":  "nosniff",
				"X-Frame-Options":         "DENY",
				"Referrer-Policy":         "strict-origin-when-cross-origin",
				"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
				"Cache-Control":           tt.wantCache,
			} {
				if got := w.Header().Get(header); got != want {
					t.Errorf("%s = %q, want %q", header, got, want)
				}
			}
			if got := w.Header().Get("Strict-Transport-Security") != ""; got != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", got, tt.wantHSTS)
			}
		})
	}
}
