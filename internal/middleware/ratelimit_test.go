package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

// newTestRateLimiter はテスト用の小さなバーストを持つRateLimiterを生成する。
func newTestRateLimiter(t *testing.T, generalBurst, chatBurst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    generalBurst,
		ChatRate:        0.5,
		ChatBurst:       chatBurst,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)
	return rl
}

// requestAs はデバイスID（およびユーザーID）付きのリクエストを送り、ステータスを返す。
func requestAs(handler http.Handler, deviceID, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/catalog/shop", nil)
	ctx := ContextWithDeviceID(req.Context(), deviceID)
	if userID != "" {
		ctx = ContextWithUserID(ctx, userID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req.WithContext(ctx))
	return w
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiter_General_AllowsBurstThenRejects(t *testing.T) {
	rl := newTestRateLimiter(t, 5, 1)
	handler := rl.GeneralMiddleware()(okHandler)

	for i := 0; i < 5; i++ {
		if w := requestAs(handler, "device-1", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := requestAs(handler, "device-1", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	// Retry-After は 1/rate を切り上げた秒数
	if got, err := strconv.Atoi(w.Header().Get("Retry-After")); err != nil || got != 1 {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimiter_IsolatesClients(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1)
	handler := rl.GeneralMiddleware()(okHandler)

	if w := requestAs(handler, "device-1", ""); w.Code != http.StatusOK {
		t.Fatalf("device-1 first: %d", w.Code)
	}
	if w := requestAs(handler, "device-1", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("device-1 second: %d, want 429", w.Code)
	}
	// 別デバイスは影響を受けない
	if w := requestAs(handler, "device-2", ""); w.Code != http.StatusOK {
		t.Errorf("device-2: %d, want 200", w.Code)
	}
	// ログイン済みの場合はユーザーID単位で数える
	if w := requestAs(handler, "device-1", "user-1"); w.Code != http.StatusOK {
		t.Errorf("user-1: %d, want 200", w.Code)
	}
	if got := rl.GeneralLimiterCount(); got != 3 {
		t.Errorf("GeneralLimiterCount = %d, want 3", got)
	}
}

func TestRateLimiter_ChatIndependentFromGeneral(t *testing.T) {
	rl := newTestRateLimiter(t, 10, 1)
	general := rl.GeneralMiddleware()(okHandler)
	chat := rl.ChatMiddleware()(okHandler)

	if w := requestAs(chat, "device-1", ""); w.Code != http.StatusOK {
		t.Fatalf("chat first: %d", w.Code)
	}
	w := requestAs(chat, "device-1", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("chat second: %d, want 429", w.Code)
	}
	// 0.5 req/sec → Retry-After 2秒
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	if w := requestAs(general, "device-1", ""); w.Code != http.StatusOK {
		t.Errorf("general after chat limit: %d, want 200", w.Code)
	}
	if rl.ChatLimiterCount() != 1 {
		t.Errorf("ChatLimiterCount = %d, want 1", rl.ChatLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := newTestRateLimiter(t, 5, 5)
	rl.general.get("device:old", time.Now().Add(-time.Hour))
	rl.general.get("device:new", time.Now())
	rl.chat.get("device:old", time.Now().Add(-time.Hour))

	rl.cleanup()

	if got := rl.GeneralLimiterCount(); got != 1 {
		t.Errorf("GeneralLimiterCount = %d, want 1", got)
	}
	if got := rl.ChatLimiterCount(); got != 0 {
		t.Errorf("ChatLimiterCount = %d, want 0", got)
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		userID   string
		want     string
	}{
		{"ユーザーID優先", "device-1", "user-1", "user:user-1"},
		{"デバイスID", "device-1", "", "device:device-1"},
		{"接続元IP", "", "", "ip:192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.1:1234"
			ctx := req.Context()
			if tt.deviceID != "" {
				ctx = ContextWithDeviceID(ctx, tt.deviceID)
			}
			if tt.userID != "" {
				ctx = ContextWithUserID(ctx, tt.userID)
			}
			if got := ClientKey(req.WithContext(ctx)); got != tt.want {
				t.Errorf("ClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiterConfigPerMinute(t *testing.T) {
	cfg := RateLimiterConfigPerMinute(60, 0)
	if cfg.GeneralRate != 1 || cfg.GeneralBurst != 60 {
		t.Errorf("general = %v/%d, want 1/60", cfg.GeneralRate, cfg.GeneralBurst)
	}
	// 0以下は既定値
	if cfg.ChatBurst != 10 {
		t.Errorf("ChatBurst = %d, want 10", cfg.ChatBurst)
	}

	def := DefaultRateLimiterConfig()
	if def.GeneralBurst != 120 || def.ChatBurst != 10 || def.CleanupInterval != 5*time.Minute {
		t.Errorf("DefaultRateLimiterConfig() = %+v", def)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
