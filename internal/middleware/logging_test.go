package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/trigardening/internal/model"
)

// logEntry はテスト用にJSONログ1行を解析する。
func logEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	handler := NewLoggingMiddleware(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/catalog/shop", nil))

	entry := logEntry(t, &buf)
	if entry["msg"] != "http_request" || entry["method"] != "GET" || entry["path"] != "/api/catalog/shop" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(len(`{"items":[]}`)) {
		t.Errorf("bytes = %v", entry["bytes"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("user_id should be omitted for anonymous requests")
	}
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{"2xxはINFO", http.StatusOK, "INFO"},
		{"204はINFO", http.StatusNoContent, "INFO"},
		{"4xxはWARN", http.StatusNotFound, "WARN"},
		{"429はWARN", http.StatusTooManyRequests, "WARN"},
		{"5xxはERROR", http.StatusServiceUnavailable, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := NewLoggingMiddleware(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				// 2回目のWriteHeaderは記録しない
				w.WriteHeader(http.StatusTeapot)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/cart", nil))

			entry := logEntry(t, &buf)
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
		})
	}
}

// TestLoggingMiddleware_RecordsIDsFromInnerMiddleware は内側のミドルウェアで判明した
// デバイスIDとユーザーIDがアクセスログに含まれることを検証する。
func TestLoggingMiddleware_RecordsIDsFromInnerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	sessions := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return &model.Session{ID: id, UserID: "user-123", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	}

	handler := NewLoggingMiddleware(newTestLogger(&buf))(
		NewDeviceMiddleware(DeviceConfig{})(
			NewOptionalSessionMiddleware(sessions)(okHandler),
		),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/cart", nil)
	req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: testDeviceID})
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "session-abc"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := logEntry(t, &buf)
	if entry["device_id"] != testDeviceID {
		t.Errorf("device_id = %v, want %q", entry["device_id"], testDeviceID)
	}
	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want %q", entry["user_id"], "user-123")
	}
}

func TestContextHelpers_WithoutLoggingMiddleware(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-1")
	ctx = ContextWithDeviceID(ctx, "device-1")

	if got, err := UserIDFromContext(ctx); err != nil || got != "user-1" {
		t.Errorf("UserIDFromContext = %q, %v", got, err)
	}
	if got, ok := DeviceIDFromContext(ctx); !ok || got != "device-1" {
		t.Errorf("DeviceIDFromContext = %q, %v", got, ok)
	}
}

// TestLoggingMiddleware_FlushPassesThrough はSSEのためにFlushが元のWriterへ届くことを検証する。
func TestLoggingMiddleware_FlushPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	handler := NewLoggingMiddleware(newTestLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := http.NewResponseController(w).Flush(); err != nil {
			t.Errorf("Flush via ResponseController failed: %v", err)
		}
		w.Write([]byte("event: cart\ndata: {}\n\n"))
		w.(http.Flusher).Flush()
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/cart/events", nil))

	if !w.Flushed {
		t.Error("underlying recorder should be flushed")
	}
	if entry := logEntry(t, &buf); entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
}
