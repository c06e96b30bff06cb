package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/trigardening/internal/model"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		apiErr     *model.APIError
	}{
		{"パラメータ不正", http.StatusBadRequest, model.NewInvalidParameterError("page")},
		{"未ログイン", http.StatusUnauthorized, model.NewUnauthorizedError()},
		{"CSRF検証失敗", http.StatusForbidden, model.NewCSRFTokenInvalidError()},
		{"商品が存在しない", http.StatusNotFound, model.NewEntryNotFoundError("42")},
		{"カタログ取得不可", http.StatusServiceUnavailable, model.NewCatalogUnavailableError("plants")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteErrorResponse(w, tt.statusCode, tt.apiErr)

			if w.Code != tt.statusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.statusCode)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", cc)
			}
			body := decodeErrorBody(t, w)
			want := ErrorResponseBody{
				Code:     tt.apiErr.Code,
				Message:  tt.apiErr.Message,
				Category: tt.apiErr.Category,
				Action:   tt.apiErr.Action,
			}
			if body != want {
				t.Errorf("body = %+v, want %+v", body, want)
			}
		})
	}
}

func TestWriteInternalServerError_HidesDetails(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeInternal || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteTooManyRequests(t *testing.T) {
	tests := []struct {
		name           string
		retryAfter     int
		wantRetryAfter string
	}{
		{"Retry-Afterあり", 6, "6"},
		{"0はRetry-Afterなし", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			WriteTooManyRequests(w, tt.retryAfter)

			if w.Code != http.StatusTooManyRequests {
				t.Errorf("status = %d", w.Code)
			}
			if got := w.Header().Get("Retry-After"); got != tt.wantRetryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetryAfter)
			}
			if body := decodeErrorBody(t, w); body.Code != model.ErrCodeRateLimitExceeded {
				t.Errorf("code = %q", body.Code)
			}
		})
	}
}
