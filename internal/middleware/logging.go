package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var requestLogContextKey = contextKey("request_log")

// requestLog は内側のミドルウェアで判明したリクエスト属性をアクセスログに渡す入れ物。
// コンテキストは外側に戻らないため、ロギングミドルウェアが先に入れておく。
type requestLog struct {
	mu       sync.Mutex
	userID   string
	deviceID string
}

func annotateRequestLog(ctx context.Context, fn func(*requestLog)) {
	if rl, ok := ctx.Value(requestLogContextKey).(*requestLog); ok {
		rl.mu.Lock()
		fn(rl)
		rl.mu.Unlock()
	}
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードと書き込みバイト数を記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Flush はServer-Sent Eventsの逐次送信のためにhttp.Flusherへ委譲する。
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		sr.written = true
		f.Flush()
	}
}

// Unwrap はhttp.ResponseControllerが元のResponseWriterを参照するために使う。
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.written = true
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

// NewLoggingMiddleware はリクエストごとに1行のJSON構造化ログ（http_request）を出力するミドルウェアを返す。
// method、path、status、bytes、duration_msに加え、内側のミドルウェアが判明させた
// user_id（認証済みの場合）とdevice_idを含む。4xxはWARN、5xxはERRORで出力する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			info := &requestLog{}
			r = r.WithContext(context.WithValue(r.Context(), requestLogContextKey, info))
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rec, r)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Int("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/float64(time.Millisecond)),
			}

			info.mu.Lock()
			if info.userID != "" {
				args = append(args, slog.String("user_id", info.userID))
			}
			if info.deviceID != "" {
				args = append(args, slog.String("device_id", info.deviceID))
			}
			info.mu.Unlock()

			level := slog.LevelInfo
			switch {
			case rec.statusCode >= 500:
				level = slog.LevelError
			case rec.statusCode >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
