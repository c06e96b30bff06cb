package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// DeviceCookieName はデバイスIDを保持するCookieの名前。
	// カートの保存枠はこのIDごとに1つ割り当てる。
	DeviceCookieName = "device_id"

	// deviceCookieMaxAge はデバイスCookieの有効期間（1年）。
	deviceCookieMaxAge = 365 * 24 * 60 * 60
)

var deviceIDContextKey = contextKey("device_id")

// DeviceConfig はデバイスCookieミドルウェアの設定。
type DeviceConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewDeviceMiddleware はデバイスIDをCookieから読み取り、コンテキストに注入するミドルウェアを返す。
// Cookieがない、またはUUIDとして不正な場合は新しいIDを発行してCookieに設定する。
func NewDeviceMiddleware(config DeviceConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := ""
			if cookie, err := r.Cookie(DeviceCookieName); err == nil {
				if id, err := uuid.Parse(cookie.Value); err == nil {
					deviceID = id.String()
				}
			}

			if deviceID == "" {
				deviceID = uuid.New().String()
				http.SetCookie(w, &http.Cookie{
					Name:     DeviceCookieName,
					Value:    deviceID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   deviceCookieMaxAge,
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			next.ServeHTTP(w, r.WithContext(ContextWithDeviceID(r.Context(), deviceID)))
		})
	}
}

// DeviceIDFromContext はリクエストコンテキストからデバイスIDを取得する。
func DeviceIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDContextKey).(string)
	return id, ok && id != ""
}

// ContextWithDeviceID はコンテキストにデバイスIDを注入する。
// ロギングミドルウェア配下ではアクセスログにも記録される。
func ContextWithDeviceID(ctx context.Context, deviceID string) context.Context {
	annotateRequestLog(ctx, func(rl *requestLog) { rl.deviceID = deviceID })
	return context.WithValue(ctx, deviceIDContextKey, deviceID)
}
