package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/trigardening/internal/catalog"
	"github.com/hitoshi/trigardening/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通確認する依存先のインターフェース。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SetupAuthRoutes は認証関連のルーティングを設定したchi.Routerを返す。
func SetupAuthRoutes(service AuthServiceInterface, config AuthHandlerConfig) http.Handler {
	r := chi.NewRouter()
	mountAuthRoutes(r, NewAuthHandler(service, config))
	return r
}

// SetupUserRoutes はユーザー管理関連のルーティングを設定したchi.Routerを返す。
// 呼び出し側でユーザーIDをコンテキストに注入しておく必要がある。
func SetupUserRoutes(service UserServiceInterface) http.Handler {
	r := chi.NewRouter()
	h := NewUserHandler(service)

	r.Route("/api/users", func(r chi.Router) {
		r.Get("/me", h.Profile)
		r.Delete("/me", h.Withdraw)
	})

	return r
}

func mountAuthRoutes(r chi.Router, h *AuthHandler) {
	r.Route("/auth", func(r chi.Router) {
		// OAuthフロー（Google設定時のみ）
		if h.config.GoogleEnabled {
			r.Get("/google/login", h.GoogleLogin)
			r.Get("/google/callback", h.GoogleCallback)
		}

		// パスワード認証
		r.Post("/signup", h.Signup)
		r.Post("/login", h.Login)
		if h.config.PasswordResetEnabled {
			r.Post("/password-reset", h.RequestPasswordReset)
			r.Post("/password-reset/confirm", h.ConfirmPasswordReset)
		}

		// セッション管理
		r.Post("/logout", h.Logout)
		r.Get("/me", h.Me)
	})
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	HealthChecker     HealthChecker
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	DeviceConfig      middleware.DeviceConfig
	CSRFConfig        middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	// カタログ（Viewsがnilの場合は標準のビュー設定）
	CatalogSource CatalogSource
	Views         map[string]catalog.ViewConfig

	// カート
	Carts CartRegistry

	// チャット
	ChatService ChatServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS
//	  → Device → OptionalSession → CSRF → RateLimit(General)
//
// /health はデバイスCookieの発行とレート制限の対象外とする。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// 全ルート共通
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.DeviceConfig.CookieSecure))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService)
	catalogHandler := NewCatalogHandler(deps.CatalogSource, deps.Views)
	cartHandler := NewCartHandler(deps.Carts, deps.CatalogSource, deps.Views, logger)
	chatHandler := NewChatHandler(deps.ChatService)

	// ミドルウェアスタック: Device → OptionalSession → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewDeviceMiddleware(deps.DeviceConfig))
		r.Use(middleware.NewOptionalSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// 認証
		mountAuthRoutes(r, authHandler)

		// カタログ
		r.Get("/api/catalog/{view}", catalogHandler.List)
		r.Get("/api/catalog/{view}/{id}", catalogHandler.Get)
		r.Get("/api/blog/sidebar", catalogHandler.BlogSidebar)

		// カート（デバイス単位のため未ログインでも利用できる）
		r.Route("/api/cart", func(r chi.Router) {
			r.Get("/", cartHandler.Get)
			r.Delete("/", cartHandler.Clear)
			r.Get("/events", cartHandler.Events)
			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{id}", cartHandler.UpdateQuantity)
			r.Delete("/items/{id}", cartHandler.RemoveItem)
		})

		// チャット（チャット専用レート制限を追加）
		r.Get("/api/chat/welcome", chatHandler.Welcome)
		r.With(deps.RateLimiter.ChatMiddleware()).Post("/api/chat", chatHandler.Reply)

		// ユーザー管理（ログイン必須）
		r.Route("/api/users", func(r chi.Router) {
			r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
			r.Get("/me", userHandler.Profile)
			r.Delete("/me", userHandler.Withdraw)
		})
	})

	return r
}

// healthHandler は依存先への疎通を確認するハンドラーを返す。checkerがnilの場合は常に200を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			if err := checker.PingContext(r.Context()); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
