package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/trigardening/internal/auth"
	"github.com/hitoshi/trigardening/internal/cart"
	"github.com/hitoshi/trigardening/internal/catalog"
	"github.com/hitoshi/trigardening/internal/chat"
	"github.com/hitoshi/trigardening/internal/config"
	"github.com/hitoshi/trigardening/internal/database"
	"github.com/hitoshi/trigardening/internal/feed"
	"github.com/hitoshi/trigardening/internal/handler"
	"github.com/hitoshi/trigardening/internal/logger"
	"github.com/hitoshi/trigardening/internal/metrics"
	"github.com/hitoshi/trigardening/internal/middleware"
	"github.com/hitoshi/trigardening/internal/repository"
	"github.com/hitoshi/trigardening/internal/security"
	"github.com/hitoshi/trigardening/internal/user"
	"github.com/hitoshi/trigardening/internal/worker/cleanup"
	"github.com/hitoshi/trigardening/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("cart_storage", cfg.CartStorage),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーとカタログ更新を起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. メトリクスの初期化
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 4. カタログの初期化
	sources, err := catalogSources(cfg)
	if err != nil {
		return err
	}
	loader := feed.NewLoader(
		sources, security.NewSSRFGuard(), security.NewContentSanitizer(), collector,
		log, cfg.CatalogFetchTimeout, cfg.CatalogFetchMaxSize,
	)
	catalogCache := feed.NewCache(loader, collector, log)
	scheduler := refresh.NewScheduler(catalogCache, log, cfg.CatalogRefreshConcurrency)

	// 5. カートの初期化
	storage, closeStorage, err := newCartStorage(cfg, db)
	if err != nil {
		return err
	}
	defer closeStorage()

	registry := cart.NewRegistry(storage, log, cart.WithPersistErrorHandler(func(key string, err error) {
		collector.RecordCartPersistError(persistErrorOp(err))
	}))
	registry.Subscribe(func(deviceID string, c cart.Cart) {
		collector.RecordCartUpdate(c.TotalItems)
	})

	if len(cfg.KafkaBrokers) > 0 {
		publisher := cart.NewEventPublisher(cart.NewKafkaWriter(cfg.KafkaCartTopic, cfg.KafkaBrokers...), log)
		defer publisher.Close()
		registry.Subscribe(publisher.Listener())
		log.Info("cart events will be published",
			slog.String("topic", cfg.KafkaCartTopic),
			slog.Any("brokers", cfg.KafkaBrokers),
		)
	}

	// 6. チャットの初期化
	if cfg.OpenAIAPIKey == "" {
		log.Warn("OPENAI_API_KEY is not set; chat will answer with fallback messages")
	}
	chatClient := chat.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, &http.Client{Timeout: cfg.ChatTimeout})
	chatService := chat.NewService(chatClient, cfg.ChatModel, collector, log)

	// 7. 認証・ユーザーサービスの初期化
	var oauthProvider auth.OAuthProvider
	if cfg.GoogleEnabled() {
		oauthProvider = auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
	}
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, credRepo, sessionRepo, collector,
		auth.ServiceConfig{
			SessionMaxAge:     cfg.SessionMaxAge,
			MinPasswordLength: cfg.MinPasswordLength,
		},
	)
	if cfg.PasswordResetEnabled() {
		authService.EnablePasswordReset(
			repository.NewPostgresPasswordResetRepo(db),
			auth.NewSMTPMailSender(auth.SMTPConfig{
				Addr:     cfg.SMTPAddr,
				From:     cfg.SMTPFrom,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
			}),
			auth.PasswordResetConfig{
				ResetURL: strings.TrimSuffix(cfg.BaseURL, "/") + "/reset-password",
				TTL:      cfg.PasswordResetTTL,
			},
		)
	} else {
		log.Info("SMTP_ADDR is not set; password reset is disabled")
	}
	authService.Subscribe(func(e auth.Event) {
		log.Info("auth event",
			slog.String("kind", string(e.Kind)),
			slog.String("user_id", e.UserID),
			slog.String("provider", e.Provider),
		)
	})
	userService := user.NewService(userRepo, identRepo, sessionRepo)

	// 8. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitChat),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            log,
		HealthChecker:     db,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		DeviceConfig: middleware.DeviceConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
			GoogleEnabled: cfg.GoogleEnabled(),

			PasswordResetEnabled: authService.PasswordResetEnabled(),
		},
		UserService: userService,

		CatalogSource: catalogCache,
		Views:         catalog.DefaultViews(),
		Carts:         registry,
		ChatService:   chatService,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの構築
	// SSEの長時間接続があるためWriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 10. バックグラウンド処理の起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Start(ctx, cfg.CatalogRefreshInterval)

	evictJob := cleanup.NewCleanupJob(nil, registry, log)
	evictJob.IdleTTL = cfg.CartIdleTTL
	go runPeriodically(ctx, cfg.CleanupInterval, evictJob.Run)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{server, metricsServer} {
		go func(srv *http.Server) {
			log.Info("HTTP server starting", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server listen error on %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var serveErr error
	select {
	case <-stop:
		log.Info("shutting down API server...")
	case serveErr = <-errCh:
		log.Error("HTTP server stopped unexpectedly", slog.String("error", serveErr.Error()))
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := errors.Join(server.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx)); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if serveErr != nil {
		return serveErr
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、期限切れセッションと古いカートの削除を定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, nil, log)
	cleanupJob.CartRetentionDays = cfg.CartRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		log.Info("shutting down worker...")
		cancel()
	}()

	log.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("cart_retention_days", cfg.CartRetentionDays),
	)

	// クリーンアップをメインgoroutineで実行（ブロッキング）
	runPeriodically(ctx, cfg.CleanupInterval, cleanupJob.Run)

	log.Info("worker stopped gracefully")
	return nil
}

// runPeriodically は起動直後に1回、以降intervalごとにjobを実行する。ctxがキャンセルされるまで戻らない。
func runPeriodically(ctx context.Context, interval time.Duration, job func(context.Context) error) {
	run := func() {
		if err := job(ctx); err != nil && ctx.Err() == nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// catalogSources は既定の取得元に設定ファイルの内容を重ねた一覧を返す。
func catalogSources(cfg *config.Config) ([]feed.Source, error) {
	sources := feed.DefaultSources(cfg.CatalogBaseURL, cfg.CatalogDir)
	if cfg.CatalogSourcesFile == "" {
		return sources, nil
	}
	overrides, err := feed.ReadSourcesFile(cfg.CatalogSourcesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog sources: %w", err)
	}
	return feed.MergeSources(sources, overrides), nil
}

// newCartStorage はCART_STORAGEに応じたカートの保存先と、その解放関数を返す。
func newCartStorage(cfg *config.Config, db *sql.DB) (cart.Storage, func(), error) {
	switch cfg.CartStorage {
	case config.CartStorageMemory:
		slog.Warn("carts are kept in memory and will be lost on restart")
		return cart.NewMemoryStorage(), func() {}, nil
	case config.CartStorageRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
		return cart.NewRedisStorage(client), func() { client.Close() }, nil
	default:
		return cart.NewPostgresStorage(repository.NewPostgresCartSlotRepo(db)), func() {}, nil
	}
}

// persistErrorOp はカート保存エラーをメトリクスのラベルに変換する。
func persistErrorOp(err error) string {
	switch {
	case errors.Is(err, cart.ErrPersistenceWriteFailed):
		return "save"
	case errors.Is(err, cart.ErrPersistenceReadCorrupt):
		return "decode"
	default:
		return "load"
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	latest, err := database.LatestVersion()
	if err != nil {
		return err
	}

	v, err := database.RunMigrations(cfg.DatabaseURL, slog.Default())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if v.Version != latest {
		return fmt.Errorf("schema version %d does not match embedded latest %d", v.Version, latest)
	}

	slog.Info("database migrations completed", slog.Uint64("version", uint64(v.Version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
