package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hafizcsw/oryxa-sync/internal/auth"
	"github.com/hafizcsw/oryxa-sync/internal/config"
	"github.com/hafizcsw/oryxa-sync/internal/conflictcheck"
	"github.com/hafizcsw/oryxa-sync/internal/connect"
	"github.com/hafizcsw/oryxa-sync/internal/database"
	"github.com/hafizcsw/oryxa-sync/internal/gcal"
	"github.com/hafizcsw/oryxa-sync/internal/handler"
	"github.com/hafizcsw/oryxa-sync/internal/ics"
	"github.com/hafizcsw/oryxa-sync/internal/logger"
	"github.com/hafizcsw/oryxa-sync/internal/metrics"
	"github.com/hafizcsw/oryxa-sync/internal/middleware"
	"github.com/hafizcsw/oryxa-sync/internal/repository"
	"github.com/hafizcsw/oryxa-sync/internal/security"
	syncengine "github.com/hafizcsw/oryxa-sync/internal/sync"
	"github.com/hafizcsw/oryxa-sync/internal/tokens"
	"github.com/hafizcsw/oryxa-sync/internal/vault"
	"github.com/hafizcsw/oryxa-sync/internal/worker/cleanup"
	"github.com/hafizcsw/oryxa-sync/internal/worker/syncjob"
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

// syncDeps は同期エンジンと周辺依存をまとめた構造体。
type syncDeps struct {
	engine    *syncengine.Engine
	gate      *syncengine.Gate
	refresher *tokens.Refresher
	collector *metrics.Collector
	registry  *prometheus.Registry
}

// buildSyncEngine は同期エンジン一式をワイヤリングする。
// serveモードとworkerモードの両方から使用される。
func buildSyncEngine(
	cfg *config.Config,
	accountRepo repository.AccountRepository,
	eventRepo repository.EventRepository,
	auditRepo repository.AuditRepository,
	v *vault.Vault,
) *syncDeps {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	refresher := tokens.NewRefresher(
		tokens.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		},
		accountRepo, auditRepo, v, slog.Default(),
	)
	refresher.SetMetrics(collector)

	gate := syncengine.NewGate(cfg.SyncCooldown, 10*time.Minute)

	var notifier syncengine.ConflictNotifier
	if cfg.ConflictCheckURL != "" {
		notifier = conflictcheck.NewClient(cfg.ConflictCheckURL, cfg.ConflictCheckDays, slog.Default())
	}

	engine := syncengine.NewEngine(
		syncengine.Config{
			Cooldown:     cfg.SyncCooldown,
			WindowPast:   cfg.SyncWindowPast,
			WindowFuture: cfg.SyncWindowFuture,
		},
		accountRepo, eventRepo, auditRepo,
		gate,
		refresher,
		gcal.New(cfg.ProviderTimeout),
		notifier,
		security.NewContentSanitizer(),
		collector,
		slog.Default(),
	)

	return &syncDeps{
		engine:    engine,
		gate:      gate,
		refresher: refresher,
		collector: collector,
		registry:  registry,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	accountRepo := repository.NewPostgresAccountRepo(db)
	txRepo := repository.NewPostgresTransactionRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	// 3. トークン暗号化ボールト
	v, err := vault.New(cfg.TokenEncKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token vault: %w", err)
	}

	// 4. 認証サービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(
		oauthProvider, userRepo, identRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 5. カレンダー接続フローの初期化
	connectFlow := connect.NewFlow(
		connect.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.CalendarRedirectURL,
			TxTTL:        cfg.OAuthTxTTL,
		},
		txRepo, accountRepo, auditRepo, v, slog.Default(),
	)

	// 6. 同期エンジンの初期化
	sd := buildSyncEngine(cfg, accountRepo, eventRepo, auditRepo, v)
	defer sd.gate.Stop()

	// 7. ICSインポーターの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	icsImporter := ics.NewImporter(
		eventRepo, auditRepo, ssrfGuard, sanitizer,
		cfg.ICSFetchTimeout, cfg.ICSMaxSize, slog.Default(),
	)

	// 8. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		SessionFinder: sessionRepo,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		SyncService:    sd.engine,
		ConnectService: connectFlow,
		EventLister:    eventRepo,
		ICSImporter:    icsImporter,

		MetricsGatherer: sd.registry,
	}

	router := handler.NewRouter(deps)

	// 9. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、同期スケジューラとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	accountRepo := repository.NewPostgresAccountRepo(db)
	txRepo := repository.NewPostgresTransactionRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	auditRepo := repository.NewPostgresAuditRepo(db)

	// 3. トークン暗号化ボールト
	v, err := vault.New(cfg.TokenEncKey)
	if err != nil {
		return fmt.Errorf("failed to initialize token vault: %w", err)
	}

	// 4. 同期エンジンの初期化
	sd := buildSyncEngine(cfg, accountRepo, eventRepo, auditRepo, v)
	defer sd.gate.Stop()

	// 5. スケジューラの初期化
	scheduler := syncjob.NewScheduler(
		accountRepo, sd.engine, slog.Default(),
		cfg.SyncMaxConcurrent, 100,
	)

	// 6. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(txRepo, auditRepo, slog.Default())
	cleanupJob.TransactionTTL = cfg.OAuthTxTTL
	cleanupJob.AuditRetentionDays = cfg.AuditRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.WorkerInterval),
		slog.Int("max_concurrent", cfg.SyncMaxConcurrent),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.WorkerInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
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
