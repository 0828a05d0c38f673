// Package app はアプリケーションの起動とワイヤリングを提供する。
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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/fedipost/internal/config"
	"github.com/hitoshi/fedipost/internal/database"
	"github.com/hitoshi/fedipost/internal/handler"
	"github.com/hitoshi/fedipost/internal/logger"
	"github.com/hitoshi/fedipost/internal/mastodon"
	"github.com/hitoshi/fedipost/internal/metrics"
	"github.com/hitoshi/fedipost/internal/middleware"
	"github.com/hitoshi/fedipost/internal/repository"
	"github.com/hitoshi/fedipost/internal/review"
	"github.com/hitoshi/fedipost/internal/security"
	"github.com/hitoshi/fedipost/internal/teaser"
	"github.com/hitoshi/fedipost/internal/worker/poll"
	"github.com/hitoshi/fedipost/internal/worker/publish"
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
		slog.Int("feed_count", len(cfg.FeedURLs)),
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

// newTeaserService はティーザー生成サービスを構築する。
// Cohere APIキーが未設定の場合は切り詰めフォールバックで動作する。
func newTeaserService(cfg *config.Config, examples repository.ExampleRepository) *teaser.Service {
	var generator teaser.TextGenerator
	if cfg.CohereAPIKey != "" {
		generator = teaser.NewCohereGenerator(cfg.CohereAPIKey, cfg.GenerationTimeout)
	} else {
		slog.Warn("COHERE_API_KEYが未設定のため、ティーザーは本文の切り詰めで代替されます")
	}

	return teaser.NewService(
		generator, examples, slog.Default(),
		cfg.TeaserMaxLength, cfg.DefaultTags, cfg.GenerationTimeout,
	)
}

// runServe はレビューAPIサーバーモードで起動する。
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
	articleRepo := repository.NewPostgresArticleRepo(db)
	exampleRepo := repository.NewPostgresExampleRepo(db)

	// 3. サービスの初期化
	teaserService := newTeaserService(cfg, exampleRepo)
	reviewService := review.NewService(articleRepo, exampleRepo, teaserService, slog.Default())

	// 4. メトリクスの初期化
	// 取り込み・投稿のドメインカウンターはワーカープロセス側にある。
	// APIプロセスの/metricsはランタイム指標を公開する。
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		ReviewService:     reviewService,
		DB:                db,
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		MetricsGatherer:   registry,
	})

	// 6. HTTPサーバーの起動
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
// フィードポーリングスケジューラと投稿スケジューラを起動する。
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
	articleRepo := repository.NewPostgresArticleRepo(db)
	exampleRepo := repository.NewPostgresExampleRepo(db)

	// 3. セキュリティ・メトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 起動時に設定されたフィードURLを検証する
	for _, feedURL := range cfg.FeedURLs {
		if err := ssrfGuard.ValidateURL(feedURL); err != nil {
			return fmt.Errorf("invalid feed URL %s: %w", feedURL, err)
		}
	}

	// 4. ポーラーの初期化
	teaserService := newTeaserService(cfg, exampleRepo)
	poller := poll.NewPoller(
		articleRepo, teaserService, ssrfGuard, sanitizer,
		collector, slog.Default(), cfg.FetchTimeout, cfg.FetchMaxSize,
	)
	pollScheduler := poll.NewScheduler(cfg.FeedURLs, poller, slog.Default(), 0)

	// 5. ポスターの初期化
	mastodonClient := mastodon.NewClient(
		&http.Client{Timeout: cfg.PublishTimeout},
		slog.Default(),
		cfg.MastodonInstanceURL,
		cfg.MastodonAccessToken,
		cfg.PostVisibility,
	)
	poster := publish.NewPoster(
		articleRepo, mastodonClient, collector, slog.Default(),
		cfg.PostMinSpacing, cfg.PublishBackoffBase,
		cfg.PublishMaxAttempts, cfg.PostCharLimit, cfg.PublishTimeout,
	)
	publishScheduler := publish.NewScheduler(poster, slog.Default())

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

	// ドメインカウンターはワーカープロセスが記録するため、/metricsもここで公開する
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler(registry))
	metricsServer := &http.Server{
		Addr:        ":" + cfg.MetricsPort,
		Handler:     metricsMux,
		ReadTimeout: 15 * time.Second,
	}
	go func() {
		slog.Info("worker metrics server starting",
			slog.String("addr", metricsServer.Addr),
		)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Duration("post_interval", cfg.PostInterval),
		slog.Int("feed_count", len(cfg.FeedURLs)),
	)

	// 投稿スケジューラをバックグラウンドで起動
	go publishScheduler.Start(ctx, cfg.PostInterval)

	// ポーリングスケジューラをメインgoroutineで実行（ブロッキング）
	pollScheduler.Start(ctx, cfg.PollInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}

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
// /healthz エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/healthz", port)
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
