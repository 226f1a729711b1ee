// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/api"
	"github.com/yourusername/call-intake/internal/auth"
	"github.com/yourusername/call-intake/internal/callsapi"
	"github.com/yourusername/call-intake/internal/config"
	"github.com/yourusername/call-intake/internal/intake"
	"github.com/yourusername/call-intake/internal/jobs"
	"github.com/yourusername/call-intake/internal/logging"
	"github.com/yourusername/call-intake/internal/staging"
)

// 開発モードで SESSION_SECRET が未設定の場合に使う鍵です。
const devSessionSecret = "call-intake-dev-secret"

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.GinMode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(logging.TraceID(), logging.Requests(logger), logging.Recovery(logger))

	// セッションストアの設定（署名鍵と暗号化鍵）
	secret := cfg.SessionSecret
	if secret == "" {
		logger.Warn("SESSION_SECRET is not set; using development secret")
		secret = devSessionSecret
	}
	blockKey := sha256.Sum256([]byte("enc:" + secret))
	store := cookie.NewStore([]byte(secret), blockKey[:])
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
		api.QueueHeader,
		logging.TraceHeader,
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token", api.QueueHeader, logging.TraceHeader}
	router.Use(cors.New(corsConfig))

	client := callsapi.NewClient(cfg.AnalysisAPIURL, cfg.AnalysisAPITimeout, logger.Named("callsapi"))
	registry := api.NewRegistry(
		staging.New(cfg.StagingDir),
		callsapi.NewAnalyzer(client),
		cfg.MaxFiles,
		intake.Validator{MaxBytes: cfg.MaxFileSize, Accepted: cfg.AcceptedFormats},
		logger.Named("intake"),
		intake.WithTickInterval(cfg.ProgressTick),
		intake.WithConcurrency(cfg.UploadConcurrency),
	)

	var jobManager *jobs.Manager
	if cfg.AsyncAnalysis {
		jobManager, err = setupJobs(cfg, registry, logger.Named("jobs"))
		if err != nil {
			logger.Fatal("failed to initialize job manager", zap.Error(err))
		}
		jobManager.StartWorkers()
	}

	// ルーティングの設定
	setupRoutes(router, routeDeps{
		auth:     auth.NewManager(client, logger.Named("auth")),
		registry: registry,
		calls:    client,
		jobs:     jobManager,
	})

	// サーバーの起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("starting API server", zap.String("addr", srv.Addr), zap.String("mode", cfg.GinMode), zap.Bool("async", cfg.AsyncAnalysis))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if jobManager != nil {
		if err := jobManager.Shutdown(ctx); err != nil {
			logger.Error("job manager shutdown failed", zap.Error(err))
		}
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "call-intake-api",
		"version": "0.1.0",
	})
}

type routeDeps struct {
	auth     *auth.Manager
	registry *api.Registry
	calls    api.CallsService
	jobs     *jobs.Manager
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, deps routeDeps) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := deps.auth
	opts := api.HandlerOptions{}
	if deps.jobs != nil {
		opts.Scheduler = &analysisJobScheduler{manager: deps.jobs}
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/health", handleHealth)

		authRoutes := apiGroup.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/session", authManager.SetToken)
			authRoutes.GET("/session", authManager.Session)
			authRoutes.POST("/logout",
				authManager.RequireCredential(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := apiGroup.Group("")
		protected.Use(authManager.RequireCredential(), authManager.VerifyCSRF())
		{
			protected.POST("/intake/files", api.AddFilesHandler(deps.registry))
			protected.GET("/intake/queue", api.QueueHandler(deps.registry))
			protected.DELETE("/intake/queue", api.ResetHandler(deps.registry))
			protected.POST("/intake/analyze", api.AnalyzeHandler(deps.registry, opts))
			if deps.jobs != nil {
				protected.GET("/jobs/:id", api.JobStatusHandler(deps.jobs))
			}

			protected.GET("/calls", api.ListCallsHandler(deps.calls))
			protected.GET("/calls/:id", api.GetCallHandler(deps.calls))
			protected.POST("/calls/:id/sync-crm", api.SyncCRMHandler(deps.calls))
		}
	}
}
