// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/voice-scribe/internal/auth"
	"github.com/yourusername/voice-scribe/internal/config"
	"github.com/yourusername/voice-scribe/internal/kvstore"
	"github.com/yourusername/voice-scribe/internal/realtime"
	"github.com/yourusername/voice-scribe/internal/transcribe"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setupApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(sessions.Sessions(auth.SessionCookieName, auth.SessionStore(cfg.SessionSecret)))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	setupRoutes(router, cfg, app)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("Starting API server on %s (mode: %s)", server.Addr, cfg.GinMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	app.Shutdown()
	log.Println("Shutdown complete")
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, app *application) {
	// 誰でも叩けるヘルスチェック
	router.GET("/health", healthHandler(app.kv))

	// WebSocketはクッキー認証のためミドルウェアを通さない
	router.GET("/ws", app.hub.HandleWS)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		v1 := api.Group("/v1")
		// 認証情報が設定されている場合のみ保護する（ローカル開発では開放）
		if cfg.AppUsername != "" && cfg.AppPasswordHash != "" {
			v1.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		}
		{
			v1.POST("/upload", transcribe.UploadHandler(app.service))
			v1.GET("/jobs", transcribe.ListJobsHandler(app.service))
			v1.GET("/jobs/:id", transcribe.JobStatusHandler(app.service))
			v1.GET("/jobs/:id/result", transcribe.JobResultHandler(app.service))
			v1.POST("/jobs/:id/cancel", transcribe.CancelJobHandler(app.service))
		}
	}
}

// healthHandler はストレージバックエンドの状態を含むヘルスチェックを返します。
func healthHandler(kv *kvstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		health := kv.Health(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "voice-scribe-api",
			"version": "0.1.0",
			"redis":   health,
		})
	}
}

// application は配線済みのアプリケーションコンポーネント一式です。
type application struct {
	kv      *kvstore.Store
	hub     *realtime.Hub
	service *transcribe.Service

	shutdown []func()
}

// Shutdown は起動と逆順でコンポーネントを停止します。
func (a *application) Shutdown() {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		a.shutdown[i]()
	}
}
