package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/yourusername/voice-scribe/internal/config"
	"github.com/yourusername/voice-scribe/internal/jobs"
	"github.com/yourusername/voice-scribe/internal/kvstore"
	"github.com/yourusername/voice-scribe/internal/progress"
	"github.com/yourusername/voice-scribe/internal/realtime"
	"github.com/yourusername/voice-scribe/internal/speechkit"
	"github.com/yourusername/voice-scribe/internal/storage"
	"github.com/yourusername/voice-scribe/internal/tasks"
	"github.com/yourusername/voice-scribe/internal/transcribe"
)

// cleanupInterval は期限切れジョブの掃除を行う間隔です。
const cleanupInterval = time.Hour

// setupApplication は全コンポーネントを依存順に組み立てます。
func setupApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	logger := log.Default()

	kv := kvstore.New(kvstore.Options{
		RedisURL:      cfg.RedisURL,
		AllowEmbedded: cfg.DevelopmentMode,
		Logger:        logger,
	})

	db, err := openDatabase(cfg)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := jobs.NewStore(db, time.Duration(cfg.JobExpireHour)*time.Hour)
	if err := store.Migrate(); err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	estimator := progress.NewEstimator(store)

	files, err := storage.NewLocal(cfg.UploadFolder)
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("failed to prepare upload storage: %w", err)
	}

	recognizer, err := setupRecognizer(ctx, cfg, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}

	// Hub は購読開始時に Service からスナップショットを取るが、Service は
	// ジョブ投入時に Hub へ配信する。相互参照は遅延バインドで解決する。
	source := &snapshotSource{}
	hub := realtime.NewHub(source, kv, logger)
	hub.Run()

	manager := tasks.NewManager(cfg, store, estimator, hub, recognizer, kv, logger)
	if err := manager.StartWorkers(); err != nil {
		hub.Shutdown()
		kv.Close()
		return nil, fmt.Errorf("failed to start workers: %w", err)
	}

	service := transcribe.NewService(cfg, store, files, estimator, manager, hub, logger)
	source.svc = service

	cleanupDone := startCleanupLoop(service, logger)

	return &application{
		kv:      kv,
		hub:     hub,
		service: service,
		shutdown: []func(){
			func() { kv.Close() },
			func() { hub.Shutdown() },
			func() { manager.Shutdown() },
			cleanupDone,
		},
	}, nil
}

// openDatabase は DATABASE_URL のスキームに応じてドライバーを選びます。
// postgres:// 以外はsqliteファイルパスとして扱います。
func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") || strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	}
	return gorm.Open(sqlite.Open(cfg.DatabaseURL), gormConfig)
}

// setupRecognizer は音声認識クライアントを作成します。
// 開発モードで認証情報が未設定の場合、ジョブ処理時に設定エラーを返す
// プレースホルダーを使ってサーバー自体は起動できるようにします。
func setupRecognizer(ctx context.Context, cfg *config.Config, logger *log.Logger) (tasks.Recognizer, error) {
	if cfg.SpeechKitAPIKey == "" || cfg.SpeechKitFolderID == "" {
		if !cfg.DevelopmentMode {
			return nil, fmt.Errorf("SPEECHKIT_API_KEY and SPEECHKIT_FOLDER_ID are required")
		}
		logger.Printf("speechkit credentials are not configured, transcription jobs will fail")
		return &unconfiguredRecognizer{}, nil
	}

	client, err := speechkit.NewClient(ctx, speechkit.ClientConfig{
		APIKey:   cfg.SpeechKitAPIKey,
		FolderID: cfg.SpeechKitFolderID,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize speechkit client: %w", err)
	}
	return client, nil
}

// snapshotSource は realtime.SnapshotSource を遅延バインドで満たすアダプターです。
type snapshotSource struct {
	svc *transcribe.Service
}

func (s *snapshotSource) Snapshot(ctx context.Context, jobID string) (*jobs.Snapshot, error) {
	if s.svc == nil {
		return nil, fmt.Errorf("service is not ready")
	}
	return s.svc.Snapshot(ctx, jobID)
}

// unconfiguredRecognizer は認証情報なしで起動した場合の代替実装です。
type unconfiguredRecognizer struct{}

func (unconfiguredRecognizer) RecognizeSync(context.Context, []byte, speechkit.RecognitionConfig) (*speechkit.Result, error) {
	return nil, &speechkit.AuthError{Message: "speechkit credentials are not configured"}
}

func (unconfiguredRecognizer) StartLongRunning(context.Context, []byte, speechkit.RecognitionConfig) (string, error) {
	return "", &speechkit.AuthError{Message: "speechkit credentials are not configured"}
}

func (unconfiguredRecognizer) WaitForCompletion(context.Context, string, time.Duration, func()) (*speechkit.Result, error) {
	return nil, &speechkit.AuthError{Message: "speechkit credentials are not configured"}
}

// startCleanupLoop は期限切れジョブの定期掃除を開始し、停止関数を返します。
func startCleanupLoop(service *transcribe.Service, logger *log.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				if _, err := service.CleanupExpired(ctx); err != nil {
					logger.Printf("cleanup: %v", err)
				}
				cancel()
			}
		}
	}()
	return func() { close(done) }
}
