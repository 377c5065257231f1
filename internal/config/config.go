// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// データベース設定
	DatabaseURL string // ジョブ永続化用のDB接続先（sqliteファイルパス or postgres URL）

	// Redis設定
	RedisURL        string // キュー・通知トランスポート用のRedis接続URL
	DevelopmentMode bool   // 開発モード（Redis不在時に組み込みサーバーへのフォールバックを許可）

	// ファイル制限
	UploadFolder  string // アップロードファイルの保存先ディレクトリ
	MaxFileSize   int64  // 単一ファイルの最大サイズ（バイト）
	JobExpireHour int    // ジョブの有効期限（時間）

	// ワーカー/キュー設定
	WorkerConcurrency int // 同時に実行するワーカー数
	TaskMaxRetries    int // 一時的な失敗に対する最大リトライ回数
	ProcessingTimeout int // 1ジョブの処理全体のタイムアウト（秒）

	// 音声認識プロバイダー設定
	SpeechKitAPIKey   string // SpeechKit APIキー
	SpeechKitFolderID string // SpeechKit フォルダーID
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// データベース設定
		DatabaseURL: getEnv("DATABASE_URL", "voice-scribe.db"),

		// Redis設定
		RedisURL:        getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		DevelopmentMode: getEnvAsBool("DEVELOPMENT_MODE", true),

		// ファイル制限
		UploadFolder:  getEnv("UPLOAD_FOLDER", "uploads"),
		MaxFileSize:   getEnvAsInt64("MAX_FILE_SIZE", 524288000), // 500MB
		JobExpireHour: getEnvAsInt("JOB_EXPIRE_HOURS", 24),

		// ワーカー/キュー設定
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		TaskMaxRetries:    getEnvAsInt("TASK_MAX_RETRIES", 3),
		ProcessingTimeout: getEnvAsInt("PROCESSING_TIMEOUT_SECONDS", 3600), // 1時間

		// 音声認識プロバイダー設定
		SpeechKitAPIKey:   getEnv("SPEECHKIT_API_KEY", ""),
		SpeechKitFolderID: getEnv("SPEECHKIT_FOLDER_ID", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if c.TaskMaxRetries < 0 {
		return fmt.Errorf("TASK_MAX_RETRIES must not be negative")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT_SECONDS must be positive")
	}

	// ローカル開発では認証・プロバイダー設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required in release mode")
		}
		if c.SpeechKitAPIKey == "" {
			return fmt.Errorf("SPEECHKIT_API_KEY is required in release mode")
		}
		if c.SpeechKitFolderID == "" {
			return fmt.Errorf("SPEECHKIT_FOLDER_ID is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
