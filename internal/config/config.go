// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/yourusername/campus-bulk/internal/tenant"
)

// Account はログイン可能な利用者です。
type Account struct {
	Username      string
	Role          tenant.Role
	InstitutionID string
	PasswordHash  string
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string    // 州局アカウントのユーザー名（初期アカウント）
	AppPasswordHash string    // bcryptでハッシュ化されたパスワード
	Accounts        []Account // APP_ACCOUNTS で定義された追加アカウント
	SessionSecret   string    // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// データベース設定
	DatabaseDriver string // sqlite または postgres
	DatabaseURL    string
	UploadDir      string // アップロード原本の保存先

	// 一括登録の制限
	BulkMaxFileSize      int64 // 単一ファイルの最大サイズ（バイト）
	BulkMaxRows          int   // 1ファイルあたりの最大行数
	BulkSyncRowThreshold int   // この行数以下なら同期で処理する

	// ジョブ/キュー設定
	QueueRedisURL         string
	BulkMaxAttempts       int
	BulkRetryBaseSeconds  int
	BulkRetryMaxSeconds   int
	BulkQueueRetentionHrs int // 完了タスクをキューに残す時間
	JobHistoryDays        int // ジョブ履歴の保持日数（0 は無期限）
	WorkerConcurrency     int
	ProgressEveryRows     int
	ProgressIntervalMS    int
	LockTTLSeconds        int
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	accounts, err := parseAccounts(getEnv("APP_ACCOUNTS", ""))
	if err != nil {
		return nil, err
	}

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		Accounts:        accounts,
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:    getEnv("DATABASE_URL", "file:campus.db?_pragma=busy_timeout(5000)"),
		UploadDir:      getEnv("UPLOAD_DIR", filepath.Join(os.TempDir(), "campus-bulk")),

		BulkMaxFileSize:      getEnvAsInt64("BULK_MAX_FILE_SIZE", 5*1024*1024), // 5MiB
		BulkMaxRows:          getEnvAsInt("BULK_MAX_ROWS", 500),
		BulkSyncRowThreshold: getEnvAsInt("BULK_SYNC_ROW_THRESHOLD", 50),

		QueueRedisURL:         getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		BulkMaxAttempts:       getEnvAsInt("BULK_MAX_ATTEMPTS", 3),
		BulkRetryBaseSeconds:  getEnvAsInt("BULK_RETRY_BASE_SECONDS", 5),
		BulkRetryMaxSeconds:   getEnvAsInt("BULK_RETRY_MAX_SECONDS", 300),
		BulkQueueRetentionHrs: getEnvAsInt("BULK_QUEUE_RETENTION_HOURS", 24),
		JobHistoryDays:        getEnvAsInt("JOB_HISTORY_DAYS", 90),
		WorkerConcurrency:     getEnvAsInt("WORKER_CONCURRENCY", 4),
		ProgressEveryRows:     getEnvAsInt("PROGRESS_EVERY_ROWS", 10),
		ProgressIntervalMS:    getEnvAsInt("PROGRESS_INTERVAL_MS", 1000),
		LockTTLSeconds:        getEnvAsInt("LOCK_TTL_SECONDS", 30),
	}

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
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres (got %q)", c.DatabaseDriver)
	}
	if c.BulkMaxAttempts < 1 {
		return fmt.Errorf("BULK_MAX_ATTEMPTS must be at least 1")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if len(c.AllAccounts()) == 0 {
			return fmt.Errorf("APP_USERNAME/APP_PASSWORD_HASH or APP_ACCOUNTS is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in release mode")
		}
	}

	return nil
}

// AllAccounts は初期アカウントを含むすべてのアカウントを返します。
func (c *Config) AllAccounts() []Account {
	accounts := make([]Account, 0, len(c.Accounts)+1)
	if c.AppUsername != "" && c.AppPasswordHash != "" {
		accounts = append(accounts, Account{
			Username:     c.AppUsername,
			Role:         tenant.RoleStateDirectorate,
			PasswordHash: c.AppPasswordHash,
		})
	}
	return append(accounts, c.Accounts...)
}

// RetryDelay は試行回数 n (0始まり) に対する指数バックオフの待ち時間です。
func (c *Config) RetryDelay(n int) time.Duration {
	base := time.Duration(c.BulkRetryBaseSeconds) * time.Second
	limit := time.Duration(c.BulkRetryMaxSeconds) * time.Second
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 0; i < n && delay < limit; i++ {
		delay *= 2
	}
	if limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}

// parseAccounts は "user:ROLE:institutionId:bcryptHash;..." 形式を解釈します。
func parseAccounts(raw string) ([]Account, error) {
	var accounts []Account
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("APP_ACCOUNTS entry %q must be user:ROLE:institutionId:hash", entry)
		}
		role, err := tenant.ParseRole(parts[1])
		if err != nil {
			return nil, fmt.Errorf("APP_ACCOUNTS entry for %s: %w", parts[0], err)
		}
		account := Account{
			Username:      strings.TrimSpace(parts[0]),
			Role:          role,
			InstitutionID: strings.TrimSpace(parts[2]),
			PasswordHash:  strings.TrimSpace(parts[3]),
		}
		if account.Username == "" || account.PasswordHash == "" {
			return nil, fmt.Errorf("APP_ACCOUNTS entry %q has an empty username or hash", entry)
		}
		if tenant.NeedsInstitution(role) && account.InstitutionID == "" {
			return nil, fmt.Errorf("APP_ACCOUNTS entry for %s: role %s needs an institution", account.Username, role)
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
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
