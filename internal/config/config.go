package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Token encryption
	TokenEncKey []byte // AES-256-GCM用の32バイト鍵

	// Session
	SessionMaxAge int

	// Sync
	SyncCooldown      time.Duration // 同一アカウントの同期実行の最小間隔
	SyncWindowPast    time.Duration // フル同期の過去方向の範囲
	SyncWindowFuture  time.Duration // フル同期の未来方向の範囲
	ProviderTimeout   time.Duration // プロバイダーAPI呼び出し1回あたりのタイムアウト
	SyncMaxConcurrent int           // ワーカーモードの最大並列同期数
	WorkerInterval    time.Duration // ワーカーモードの同期サイクル間隔

	// OAuth transaction
	OAuthTxTTL time.Duration // OAuthTransactionの有効期間

	// Post-sync trigger
	ConflictCheckURL  string // 同期成功後に叩く競合チェックのURL。空なら無効
	ConflictCheckDays int    // 競合チェック対象の日数範囲

	// Calendar connect
	CalendarRedirectURL string // カレンダー接続OAuthのリダイレクトURL

	// ICS import
	ICSFetchTimeout time.Duration
	ICSMaxSize      int64

	// Rate Limit
	RateLimitGeneral int

	// Audit
	AuditRetentionDays int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	encKey := os.Getenv("TOKEN_ENC_KEY")
	if encKey == "" {
		missing = append(missing, "TOKEN_ENC_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// 鍵長の検証。AES-256-GCMのため32バイト固定とする。
	if len(encKey) != 32 {
		return nil, fmt.Errorf("TOKEN_ENC_KEY must be exactly 32 bytes, got %d", len(encKey))
	}
	cfg.TokenEncKey = []byte(encKey)

	// Optional fields with defaults
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.SyncCooldown = getEnvDuration("SYNC_COOLDOWN", 5*time.Minute)
	cfg.SyncWindowPast = getEnvDuration("SYNC_WINDOW_PAST", 30*24*time.Hour)
	cfg.SyncWindowFuture = getEnvDuration("SYNC_WINDOW_FUTURE", 60*24*time.Hour)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.SyncMaxConcurrent = getEnvInt("SYNC_MAX_CONCURRENT", 10)
	cfg.WorkerInterval = getEnvDuration("WORKER_INTERVAL", 5*time.Minute)
	cfg.OAuthTxTTL = getEnvDuration("OAUTH_TX_TTL", 10*time.Minute)
	cfg.ConflictCheckURL = getEnvString("CONFLICT_CHECK_URL", "")
	cfg.ConflictCheckDays = getEnvInt("CONFLICT_CHECK_DAYS", 14)
	cfg.CalendarRedirectURL = getEnvString("CALENDAR_REDIRECT_URL", cfg.BaseURL+"/calendar/oauth/callback")
	cfg.ICSFetchTimeout = getEnvDuration("ICS_FETCH_TIMEOUT", 10*time.Second)
	cfg.ICSMaxSize = getEnvInt64("ICS_MAX_SIZE", 5242880)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.AuditRetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", 90)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
