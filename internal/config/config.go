// Package config はアプリケーション設定の読み込みと検証を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Mastodon
	MastodonInstanceURL string
	MastodonAccessToken string
	PostVisibility      string
	PostCharLimit       int

	// Feeds
	FeedURLs     []string
	PollInterval time.Duration
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Teaser
	CohereAPIKey      string
	TeaserMaxLength   int
	GenerationTimeout time.Duration
	DefaultTags       []string

	// Publish
	PostInterval       time.Duration
	PostMinSpacing     time.Duration
	PublishMaxAttempts int
	PublishBackoffBase time.Duration
	PublishTimeout     time.Duration

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Worker
	MetricsPort string
}

// validVisibilities はMastodonが受け付ける投稿の公開範囲。
var validVisibilities = map[string]bool{
	"public":   true,
	"unlisted": true,
	"private":  true,
	"direct":   true,
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（未設定の変数のみ反映される）。
// 必須環境変数の欠落、および非正のインターバル値は起動時エラーとして返す。
func Load() (*Config, error) {
	// .envはローカル開発用。存在しなくてもエラーにしない。
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.MastodonInstanceURL = os.Getenv("MASTODON_INSTANCE_URL")
	if cfg.MastodonInstanceURL == "" {
		missing = append(missing, "MASTODON_INSTANCE_URL")
	}

	cfg.MastodonAccessToken = os.Getenv("MASTODON_ACCESS_TOKEN")
	if cfg.MastodonAccessToken == "" {
		missing = append(missing, "MASTODON_ACCESS_TOKEN")
	}

	feeds := os.Getenv("RSS_FEEDS")
	if feeds == "" {
		missing = append(missing, "RSS_FEEDS")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.FeedURLs = splitAndTrim(feeds)
	if len(cfg.FeedURLs) == 0 {
		return nil, fmt.Errorf("RSS_FEEDS contains no valid feed URLs")
	}

	// Optional fields with defaults
	cfg.CohereAPIKey = os.Getenv("COHERE_API_KEY")
	cfg.PostVisibility = getEnvString("POST_VISIBILITY", "private")
	cfg.PostCharLimit = getEnvInt("POST_CHAR_LIMIT", 500)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", 30*time.Minute)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.TeaserMaxLength = getEnvInt("TEASER_MAX_LENGTH", 200)
	cfg.GenerationTimeout = getEnvDuration("GENERATION_TIMEOUT", 30*time.Second)
	cfg.DefaultTags = splitAndTrim(getEnvString("DEFAULT_TAGS", ""))
	cfg.PostInterval = getEnvDuration("POST_INTERVAL", time.Minute)
	cfg.PostMinSpacing = getEnvDuration("POST_MIN_SPACING", 15*time.Minute)
	cfg.PublishMaxAttempts = getEnvInt("PUBLISH_MAX_ATTEMPTS", 5)
	cfg.PublishBackoffBase = getEnvDuration("PUBLISH_BACKOFF_BASE", 2*time.Minute)
	cfg.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT", 15*time.Second)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9091")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate はスケジューリング関連の設定値を検証する。
// 非正の値は設定ミスとして起動を中断させる。
func (c *Config) validate() error {
	positive := []struct {
		name  string
		value time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"POST_INTERVAL", c.PostInterval},
		{"POST_MIN_SPACING", c.PostMinSpacing},
		{"PUBLISH_BACKOFF_BASE", c.PublishBackoffBase},
		{"FETCH_TIMEOUT", c.FetchTimeout},
		{"GENERATION_TIMEOUT", c.GenerationTimeout},
		{"PUBLISH_TIMEOUT", c.PublishTimeout},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %v", p.name, p.value)
		}
	}

	if c.PublishMaxAttempts <= 0 {
		return fmt.Errorf("PUBLISH_MAX_ATTEMPTS must be positive, got %d", c.PublishMaxAttempts)
	}
	if c.TeaserMaxLength <= 0 {
		return fmt.Errorf("TEASER_MAX_LENGTH must be positive, got %d", c.TeaserMaxLength)
	}
	if c.PostCharLimit <= 0 {
		return fmt.Errorf("POST_CHAR_LIMIT must be positive, got %d", c.PostCharLimit)
	}
	if c.FetchMaxSize <= 0 {
		return fmt.Errorf("FETCH_MAX_SIZE must be positive, got %d", c.FetchMaxSize)
	}
	if !validVisibilities[c.PostVisibility] {
		return fmt.Errorf("POST_VISIBILITY must be one of public/unlisted/private/direct, got %q", c.PostVisibility)
	}

	return nil
}

// splitAndTrim はカンマ区切り文字列を空要素を除いたスライスに分解する。
func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
