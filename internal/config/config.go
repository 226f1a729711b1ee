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
	"gopkg.in/yaml.v3"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// セッション
	SessionSecret string // セッション署名用の秘密鍵

	// 解析サービス
	AnalysisAPIURL     string        // 例: http://localhost:8000/api/v1
	AnalysisAPITimeout time.Duration // 1 リクエストあたりのタイムアウト

	// キューポリシー
	MaxFiles          int      // キューに保持できるファイル数
	MaxFileSize       int64    // 単一ファイルの最大サイズ（バイト）
	AcceptedFormats   []string // 受け付ける拡張子
	ProgressTick      time.Duration
	UploadConcurrency int // 同時アップロード数（1 = 逐次）

	// ジョブ/キュー設定
	QueueRedisURL    string // Asynq用Redis接続URL
	JobExpireMinutes int    // ジョブ記録の有効期限（分）
	AsyncAnalysis    bool   // true の場合 /intake/analyze は asynq に投入する

	// ステージング
	StagingDir string // アップロードされたファイルの一時保存先
}

// Policy は YAML で上書きできるキューポリシーです。
type Policy struct {
	MaxFiles          *int     `yaml:"max_files"`
	MaxFileSize       *int64   `yaml:"max_file_size"`
	AcceptedFormats   []string `yaml:"accepted_formats"`
	ProgressTickMS    *int     `yaml:"progress_tick_ms"`
	UploadConcurrency *int     `yaml:"upload_concurrency"`
	AnalysisAPIURL    string   `yaml:"analysis_api_url"`
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
// INTAKE_CONFIG_FILE が指定されていれば YAML のポリシーで上書きします。
func Load() (*Config, error) {
	LoadEnvFile()

	config := FromEnv()
	if path := getEnv("INTAKE_CONFIG_FILE", ""); path != "" {
		if err := config.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// FromEnv は .env を読まずに現在の環境変数だけから設定を組み立てます。
func FromEnv() *Config {
	return &Config{
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		SessionSecret:      getEnv("SESSION_SECRET", ""),

		AnalysisAPIURL:     getEnv("ANALYSIS_API_URL", "http://localhost:8000/api/v1"),
		AnalysisAPITimeout: getEnvAsDuration("ANALYSIS_API_TIMEOUT", 10*time.Minute),

		MaxFiles:          getEnvAsInt("MAX_FILES", 10),
		MaxFileSize:       getEnvAsInt64("MAX_FILE_SIZE", 500*1024*1024), // 500MB
		AcceptedFormats:   getEnvAsList("ACCEPTED_FORMATS", []string{"mp3", "wav", "m4a", "mp4", "webm", "mov", "txt"}),
		ProgressTick:      time.Duration(getEnvAsInt("PROGRESS_TICK_MS", 220)) * time.Millisecond,
		UploadConcurrency: getEnvAsInt("UPLOAD_CONCURRENCY", 1),

		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 30),
		AsyncAnalysis:    getEnvAsBool("ASYNC_ANALYSIS", false),

		StagingDir: getEnv("STAGING_DIR", filepath.Join(os.TempDir(), "call-intake")),
	}
}

// ApplyFile は YAML ファイルのポリシーで設定を上書きします。
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.ApplyPolicy(policy)
	return nil
}

// ApplyPolicy は指定されたフィールドのみ上書きします。
func (c *Config) ApplyPolicy(p Policy) {
	if p.MaxFiles != nil {
		c.MaxFiles = *p.MaxFiles
	}
	if p.MaxFileSize != nil {
		c.MaxFileSize = *p.MaxFileSize
	}
	if len(p.AcceptedFormats) > 0 {
		c.AcceptedFormats = normalizeFormats(p.AcceptedFormats)
	}
	if p.ProgressTickMS != nil {
		c.ProgressTick = time.Duration(*p.ProgressTickMS) * time.Millisecond
	}
	if p.UploadConcurrency != nil {
		c.UploadConcurrency = *p.UploadConcurrency
	}
	if p.AnalysisAPIURL != "" {
		c.AnalysisAPIURL = p.AnalysisAPIURL
	}
}

// JobTTL はジョブ記録の保持期間です。
func (c *Config) JobTTL() time.Duration {
	minutes := c.JobExpireMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}

// LoadEnvFile はカレントディレクトリか親ディレクトリの .env.local を環境変数へ読み込みます。
// 既に設定されている環境変数は上書きしません。
func LoadEnvFile() {
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
	if c.MaxFiles <= 0 {
		return fmt.Errorf("MAX_FILES must be positive (got %d)", c.MaxFiles)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive (got %d)", c.MaxFileSize)
	}
	if c.ProgressTick <= 0 {
		return fmt.Errorf("PROGRESS_TICK_MS must be positive")
	}
	if c.UploadConcurrency < 1 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be at least 1 (got %d)", c.UploadConcurrency)
	}
	if len(c.AcceptedFormats) == 0 {
		return fmt.Errorf("ACCEPTED_FORMATS must not be empty")
	}
	if c.AnalysisAPIURL == "" {
		return fmt.Errorf("ANALYSIS_API_URL is required")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.AsyncAnalysis && c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when ASYNC_ANALYSIS is enabled")
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

// getEnvAsDuration は "90s" 形式、または秒数として解釈します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

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

// getEnvAsList はカンマ区切りの値を小文字の一覧として取得します。
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	list := normalizeFormats(strings.Split(valueStr, ","))
	if len(list) == 0 {
		return defaultValue
	}
	return list
}

func normalizeFormats(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "."))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
