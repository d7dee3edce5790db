// Package config loads configuration from environment variables.
// Runtime settings stored in SQLite are merged over these defaults at
// read time by the settings service; env is the base layer.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	AppEnv string // dev | prod

	Server      ServerConfig
	Database    DatabaseConfig
	Security    SecurityConfig
	Pixiv       PixivConfig
	Imgproxy    ImgproxyConfig
	Random      RandomConfig
	Worker      WorkerConfig
	PublicKeys  PublicKeyConfig
	LogRotation LogRotationConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host     string
	Port     int
	LogLevel string
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	URL           string // file path or file: DSN
	BusyTimeoutMS int
	MaxOpenConns  int
}

// SecurityConfig holds admin auth and field-encryption settings.
type SecurityConfig struct {
	SecretKey              string
	AdminUsername          string
	AdminPassword          string
	FieldEncryptionKey     string // base64, 32 bytes decoded
	FieldEncryptionKeyFile string
	AdminTokenTTLHours     int
}

// PixivConfig holds upstream OAuth client settings.
type PixivConfig struct {
	OAuthClientID     string
	OAuthClientSecret string
	OAuthHashSecret   string
	TokenStrategy     string // round_robin | least_error | weighted
}

// ImgproxyConfig holds imgproxy URL signing settings.
type ImgproxyConfig struct {
	BaseURL        string
	KeyHex         string
	SaltHex        string
	MaxDim         int
	DefaultOptions string
	URLChunkSize   int
}

// RandomConfig holds /random defaults, overridable via runtime settings.
type RandomConfig struct {
	Attempts       int
	R18Strict      bool
	FailCooldownMS int64
	Strategy       string // default | quality
	QualitySamples int
	HideOriginURL  bool
}

// WorkerConfig holds worker loop settings.
type WorkerConfig struct {
	Enabled               bool
	PollIntervalMS        int
	LockTTLSeconds        int
	BatchSize             int
	HeartbeatStaleSeconds int
	RequestLogRetainDays  int
}

// PublicKeyConfig holds public API-key enforcement settings.
type PublicKeyConfig struct {
	Required     bool
	DefaultRPM   int
	DefaultBurst int
}

// LogRotationConfig holds log rotation settings powered by lumberjack.
type LogRotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads configuration from the environment over defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv: getEnvStr("APP_ENV", "dev"),
		Server: ServerConfig{
			Host:     getEnvStr("HOST", "0.0.0.0"),
			Port:     getEnvInt("PORT", 8000),
			LogLevel: getEnvStr("LOG_LEVEL", "INFO"),
		},
		Database: DatabaseConfig{
			URL:           getEnvStr("DATABASE_URL", "./data/pixrand.db"),
			BusyTimeoutMS: getEnvInt("SQLITE_BUSY_TIMEOUT_MS", 30000),
			MaxOpenConns:  getEnvInt("SQLITE_MAX_OPEN_CONNS", 5),
		},
		Security: SecurityConfig{
			SecretKey:              getEnvStr("SECRET_KEY", ""),
			AdminUsername:          getEnvStr("ADMIN_USERNAME", "admin"),
			AdminPassword:          getEnvStr("ADMIN_PASSWORD", ""),
			FieldEncryptionKey:     getEnvStr("FIELD_ENCRYPTION_KEY", ""),
			FieldEncryptionKeyFile: getEnvStr("FIELD_ENCRYPTION_KEY_FILE", ""),
			AdminTokenTTLHours:     getEnvInt("ADMIN_TOKEN_TTL_HOURS", 1),
		},
		Pixiv: PixivConfig{
			OAuthClientID:     getEnvStr("PIXIV_OAUTH_CLIENT_ID", ""),
			OAuthClientSecret: getEnvStr("PIXIV_OAUTH_CLIENT_SECRET", ""),
			OAuthHashSecret:   getEnvStr("PIXIV_OAUTH_HASH_SECRET", ""),
			TokenStrategy:     getEnvStr("PIXIV_TOKEN_STRATEGY", "round_robin"),
		},
		Imgproxy: ImgproxyConfig{
			BaseURL:        getEnvStr("IMGPROXY_BASE_URL", ""),
			KeyHex:         getEnvStr("IMGPROXY_KEY", ""),
			SaltHex:        getEnvStr("IMGPROXY_SALT", ""),
			MaxDim:         getEnvInt("IMGPROXY_MAX_DIM", 2048),
			DefaultOptions: getEnvStr("IMGPROXY_DEFAULT_OPTIONS", ""),
			URLChunkSize:   getEnvInt("IMGPROXY_URL_CHUNK_SIZE", 16),
		},
		Random: RandomConfig{
			Attempts:       getEnvInt("RANDOM_ATTEMPTS", 3),
			R18Strict:      getEnvBool("RANDOM_R18_STRICT", false),
			FailCooldownMS: int64(getEnvInt("RANDOM_FAIL_COOLDOWN_MS", 300000)),
			Strategy:       getEnvStr("RANDOM_STRATEGY", "default"),
			QualitySamples: getEnvInt("RANDOM_QUALITY_SAMPLES", 8),
			HideOriginURL:  getEnvBool("RANDOM_HIDE_ORIGIN_URL", true),
		},
		Worker: WorkerConfig{
			Enabled:               getEnvBool("WORKER_ENABLED", true),
			PollIntervalMS:        getEnvInt("WORKER_POLL_INTERVAL_MS", 1000),
			LockTTLSeconds:        getEnvInt("WORKER_LOCK_TTL_SECONDS", 300),
			BatchSize:             getEnvInt("WORKER_BATCH_SIZE", 4),
			HeartbeatStaleSeconds: clampInt(getEnvInt("WORKER_HEARTBEAT_STALE_SECONDS", 60), 1, 86400),
			RequestLogRetainDays:  getEnvInt("REQUEST_LOG_RETAIN_DAYS", 14),
		},
		PublicKeys: PublicKeyConfig{
			Required:     getEnvBool("PUBLIC_API_KEY_REQUIRED", false),
			DefaultRPM:   getEnvInt("PUBLIC_API_KEY_RPM", 60),
			DefaultBurst: getEnvInt("PUBLIC_API_KEY_BURST", 10),
		},
		LogRotation: LogRotationConfig{
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ConfigError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.AppEnv != "dev" && c.AppEnv != "prod" {
		return &ConfigError{Field: "app_env", Message: "must be dev or prod"}
	}
	if c.AppEnv == "prod" {
		if c.Security.SecretKey == "" {
			return &ConfigError{Field: "security.secret_key", Message: "SECRET_KEY is required in prod"}
		}
		if c.Security.AdminPassword == "" {
			return &ConfigError{Field: "security.admin_password", Message: "ADMIN_PASSWORD is required in prod"}
		}
	}
	return nil
}

// HasOAuthCredentials reports whether the upstream app-API can be called.
func (c *Config) HasOAuthCredentials() bool {
	return c.Pixiv.OAuthClientID != "" && c.Pixiv.OAuthClientSecret != ""
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Helper functions for environment variable parsing.

func getEnvStr(key, defaultVal string) string {
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
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "on"
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
