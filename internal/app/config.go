package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Corval backend.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Mail        MailConfig        `mapstructure:"mail"`
	Assist      AssistConfig      `mapstructure:"assist"`
	Plugins     PluginConfig      `mapstructure:"plugins"`
	Automation  AutomationConfig  `mapstructure:"automation"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Node        NodeConfig        `mapstructure:"node"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int        `mapstructure:"port"`
	LogLevel string     `mapstructure:"log_level"`
	BaseURL  string     `mapstructure:"base_url"`
	CSRF     CSRFConfig `mapstructure:"csrf"`
}

// CSRFConfig controls CSRF protection middleware.
type CSRFConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// VaultConfig holds the encryption settings for secrets at rest. The key
// protects provider credentials, MFA seeds, and anything else the services
// seal before writing to the database.
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	Algorithm     string `mapstructure:"algorithm"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT     JWTSettings       `mapstructure:"jwt"`
	Session SessionSettings   `mapstructure:"session"`
	MFA     MFASettings       `mapstructure:"mfa"`
	Local   LocalAuthSettings `mapstructure:"local"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// SessionSettings configures refresh tokens and session lifetimes.
type SessionSettings struct {
	RefreshTTL    time.Duration `mapstructure:"refresh_token_ttl"`
	RefreshLength int           `mapstructure:"refresh_token_length"`
}

// MFASettings configures TOTP enrolment.
type MFASettings struct {
	Issuer          string `mapstructure:"issuer"`
	BackupCodeCount int    `mapstructure:"backup_code_count"`
}

// LocalAuthSettings defines controls for the local auth provider.
type LocalAuthSettings struct {
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// MailConfig captures outbound email settings.
type MailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AssistConfig wires the AI gateway, its providers, and retrieval tuning.
type AssistConfig struct {
	Providers []AssistProviderConfig `mapstructure:"providers"`
	Gateway   AssistGatewayConfig    `mapstructure:"gateway"`
	Retrieval RetrievalConfig        `mapstructure:"retrieval"`
	Chat      AssistChatConfig       `mapstructure:"chat"`
}

// AssistProviderConfig describes one model provider in fallback order.
type AssistProviderConfig struct {
	Type       string        `mapstructure:"type"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	ChatModel  string        `mapstructure:"chat_model"`
	EmbedModel string        `mapstructure:"embed_model"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AssistGatewayConfig tunes circuit breaking and retries across providers.
type AssistGatewayConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenFor          time.Duration `mapstructure:"open_for"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
}

// RetrievalConfig tunes document chunking, embedding, and ranking.
type RetrievalConfig struct {
	TopK             int     `mapstructure:"top_k"`
	MinScore         float64 `mapstructure:"min_score"`
	CandidateLimit   int     `mapstructure:"candidate_limit"`
	ChunkTokens      int     `mapstructure:"chunk_tokens"`
	ChunkOverlap     int     `mapstructure:"chunk_overlap"`
	EmbedConcurrency int     `mapstructure:"embed_concurrency"`
}

// AssistChatConfig shapes completion requests sent through the gateway.
type AssistChatConfig struct {
	HistoryLimit int     `mapstructure:"history_limit"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	Temperature  float32 `mapstructure:"temperature"`
	Preamble     string  `mapstructure:"preamble"`
}

// PluginConfig bounds sandboxed plugin execution.
type PluginConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxSourceBytes int           `mapstructure:"max_source_bytes"`
}

// AutomationConfig bounds automation rule scripts.
type AutomationConfig struct {
	Timeout                time.Duration `mapstructure:"timeout"`
	MaxScriptBytes         int           `mapstructure:"max_script_bytes"`
	MaxAllocs              int64         `mapstructure:"max_allocs"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus    PrometheusConfig `mapstructure:"prometheus"`
	Health        HealthConfig     `mapstructure:"health_check"`
	AlertInterval time.Duration    `mapstructure:"alert_interval"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MaintenanceConfig controls the background cleaner.
type MaintenanceConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	AuditRetentionDays int           `mapstructure:"audit_retention_days"`
	ConversationIdle   time.Duration `mapstructure:"conversation_idle"`
}

// RateLimitConfig bounds unauthenticated request bursts per client address.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// NodeConfig identifies this process in snowflake request ids.
type NodeConfig struct {
	ID int64 `mapstructure:"id"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("CORVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.csrf.enabled", true)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/corval.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("vault.algorithm", "aes-256-gcm")

	v.SetDefault("auth.jwt.issuer", "corval")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.session.refresh_token_ttl", "720h") // 30 days
	v.SetDefault("auth.session.refresh_token_length", 48)
	v.SetDefault("auth.mfa.issuer", "Corval")
	v.SetDefault("auth.mfa.backup_code_count", 10)
	v.SetDefault("auth.local.lockout_threshold", 5)
	v.SetDefault("auth.local.lockout_duration", "15m")

	v.SetDefault("mail.smtp.enabled", false)
	v.SetDefault("mail.smtp.host", "")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.use_tls", true)
	v.SetDefault("mail.smtp.timeout", "10s")

	v.SetDefault("assist.gateway.failure_threshold", 3)
	v.SetDefault("assist.gateway.open_for", "30s")
	v.SetDefault("assist.gateway.retry_attempts", 2)
	v.SetDefault("assist.gateway.retry_base_delay", "200ms")
	v.SetDefault("assist.gateway.retry_max_delay", "2s")
	v.SetDefault("assist.retrieval.top_k", 5)
	v.SetDefault("assist.retrieval.min_score", 0.25)
	v.SetDefault("assist.retrieval.candidate_limit", 200)
	v.SetDefault("assist.retrieval.chunk_tokens", 400)
	v.SetDefault("assist.retrieval.chunk_overlap", 40)
	v.SetDefault("assist.retrieval.embed_concurrency", 4)
	v.SetDefault("assist.chat.history_limit", 10)
	v.SetDefault("assist.chat.max_tokens", 1024)
	v.SetDefault("assist.chat.temperature", 0.2)

	v.SetDefault("plugins.timeout", "5s")
	v.SetDefault("plugins.max_source_bytes", 65536)

	v.SetDefault("automation.timeout", "5s")
	v.SetDefault("automation.max_script_bytes", 32768)
	v.SetDefault("automation.max_allocs", 100000)
	v.SetDefault("automation.max_consecutive_failures", 5)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
	v.SetDefault("monitoring.alert_interval", "30s")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.audit_retention_days", 90)
	v.SetDefault("maintenance.conversation_idle", "720h")

	v.SetDefault("rate_limit.requests", 100)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("node.id", 1)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
