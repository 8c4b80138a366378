package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Workers   WorkerConfig
	Triggers  TriggerConfig
	WebSocket WebSocketConfig
	Admin     AdminConfig
	Secrets   SecretsConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
	Testing     bool
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// LLMConfig holds model invocation settings.
// Streaming is read at invocation time, never cached on a constructed client.
type LLMConfig struct {
	DefaultModel string
	Streaming    bool
	MaxTokens    int
}

// WorkerConfig holds background worker settings
type WorkerConfig struct {
	ArtifactsDir       string
	CheckInterval      time.Duration
	MonitorTimeout     time.Duration
	SlowThreshold      time.Duration
	CancelStuckAfter   time.Duration
	NoProgressPolls    int
}

// TriggerConfig holds trigger ingestion settings
type TriggerConfig struct {
	GmailPollInterval time.Duration
	GmailTokenTTL     time.Duration
	GmailWatchRenewIn time.Duration
}

// WebSocketConfig holds websocket protocol settings
type WebSocketConfig struct {
	EnvelopeVersion int
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
}

// AdminConfig holds admin surface settings
type AdminConfig struct {
	Emails          []string
	MaxUsers        int
	DBResetPassword string
}

// SecretsConfig holds the symmetric key used to encrypt credentials at rest
type SecretsConfig struct {
	// Key is 32 bytes, supplied hex-encoded via SECRETS_KEY
	Key [32]byte
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
			Testing:     getEnvBool("TESTING", false),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "agentd"),
			User:        getEnv("POSTGRES_USER", "agentd"),
			Password:    getEnv("POSTGRES_PASSWORD", "agentd"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		LLM: LLMConfig{
			DefaultModel: getEnv("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
			Streaming:    getEnvBool("LLM_STREAMING", true),
			MaxTokens:    getEnvInt("LLM_MAX_TOKENS", 4096),
		},
		Workers: WorkerConfig{
			ArtifactsDir:     getEnv("WORKER_ARTIFACTS_DIR", "/var/lib/agentd/workers"),
			CheckInterval:    getEnvDuration("WORKER_CHECK_INTERVAL", 5*time.Second),
			MonitorTimeout:   getEnvDuration("WORKER_MONITOR_TIMEOUT", 300*time.Second),
			SlowThreshold:    getEnvDuration("WORKER_SLOW_THRESHOLD", 30*time.Second),
			CancelStuckAfter: getEnvDuration("WORKER_CANCEL_STUCK_AFTER", 60*time.Second),
			NoProgressPolls:  getEnvInt("WORKER_NO_PROGRESS_POLLS", 6),
		},
		Triggers: TriggerConfig{
			GmailPollInterval: getEnvDuration("GMAIL_POLL_INTERVAL", 10*time.Minute),
			GmailTokenTTL:     getEnvDuration("GMAIL_TOKEN_TTL", 55*time.Minute),
			GmailWatchRenewIn: getEnvDuration("GMAIL_WATCH_RENEW_IN", 24*time.Hour),
		},
		WebSocket: WebSocketConfig{
			EnvelopeVersion: getEnvInt("WS_ENVELOPE_VERSION", 1),
			PingPeriod:      getEnvDuration("WS_PING_PERIOD", 25*time.Second),
			PongWait:        getEnvDuration("WS_PONG_WAIT", 30*time.Second),
			WriteWait:       getEnvDuration("WS_WRITE_WAIT", 10*time.Second),
		},
		Admin: AdminConfig{
			Emails:          getEnvSlice("ADMIN_EMAILS", nil),
			MaxUsers:        getEnvInt("MAX_USERS", 0),
			DBResetPassword: getEnv("DB_RESET_PASSWORD", ""),
		},
	}

	keyHex := getEnv("SECRETS_KEY", "")
	if keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("SECRETS_KEY must be 32 hex-encoded bytes")
		}
		copy(cfg.Secrets.Key[:], raw)
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Workers.NoProgressPolls < 1 {
		return fmt.Errorf("worker no-progress poll count must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// IsAdminEmail reports whether an email is on the configured admin list.
// Comparison is case-insensitive to match the unique-email invariant.
func (c *Config) IsAdminEmail(email string) bool {
	for _, admin := range c.Admin.Emails {
		if strings.EqualFold(admin, email) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
