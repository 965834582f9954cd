package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Session   SessionConfig   `mapstructure:"session"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	// URL empty means no Redis: cache-tier operations become no-ops and
	// budget reads fall back to the database.
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AdminConfig struct {
	// APIKey is the master credential for /api/admin and the CLI. Empty
	// disables the admin surface entirely.
	APIKey string `mapstructure:"api_key"`
}

type BudgetConfig struct {
	// DefaultUSD applies to tenants with no budget rows, once per default
	// period.
	DefaultUSD float64 `mapstructure:"default_usd"`
	// Periods are the recurring periods enforced by default
	// (subset of daily, monthly).
	Periods []string `mapstructure:"periods"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type SessionConfig struct {
	// TTL bounds how long an idle session stays resolvable from cache.
	TTL time.Duration `mapstructure:"ttl"`
}

type ProvidersConfig struct {
	OpenAIKey    string        `mapstructure:"openai_key"`
	AnthropicKey string        `mapstructure:"anthropic_key"`
	GoogleKey    string        `mapstructure:"google_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	// Base URL overrides, for proxies and compatible endpoints. Empty
	// means the provider's public API.
	OpenAIBaseURL    string `mapstructure:"openai_base_url"`
	AnthropicBaseURL string `mapstructure:"anthropic_base_url"`
	GoogleBaseURL    string `mapstructure:"google_base_url"`
}

type PolicyConfig struct {
	// URL of the external rule engine webhook. Empty means allow-all.
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WorkerConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Block         time.Duration `mapstructure:"block"`
	StreamMaxLen  int64         `mapstructure:"stream_max_len"`
	ConsumerGroup string        `mapstructure:"consumer_group"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/tollgate")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	cfg = &config
	return cfg, nil
}

// ActivePeriods returns the configured default periods, normalized.
// Custom never appears here: custom budgets are always explicit rows.
func (c *BudgetConfig) ActivePeriods() []string {
	out := make([]string, 0, len(c.Periods))
	for _, p := range c.Periods {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "daily" || p == "monthly" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		out = []string{"daily", "monthly"}
	}
	return out
}

func validate(c *Config) error {
	if c.Budget.DefaultUSD < 0 {
		return fmt.Errorf("budget.default_usd must not be negative")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	// Budget defaults
	viper.SetDefault("budget.default_usd", 100.0)
	viper.SetDefault("budget.periods", []string{"daily", "monthly"})

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.requests_per_minute", 600)

	// Session defaults
	viper.SetDefault("session.ttl", "24h")

	// Provider defaults
	viper.SetDefault("providers.timeout", "30s")

	// Policy defaults
	viper.SetDefault("policy.timeout", "3s")

	// Worker defaults
	viper.SetDefault("worker.batch_size", 128)
	viper.SetDefault("worker.block", "5s")
	viper.SetDefault("worker.stream_max_len", 100000)
	viper.SetDefault("worker.consumer_group", "ledger-workers")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "")

	// CORS defaults
	viper.SetDefault("cors.allowed_origins", []string{"*"})
	viper.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("cors.allowed_headers", []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-Id"})
	viper.SetDefault("cors.exposed_headers", []string{"Retry-After"})
	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.idle_timeout", "SERVER_IDLE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")
	viper.BindEnv("database.max_idle_connections", "DATABASE_MAX_IDLE_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Admin
	viper.BindEnv("admin.api_key", "ADMIN_API_KEY")

	// Budget
	viper.BindEnv("budget.default_usd", "DEFAULT_BUDGET_USD")
	viper.BindEnv("budget.periods", "BUDGET_PERIODS")

	// Rate limiting
	viper.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	viper.BindEnv("rate_limit.requests_per_minute", "MAX_REQS_PER_MIN")

	// Session
	viper.BindEnv("session.ttl", "SESSION_TTL")

	// Providers
	viper.BindEnv("providers.openai_key", "OPENAI_API_KEY")
	viper.BindEnv("providers.anthropic_key", "ANTHROPIC_API_KEY")
	viper.BindEnv("providers.google_key", "GOOGLE_API_KEY")
	viper.BindEnv("providers.timeout", "PROVIDER_TIMEOUT")

	// Policy
	viper.BindEnv("policy.url", "POLICY_URL")
	viper.BindEnv("policy.timeout", "POLICY_TIMEOUT")

	// Worker
	viper.BindEnv("worker.batch_size", "WORKER_BATCH_SIZE")
	viper.BindEnv("worker.block", "WORKER_BLOCK")
	viper.BindEnv("worker.stream_max_len", "WORKER_STREAM_MAX_LEN")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
	viper.BindEnv("cors.allowed_methods", "CORS_ALLOWED_METHODS")
	viper.BindEnv("cors.allowed_headers", "CORS_ALLOWED_HEADERS")
}

func Get() *Config {
	return cfg
}
