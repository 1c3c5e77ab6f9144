package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/coinsentry/coinsentry-go/internal/models"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Upstream    UpstreamConfig   `mapstructure:"upstream"`
	Inference   InferenceConfig  `mapstructure:"inference"`
	Telegram    TelegramConfig   `mapstructure:"telegram"`
	Pipeline    PipelineConfig   `mapstructure:"pipeline"`
	Symbols     []models.Symbol  `mapstructure:"symbols"`
	AlertRules  []RuleConfig     `mapstructure:"alert_rules"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type UpstreamConfig struct {
	ServiceURL string        `mapstructure:"service_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type InferenceConfig struct {
	ServiceURL  string        `mapstructure:"service_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// PipelineConfig drives the scheduler and the staleness/backoff behavior
// of the pipeline stages.
type PipelineConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	TickDeadline      time.Duration `mapstructure:"tick_deadline"`
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	StalenessBound    time.Duration `mapstructure:"staleness_bound"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	MaxRetries        int           `mapstructure:"max_retries"`
	OHLCVLimit        int           `mapstructure:"ohlcv_limit"`
	AnalysisCacheTTL  time.Duration `mapstructure:"analysis_cache_ttl"`
	DefaultCooldown   time.Duration `mapstructure:"default_cooldown"`
	DispatchAttempts  int           `mapstructure:"dispatch_attempts"`
}

// RuleConfig is the on-disk shape of an alert rule. Threshold is kept as a
// string so operators can write exact decimal values in yaml.
type RuleConfig struct {
	ID             string        `mapstructure:"id"`
	Symbol         string        `mapstructure:"symbol"`
	MetricPath     string        `mapstructure:"metric_path"`
	Comparator     string        `mapstructure:"comparator"`
	Threshold      string        `mapstructure:"threshold"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	StalenessBound time.Duration `mapstructure:"staleness_bound"`
	Enabled        bool          `mapstructure:"enabled"`
}

// Load reads configuration from ./configs/config.yaml (or the working
// directory) with environment variable overrides and full defaults.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if config.Pipeline.WorkerPoolSize < 0 {
		return nil, fmt.Errorf("worker_pool_size must be >= 0, got %d", config.Pipeline.WorkerPoolSize)
	}
	if config.Pipeline.PollInterval <= 0 {
		return nil, fmt.Errorf("poll_interval must be positive, got %s", config.Pipeline.PollInterval)
	}

	return &config, nil
}

// Rules converts the configured rule set into model rules, applying the
// pipeline-level defaults for unset cooldown and staleness bounds.
func (c *Config) Rules() ([]models.AlertRule, error) {
	rules := make([]models.AlertRule, 0, len(c.AlertRules))
	for _, rc := range c.AlertRules {
		threshold, err := decimal.NewFromString(rc.Threshold)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid threshold %q: %w", rc.ID, rc.Threshold, err)
		}
		cooldown := rc.Cooldown
		if cooldown <= 0 {
			cooldown = c.Pipeline.DefaultCooldown
		}
		staleness := rc.StalenessBound
		if staleness <= 0 {
			staleness = c.Pipeline.StalenessBound
		}
		rules = append(rules, models.AlertRule{
			ID:             rc.ID,
			Symbol:         rc.Symbol,
			MetricPath:     rc.MetricPath,
			Comparator:     models.Comparator(rc.Comparator),
			Threshold:      threshold,
			Cooldown:       cooldown,
			StalenessBound: staleness,
			Enabled:        rc.Enabled,
		})
	}
	return rules, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "coinsentry")
	viper.SetDefault("database.sslmode", "disable")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("upstream.service_url", "http://localhost:3001")
	viper.SetDefault("upstream.timeout", "15s")

	viper.SetDefault("inference.service_url", "http://localhost:11434")
	viper.SetDefault("inference.model", "llama3.1:8b")
	viper.SetDefault("inference.temperature", 0.1)
	viper.SetDefault("inference.timeout", "30s")

	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.chat_id", 0)

	viper.SetDefault("pipeline.poll_interval", "5m")
	viper.SetDefault("pipeline.tick_deadline", "2m")
	viper.SetDefault("pipeline.worker_pool_size", 0) // 0 = size from host CPU count
	viper.SetDefault("pipeline.staleness_bound", "10m")
	viper.SetDefault("pipeline.backoff_base", "5s")
	viper.SetDefault("pipeline.backoff_max", "5m")
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.ohlcv_limit", 100)
	viper.SetDefault("pipeline.analysis_cache_ttl", "5m")
	viper.SetDefault("pipeline.default_cooldown", "5m")
	viper.SetDefault("pipeline.dispatch_attempts", 3)

	viper.SetDefault("symbols", []map[string]interface{}{
		{"name": "BTC/USDT", "display_name": "Bitcoin", "timeframe": "1h"},
	})
}
