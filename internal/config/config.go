package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Dashboard  DashboardConfig  `yaml:"dashboard" mapstructure:"dashboard"`
	Bank       BankConfig       `yaml:"bank" mapstructure:"bank"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// MonitoringConfig configures the background health checker and its
// alert thresholds.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MatchRateThreshold   float64 `yaml:"match_rate_threshold" mapstructure:"match_rate_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// DashboardConfig holds host dashboard scrape settings.
type DashboardConfig struct {
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	SessionToken string  `yaml:"session_token" mapstructure:"session_token"`
	AccountID    string  `yaml:"account_id" mapstructure:"account_id"`
	PageSize     int     `yaml:"page_size" mapstructure:"page_size"`
	RateRPS      float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
	RateBurst    int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// BankConfig holds bank transaction feed settings.
type BankConfig struct {
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	ClientID     string  `yaml:"client_id" mapstructure:"client_id"`
	Secret       string  `yaml:"secret" mapstructure:"secret"`
	AccessToken  string  `yaml:"access_token" mapstructure:"access_token"`
	AccountRef   string  `yaml:"account_ref" mapstructure:"account_ref"`
	StatementFTP string  `yaml:"statement_ftp" mapstructure:"statement_ftp"` // optional ftp:// URL for CSV statement drops
	RateRPS      float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
	RateBurst    int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// TelemetryConfig holds vehicle telemetry feed settings.
type TelemetryConfig struct {
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey    string  `yaml:"api_key" mapstructure:"api_key"`
	RateRPS   float64 `yaml:"rate_rps" mapstructure:"rate_rps"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// SchedulerConfig configures the task worker pool and retry policy.
type SchedulerConfig struct {
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
	MaxAttempts        int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	QueueDepth         int           `yaml:"queue_depth" mapstructure:"queue_depth"`
}

// ReconcileConfig exposes the matching policy as tunable parameters.
// Settlement lag and score weights vary by market, so none of these are
// hard-coded in the reconciler.
type ReconcileConfig struct {
	SettlementWindow time.Duration `yaml:"settlement_window" mapstructure:"settlement_window"`
	AmountWeight     float64       `yaml:"amount_weight" mapstructure:"amount_weight"`
	TimeWeight       float64       `yaml:"time_weight" mapstructure:"time_weight"`
	AcceptThreshold  float64       `yaml:"accept_threshold" mapstructure:"accept_threshold"`
	TieEpsilon       float64       `yaml:"tie_epsilon" mapstructure:"tie_epsilon"`
}

// NormalizeConfig configures canonicalization.
type NormalizeConfig struct {
	Timezone        string `yaml:"timezone" mapstructure:"timezone"`
	DefaultCurrency string `yaml:"default_currency" mapstructure:"default_currency"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FLEETSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "fleetsync.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("scheduler.max_concurrent_tasks", 5)
	v.SetDefault("scheduler.task_timeout", "300s")
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.initial_backoff", "500ms")
	v.SetDefault("scheduler.max_backoff", "30s")
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("reconcile.settlement_window", "168h")
	v.SetDefault("reconcile.amount_weight", 0.7)
	v.SetDefault("reconcile.time_weight", 0.3)
	v.SetDefault("reconcile.accept_threshold", 0.5)
	v.SetDefault("reconcile.tie_epsilon", 0.01)
	v.SetDefault("normalize.timezone", "UTC")
	v.SetDefault("normalize.default_currency", "USD")
	v.SetDefault("dashboard.page_size", 50)
	v.SetDefault("dashboard.rate_rps", 0.5)
	v.SetDefault("dashboard.rate_burst", 1)
	v.SetDefault("bank.rate_rps", 2)
	v.SetDefault("bank.rate_burst", 4)
	v.SetDefault("telemetry.rate_rps", 5)
	v.SetDefault("telemetry.rate_burst", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.match_rate_threshold", 0.5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate rejects configurations that would misbehave silently at
// runtime. Config errors abort at startup, never mid-run.
func (c *Config) validate() error {
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Reconcile.AmountWeight < 0 || c.Reconcile.TimeWeight < 0 {
		return eris.New("config: reconcile weights must be non-negative")
	}
	if c.Reconcile.AmountWeight+c.Reconcile.TimeWeight == 0 {
		return eris.New("config: reconcile weights must not both be zero")
	}
	if c.Reconcile.AcceptThreshold < 0 || c.Reconcile.AcceptThreshold > 1 {
		return eris.New("config: reconcile accept_threshold must be in [0,1]")
	}
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return eris.New("config: scheduler max_concurrent_tasks must be positive")
	}
	if _, err := time.LoadLocation(c.Normalize.Timezone); err != nil {
		return eris.Wrapf(err, "config: invalid timezone %q", c.Normalize.Timezone)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
