package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"swainos-analytics/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	FX        FXConfig        `mapstructure:"fx"`
	Forecast  ForecastConfig  `mapstructure:"forecast"`
	Insights  InsightsConfig  `mapstructure:"insights"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the periodic rate pull cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// FXConfig covers the external rate provider and signal thresholds.
type FXConfig struct {
	BaseCurrency        string        `mapstructure:"base_currency"`
	TargetCurrencies    []string      `mapstructure:"target_currencies"`
	ProviderName        string        `mapstructure:"provider_name"`
	ProviderBaseURL     string        `mapstructure:"provider_base_url"`
	ProviderAPIKey      string        `mapstructure:"provider_api_key"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	Retries             int           `mapstructure:"retries"`
	UserAgent           string        `mapstructure:"user_agent"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	MovementThreshold   float64       `mapstructure:"movement_threshold"`
	ConcentrationRatio  float64       `mapstructure:"concentration_ratio"`
	MovementWeight      float64       `mapstructure:"movement_weight"`
	ConcentrationWeight float64       `mapstructure:"concentration_weight"`
}

// ForecastConfig tunes projection behaviour.
type ForecastConfig struct {
	MinHistory      int     `mapstructure:"min_history"`
	LookbackPeriods int     `mapstructure:"lookback_periods"`
	ConfidenceZ     float64 `mapstructure:"confidence_z"`
	SmoothingAlpha  float64 `mapstructure:"smoothing_alpha"`
}

// InsightsConfig tunes recommendation generation.
type InsightsConfig struct {
	DeviationSigma  float64 `mapstructure:"deviation_sigma"`
	BaselinePeriods int     `mapstructure:"baseline_periods"`
	SignalThreshold float64 `mapstructure:"signal_threshold"`
	ScoreThreshold  float64 `mapstructure:"score_threshold"`
}

// RunsConfig governs orchestration.
type RunsConfig struct {
	ManualToken string        `mapstructure:"manual_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// AlertingConfig controls delivery of new recommendations.
type AlertingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	TelegramChatID   string        `mapstructure:"telegram_chat_id"`
	TelegramAPIBase  string        `mapstructure:"telegram_api_base"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWAINOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "swainos-analytics")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x73776169))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("fx.base_currency", "USD")
	v.SetDefault("fx.target_currencies", []string{"AUD", "NZD", "EUR", "GBP"})
	v.SetDefault("fx.provider_name", "twelve_data")
	v.SetDefault("fx.provider_base_url", "https://api.twelvedata.com")
	v.SetDefault("fx.request_timeout", "20s")
	v.SetDefault("fx.retries", 3)
	v.SetDefault("fx.user_agent", "swainos-analytics/1.0")
	v.SetDefault("fx.stale_after", "60m")
	v.SetDefault("fx.movement_threshold", 0.01)
	v.SetDefault("fx.concentration_ratio", 0.5)
	v.SetDefault("fx.movement_weight", 0.6)
	v.SetDefault("fx.concentration_weight", 0.4)

	v.SetDefault("forecast.min_history", 3)
	v.SetDefault("forecast.lookback_periods", 12)
	v.SetDefault("forecast.confidence_z", 1.96)
	v.SetDefault("forecast.smoothing_alpha", 0.35)

	v.SetDefault("insights.deviation_sigma", 2.0)
	v.SetDefault("insights.baseline_periods", 6)
	v.SetDefault("insights.signal_threshold", 0.7)
	v.SetDefault("insights.score_threshold", 0.6)

	v.SetDefault("runs.timeout", "10m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram_api_base", "https://api.telegram.org")
	v.SetDefault("alerting.request_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.FX.BaseCurrency == "" {
		return fmt.Errorf("fx.base_currency is required")
	}
	if len(c.FX.TargetCurrencies) == 0 {
		return fmt.Errorf("fx.target_currencies must list at least one currency")
	}
	for _, currency := range c.FX.TargetCurrencies {
		if currency == c.FX.BaseCurrency {
			return fmt.Errorf("fx.target_currencies must not contain the base currency %s", c.FX.BaseCurrency)
		}
	}
	if c.FX.MovementThreshold <= 0 {
		return fmt.Errorf("fx.movement_threshold must be greater than zero")
	}
	if c.FX.ConcentrationRatio <= 0 || c.FX.ConcentrationRatio > 1 {
		return fmt.Errorf("fx.concentration_ratio must be within (0, 1]")
	}
	if c.FX.StaleAfter <= 0 {
		return fmt.Errorf("fx.stale_after must be greater than zero")
	}
	if c.Forecast.MinHistory < 3 {
		return fmt.Errorf("forecast.min_history must be at least 3")
	}
	if c.Insights.DeviationSigma <= 0 {
		return fmt.Errorf("insights.deviation_sigma must be greater than zero")
	}
	if c.Alerting.Enabled {
		if c.Alerting.TelegramBotToken == "" {
			return fmt.Errorf("alerting.telegram_bot_token is required when alerting is enabled")
		}
		if c.Alerting.TelegramChatID == "" {
			return fmt.Errorf("alerting.telegram_chat_id is required when alerting is enabled")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
