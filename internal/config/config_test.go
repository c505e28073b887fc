package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{Interval: 15 * time.Minute},
		FX: FXConfig{
			BaseCurrency:       "USD",
			TargetCurrencies:   []string{"AUD"},
			StaleAfter:         time.Hour,
			MovementThreshold:  0.01,
			ConcentrationRatio: 0.5,
		},
		Forecast: ForecastConfig{MinHistory: 3},
		Insights: InsightsConfig{DeviationSigma: 2.0},
		Export:   ExportConfig{MaxDataPoints: 1000},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateForecastMinHistory(t *testing.T) {
	// The forecast engine never runs with fewer than 3 trailing periods, so
	// a lower configured value is rejected instead of silently raised.
	cfg := validConfig()
	cfg.Forecast.MinHistory = 2
	require.ErrorContains(t, cfg.Validate(), "forecast.min_history")

	cfg.Forecast.MinHistory = 3
	require.NoError(t, cfg.Validate())
}

func TestValidateAlerting(t *testing.T) {
	cfg := validConfig()
	cfg.Alerting.Enabled = true
	require.ErrorContains(t, cfg.Validate(), "telegram_bot_token")

	cfg.Alerting.TelegramBotToken = "token"
	require.ErrorContains(t, cfg.Validate(), "telegram_chat_id")

	cfg.Alerting.TelegramChatID = "chat"
	require.NoError(t, cfg.Validate())
}
