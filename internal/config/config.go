/**
 * @description
 * This package handles the configuration management for the ledger-service. It uses
 * Viper to read configuration from environment variables (and an optional .env
 * file), applies defaults, and normalizes values the rest of the service relies on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`

	RedisURL                       string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix           string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ContributionRateLimitPerMinute int    `mapstructure:"CONTRIBUTION_RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	GatewayCallbackQueue string `mapstructure:"GATEWAY_CALLBACK_QUEUE"`

	GatewayBaseURL        string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey         string `mapstructure:"GATEWAY_API_KEY"`
	GatewayWebhookSecret  string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`
	GatewayCallbackURL    string `mapstructure:"GATEWAY_CALLBACK_URL"`
	GatewayTimeoutSeconds int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`
	Currency              string `mapstructure:"CURRENCY"`

	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	AdminJWTSecret     string `mapstructure:"ADMIN_JWT_SECRET"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	MinContributionMinor         int64   `mapstructure:"MIN_CONTRIBUTION_MINOR"`
	OverdraftInterestRatePercent float64 `mapstructure:"OVERDRAFT_INTEREST_RATE_PERCENT"`
	OverdraftEligibilityPercent  float64 `mapstructure:"OVERDRAFT_ELIGIBILITY_PERCENT"`
	OverdraftMaxRepaymentMonths  int     `mapstructure:"OVERDRAFT_MAX_REPAYMENT_MONTHS"`
	AutoAdvanceRotation          bool    `mapstructure:"AUTO_ADVANCE_ROTATION"`

	SchedulerEnabled     bool   `mapstructure:"SCHEDULER_ENABLED"`
	PayoutSweepSchedule  string `mapstructure:"PAYOUT_SWEEP_SCHEDULE"`
	OverdueSweepSchedule string `mapstructure:"OVERDUE_SWEEP_SCHEDULE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_DRIVER", "postgres")
	viper.SetDefault("SQLITE_PATH", "data/kijumbe.db")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "kijumbe:rate_limit")
	viper.SetDefault("CONTRIBUTION_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("EVENTS_EXCHANGE", "kijumbe.events")
	viper.SetDefault("GATEWAY_CALLBACK_QUEUE", "ledger_service.gateway_callbacks")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 15)
	viper.SetDefault("CURRENCY", "TZS")
	viper.SetDefault("MIN_CONTRIBUTION_MINOR", 100000)
	viper.SetDefault("OVERDRAFT_INTEREST_RATE_PERCENT", 5.0)
	viper.SetDefault("OVERDRAFT_ELIGIBILITY_PERCENT", 80.0)
	viper.SetDefault("OVERDRAFT_MAX_REPAYMENT_MONTHS", 12)
	viper.SetDefault("AUTO_ADVANCE_ROTATION", false)
	viper.SetDefault("SCHEDULER_ENABLED", true)
	viper.SetDefault("PAYOUT_SWEEP_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("OVERDUE_SWEEP_SCHEDULE", "0 6 * * *")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
		"REDIS_RATE_LIMIT_PREFIX", "CONTRIBUTION_RATE_LIMIT_PER_MINUTE",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "GATEWAY_CALLBACK_QUEUE",
		"GATEWAY_BASE_URL", "GATEWAY_API_KEY", "GATEWAY_WEBHOOK_SECRET", "GATEWAY_CALLBACK_URL",
		"GATEWAY_TIMEOUT_SECONDS", "CURRENCY", "ADMIN_JWT_SECRET", "CORS_ALLOWED_ORIGINS",
		"MIN_CONTRIBUTION_MINOR", "MIN_CONTRIBUTION", "OVERDRAFT_INTEREST_RATE_PERCENT",
		"OVERDRAFT_ELIGIBILITY_PERCENT", "OVERDRAFT_MAX_REPAYMENT_MONTHS", "AUTO_ADVANCE_ROTATION",
		"SCHEDULER_ENABLED", "PAYOUT_SWEEP_SCHEDULE", "OVERDUE_SWEEP_SCHEDULE", "LOG_LEVEL", "LOG_FORMAT",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	config.DatabaseDriver = strings.ToLower(strings.TrimSpace(config.DatabaseDriver))
	if config.DatabaseDriver != "sqlite" {
		config.DatabaseDriver = "postgres"
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "kijumbe:rate_limit"
	}
	config.GatewayBaseURL = strings.TrimRight(strings.TrimSpace(config.GatewayBaseURL), "/")
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))

	// Allow specifying the contribution floor in whole currency units via MIN_CONTRIBUTION.
	if viper.IsSet("MIN_CONTRIBUTION") {
		floorStr := strings.TrimSpace(viper.GetString("MIN_CONTRIBUTION"))
		if floorStr != "" {
			floorValue, parseErr := strconv.ParseFloat(floorStr, 64)
			if parseErr != nil {
				slog.Warn("invalid MIN_CONTRIBUTION", "component", "config", "value", floorStr, "error", parseErr)
			} else {
				config.MinContributionMinor = int64(math.Round(floorValue * 100))
			}
		}
	}
	if config.MinContributionMinor < 1 {
		slog.Warn("non-positive contribution floor configured; coercing to one minor unit", "component", "config", "floor", config.MinContributionMinor)
		config.MinContributionMinor = 1
	}

	if config.OverdraftInterestRatePercent < 0 {
		slog.Warn("negative overdraft interest configured; coercing to zero", "component", "config", "rate", config.OverdraftInterestRatePercent)
		config.OverdraftInterestRatePercent = 0
	}
	if config.OverdraftEligibilityPercent <= 0 || config.OverdraftEligibilityPercent > 100 {
		slog.Warn("overdraft eligibility percent out of range; using 80", "component", "config", "percent", config.OverdraftEligibilityPercent)
		config.OverdraftEligibilityPercent = 80
	}
	if config.OverdraftMaxRepaymentMonths <= 0 {
		config.OverdraftMaxRepaymentMonths = 12
	}
	if config.GatewayTimeoutSeconds <= 0 {
		config.GatewayTimeoutSeconds = 15
	}
	if config.ContributionRateLimitPerMinute < 0 {
		config.ContributionRateLimitPerMinute = 0
	}

	return
}
