/**
 * @description
 * Configuration management for the refund-service. Values come from environment
 * variables (optionally a local .env file) through Viper and are normalised after
 * unmarshalling so the rest of the service can trust them.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 * - github.com/shopspring/decimal: the default fee rate is a decimal percentage.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/clearcause/refund-service/internal/domain"
)

const (
	defaultFeeRatePercent       = "5"
	defaultMinimumDonation      = 10000
	defaultMinimumNetAmount     = 5000
	defaultDecisionWindowDays   = 14
	defaultMinCampaignDaysLeft  = 7
	defaultSweepBatchSize       = 100
	defaultExecutionConcurrency = 4
	defaultClaimStaleSeconds    = 300
	defaultSubmitRatePerMinute  = 10
	defaultJobTimeoutSeconds    = 600
	maxExecutionConcurrency     = 32
	maxSweepBatchSize           = 1000
)

// Config holds all the configuration variables for the refund-service.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix      string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	EventsExchange      string `mapstructure:"EVENTS_EXCHANGE"`
	MilestoneEventQueue string `mapstructure:"MILESTONE_EVENT_QUEUE"`
	ClerkJWKSURL        string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey      string `mapstructure:"INTERNAL_API_KEY"`

	PaymentGatewayURL    string `mapstructure:"PAYMENT_GATEWAY_URL"`
	PaymentGatewayAPIKey string `mapstructure:"PAYMENT_GATEWAY_API_KEY"`
	LedgerServiceURL     string `mapstructure:"LEDGER_SERVICE_URL"`
	LedgerServiceAPIKey  string `mapstructure:"LEDGER_SERVICE_API_KEY"`

	DefaultFeeRatePercent    string `mapstructure:"DEFAULT_FEE_RATE_PERCENT"`
	MinimumDonation          int64  `mapstructure:"MINIMUM_DONATION"`
	MinimumNetAmount         int64  `mapstructure:"MINIMUM_NET_AMOUNT"`
	PaymentChannelCeiling    int64  `mapstructure:"PAYMENT_CHANNEL_CEILING"`
	DecisionWindowDays       int    `mapstructure:"DECISION_WINDOW_DAYS"`
	MinCampaignDaysRemaining int    `mapstructure:"MIN_CAMPAIGN_DAYS_REMAINING"`

	DeadlineSweepSchedule       string `mapstructure:"DEADLINE_SWEEP_SCHEDULE"`
	SubmittedDecisionSchedule   string `mapstructure:"SUBMITTED_DECISION_SCHEDULE"`
	SweepBatchSize              int    `mapstructure:"SWEEP_BATCH_SIZE"`
	ExecutionConcurrency        int    `mapstructure:"EXECUTION_CONCURRENCY"`
	ClaimStaleAfterSeconds      int    `mapstructure:"CLAIM_STALE_AFTER_SECONDS"`
	DecisionSubmitRatePerMinute int    `mapstructure:"DECISION_SUBMIT_RATE_LIMIT_PER_MINUTE"`
	JobTimeoutSeconds           int    `mapstructure:"JOB_TIMEOUT_SECONDS"`

	feeRate decimal.Decimal
}

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "clearcause:refunds")
	viper.SetDefault("EVENTS_EXCHANGE", "clearcause.events")
	viper.SetDefault("MILESTONE_EVENT_QUEUE", "refund_service.milestone_rejections")
	viper.SetDefault("DEFAULT_FEE_RATE_PERCENT", defaultFeeRatePercent)
	viper.SetDefault("MINIMUM_DONATION", defaultMinimumDonation)
	viper.SetDefault("MINIMUM_NET_AMOUNT", defaultMinimumNetAmount)
	viper.SetDefault("PAYMENT_CHANNEL_CEILING", 0)
	viper.SetDefault("DECISION_WINDOW_DAYS", defaultDecisionWindowDays)
	viper.SetDefault("MIN_CAMPAIGN_DAYS_REMAINING", defaultMinCampaignDaysLeft)
	viper.SetDefault("DEADLINE_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("SUBMITTED_DECISION_SCHEDULE", "*/2 * * * *")
	viper.SetDefault("SWEEP_BATCH_SIZE", defaultSweepBatchSize)
	viper.SetDefault("EXECUTION_CONCURRENCY", defaultExecutionConcurrency)
	viper.SetDefault("CLAIM_STALE_AFTER_SECONDS", defaultClaimStaleSeconds)
	viper.SetDefault("DECISION_SUBMIT_RATE_LIMIT_PER_MINUTE", defaultSubmitRatePerMinute)
	viper.SetDefault("JOB_TIMEOUT_SECONDS", defaultJobTimeoutSeconds)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REFUND_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("MILESTONE_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REFUND_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYMENT_GATEWAY_URL")
	_ = viper.BindEnv("PAYMENT_GATEWAY_API_KEY")
	_ = viper.BindEnv("LEDGER_SERVICE_URL")
	_ = viper.BindEnv("LEDGER_SERVICE_API_KEY")
	_ = viper.BindEnv("DEFAULT_FEE_RATE_PERCENT", "DEFAULT_FEE_RATE_PERCENT", "PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("MINIMUM_DONATION")
	_ = viper.BindEnv("MINIMUM_NET_AMOUNT")
	_ = viper.BindEnv("PAYMENT_CHANNEL_CEILING")
	_ = viper.BindEnv("DECISION_WINDOW_DAYS")
	_ = viper.BindEnv("MIN_CAMPAIGN_DAYS_REMAINING")
	_ = viper.BindEnv("DEADLINE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SUBMITTED_DECISION_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("EXECUTION_CONCURRENCY")
	_ = viper.BindEnv("CLAIM_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("DECISION_SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("JOB_TIMEOUT_SECONDS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	if config.DatabaseURL == "" {
		return config, errors.New("DATABASE_URL must be set")
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.PaymentGatewayAPIKey = strings.TrimSpace(config.PaymentGatewayAPIKey)
	config.LedgerServiceAPIKey = strings.TrimSpace(config.LedgerServiceAPIKey)
	if config.LedgerServiceAPIKey == "" {
		config.LedgerServiceAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "clearcause:refunds"
	}
	if strings.TrimSpace(config.EventsExchange) == "" {
		config.EventsExchange = "clearcause.events"
	}

	config.normalizePlatformDefaults()
	config.normalizeWorkerSettings()
	return config, nil
}

func (c *Config) normalizePlatformDefaults() {
	raw := strings.TrimSpace(c.DefaultFeeRatePercent)
	rate, parseErr := decimal.NewFromString(raw)
	if parseErr != nil {
		log.Printf("level=warn component=config msg=\"invalid DEFAULT_FEE_RATE_PERCENT; using default\" value=%q err=%v", raw, parseErr)
		rate = decimal.RequireFromString(defaultFeeRatePercent)
	}
	if rate.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative fee rate configured; coercing to zero\" fee_percent=%s", rate)
		rate = decimal.Zero
	}
	if rate.GreaterThan(decimal.NewFromInt(100)) {
		log.Printf("level=warn component=config msg=\"fee rate too high; capping at 100\" fee_percent=%s", rate)
		rate = decimal.NewFromInt(100)
	}
	c.feeRate = rate
	c.DefaultFeeRatePercent = rate.String()

	if c.MinimumDonation < 0 {
		c.MinimumDonation = 0
	}
	if c.MinimumNetAmount < 0 {
		c.MinimumNetAmount = 0
	}
	if c.PaymentChannelCeiling < 0 {
		c.PaymentChannelCeiling = 0
	}
	if c.DecisionWindowDays <= 0 {
		c.DecisionWindowDays = defaultDecisionWindowDays
	}
	if c.MinCampaignDaysRemaining < 0 {
		c.MinCampaignDaysRemaining = defaultMinCampaignDaysLeft
	}
}

func (c *Config) normalizeWorkerSettings() {
	if strings.TrimSpace(c.DeadlineSweepSchedule) == "" {
		c.DeadlineSweepSchedule = "*/5 * * * *"
	}
	if strings.TrimSpace(c.SubmittedDecisionSchedule) == "" {
		c.SubmittedDecisionSchedule = "*/2 * * * *"
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = defaultSweepBatchSize
	}
	if c.SweepBatchSize > maxSweepBatchSize {
		c.SweepBatchSize = maxSweepBatchSize
	}
	if c.ExecutionConcurrency <= 0 {
		c.ExecutionConcurrency = defaultExecutionConcurrency
	}
	if c.ExecutionConcurrency > maxExecutionConcurrency {
		c.ExecutionConcurrency = maxExecutionConcurrency
	}
	if c.ClaimStaleAfterSeconds <= 0 {
		c.ClaimStaleAfterSeconds = defaultClaimStaleSeconds
	}
	if c.DecisionSubmitRatePerMinute < 0 {
		c.DecisionSubmitRatePerMinute = 0
	}
	if c.JobTimeoutSeconds <= 0 {
		c.JobTimeoutSeconds = defaultJobTimeoutSeconds
	}
}

// PlatformDefaults returns the configured platform settings used when the
// platform_settings table has no value.
func (c Config) PlatformDefaults() domain.PlatformSettings {
	rate := c.feeRate
	if raw := strings.TrimSpace(c.DefaultFeeRatePercent); rate.IsZero() && raw != "" {
		if parsed, err := decimal.NewFromString(raw); err == nil {
			rate = parsed
		}
	}
	return domain.PlatformSettings{
		FeeRatePercent:           rate,
		MinimumDonation:          c.MinimumDonation,
		MinimumNetAmount:         c.MinimumNetAmount,
		PaymentChannelCeiling:    c.PaymentChannelCeiling,
		DecisionWindowDays:       c.DecisionWindowDays,
		MinCampaignDaysRemaining: c.MinCampaignDaysRemaining,
	}
}

// ClaimStaleAfter is how long an execution claim is honoured before another worker
// may take it over.
func (c Config) ClaimStaleAfter() time.Duration {
	return time.Duration(c.ClaimStaleAfterSeconds) * time.Second
}

// JobTimeout bounds one run of a scheduled job. Zero means the default.
func (c Config) JobTimeout() time.Duration {
	if c.JobTimeoutSeconds <= 0 {
		return defaultJobTimeoutSeconds * time.Second
	}
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}
