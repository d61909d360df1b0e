/**
 * @description
 * This package handles configuration management for the faceswap entitlement
 * service. It uses the Viper library to read configuration from environment
 * variables (with an optional .env file), providing a centralized and
 * immutable set of policy constants loaded once at process start.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */
package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every policy constant and secret the service needs. It is
// constructed once in main and passed to components; nothing reads ambient
// environment state after startup.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	Debug       bool   `mapstructure:"DEBUG"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	PaymentEventQueue string `mapstructure:"PAYMENT_EVENT_QUEUE"`

	SecretKey                string `mapstructure:"SECRET_KEY"`
	Algorithm                string `mapstructure:"ALGORITHM"`
	AccessTokenExpireMinutes int    `mapstructure:"ACCESS_TOKEN_EXPIRE_MINUTES"`
	RefreshTokenExpireDays   int    `mapstructure:"REFRESH_TOKEN_EXPIRE_DAYS"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`

	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string `mapstructure:"GOOGLE_REDIRECT_URI"`

	StripeSecretKey      string `mapstructure:"STRIPE_SECRET_KEY"`
	StripePublishableKey string `mapstructure:"STRIPE_PUBLISHABLE_KEY"`
	StripeWebhookSecret  string `mapstructure:"STRIPE_WEBHOOK_SECRET"`

	USDTWalletAddress        string `mapstructure:"USDT_ETH_WALLET_ADDRESS"`
	USDTContractAddress      string `mapstructure:"USDT_CONTRACT_ADDRESS"`
	EtherscanAPIURL          string `mapstructure:"ETHERSCAN_API_URL"`
	EtherscanAPIKey          string `mapstructure:"ETHERSCAN_API_KEY"`
	ChainPollIntervalSeconds int    `mapstructure:"CHAIN_POLL_INTERVAL_SECONDS"`
	ConfirmationThreshold    int    `mapstructure:"CONFIRMATION_THRESHOLD"`
	CryptoMatchWindowMinutes int    `mapstructure:"CRYPTO_MATCH_WINDOW_MINUTES"`

	OneTimePaymentAmountUSD      int64 `mapstructure:"ONE_TIME_PAYMENT_AMOUNT_USD"`
	MonthlySubscriptionAmountUSD int64 `mapstructure:"MONTHLY_SUBSCRIPTION_AMOUNT_USD"`
	MonthlyRequestLimit          int   `mapstructure:"MONTHLY_REQUEST_LIMIT"`
	FreeRequestLimit             int   `mapstructure:"FREE_REQUEST_LIMIT"`
	OneTimeRequestGrant          int   `mapstructure:"ONE_TIME_REQUEST_GRANT"`

	SubscriptionGraceHours int    `mapstructure:"SUBSCRIPTION_GRACE_HOURS"`
	ExpirySweepSchedule    string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`

	SwapRateLimitPerMinute int    `mapstructure:"SWAP_RATE_LIMIT_PER_MINUTE"`
	RateLimitPrefix        string `mapstructure:"RATE_LIMIT_PREFIX"`

	InferenceAPIBaseURL string `mapstructure:"INFERENCE_API_BASE_URL"`
	InferenceAPIKey     string `mapstructure:"INFERENCE_API_KEY"`
}

// ChainPollInterval returns the blockchain poll cadence as a duration.
func (c Config) ChainPollInterval() time.Duration {
	return time.Duration(c.ChainPollIntervalSeconds) * time.Second
}

// CryptoMatchWindow returns how far back an open payment intent may be
// matched against a confirmed deposit.
func (c Config) CryptoMatchWindow() time.Duration {
	return time.Duration(c.CryptoMatchWindowMinutes) * time.Minute
}

// SubscriptionGrace returns the grace window after current_period_end before
// the expiry sweep demotes a subscription.
func (c Config) SubscriptionGrace() time.Duration {
	return time.Duration(c.SubscriptionGraceHours) * time.Hour
}

// LoadConfig reads configuration from environment variables, with an optional
// .env file at the given path. Missing .env is not an error.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DEBUG", false)
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "entitlement.payment_events")
	viper.SetDefault("ALGORITHM", "HS256")
	viper.SetDefault("ACCESS_TOKEN_EXPIRE_MINUTES", 30)
	viper.SetDefault("REFRESH_TOKEN_EXPIRE_DAYS", 7)
	viper.SetDefault("ETHERSCAN_API_URL", "https://api.etherscan.io/api")
	viper.SetDefault("USDT_CONTRACT_ADDRESS", "0xdAC17F958D2ee523a2206206994597C13D831ec7")
	viper.SetDefault("CHAIN_POLL_INTERVAL_SECONDS", 30)
	viper.SetDefault("CONFIRMATION_THRESHOLD", 12)
	viper.SetDefault("CRYPTO_MATCH_WINDOW_MINUTES", 240)
	viper.SetDefault("ONE_TIME_PAYMENT_AMOUNT_USD", 2999)
	viper.SetDefault("MONTHLY_SUBSCRIPTION_AMOUNT_USD", 299)
	viper.SetDefault("MONTHLY_REQUEST_LIMIT", 40)
	viper.SetDefault("FREE_REQUEST_LIMIT", 1)
	viper.SetDefault("ONE_TIME_REQUEST_GRANT", 500)
	viper.SetDefault("SUBSCRIPTION_GRACE_HOURS", 72)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/10 * * * *")
	viper.SetDefault("SWAP_RATE_LIMIT_PER_MINUTE", 12)
	viper.SetDefault("RATE_LIMIT_PREFIX", "faceswap:rate_limit")

	for _, key := range []string{
		"SERVER_PORT", "PORT", "DEBUG", "DATABASE_URL", "REDIS_URL", "RABBITMQ_URL",
		"PAYMENT_EVENT_QUEUE",
		"SECRET_KEY", "ALGORITHM", "ACCESS_TOKEN_EXPIRE_MINUTES", "REFRESH_TOKEN_EXPIRE_DAYS",
		"INTERNAL_API_KEY",
		"GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_SECRET", "GOOGLE_REDIRECT_URI",
		"STRIPE_SECRET_KEY", "STRIPE_PUBLISHABLE_KEY", "STRIPE_WEBHOOK_SECRET",
		"USDT_ETH_WALLET_ADDRESS", "USDT_CONTRACT_ADDRESS",
		"ETHERSCAN_API_URL", "ETHERSCAN_API_KEY",
		"CHAIN_POLL_INTERVAL_SECONDS", "CONFIRMATION_THRESHOLD", "CRYPTO_MATCH_WINDOW_MINUTES",
		"ONE_TIME_PAYMENT_AMOUNT_USD", "MONTHLY_SUBSCRIPTION_AMOUNT_USD",
		"MONTHLY_REQUEST_LIMIT", "FREE_REQUEST_LIMIT", "ONE_TIME_REQUEST_GRANT",
		"SUBSCRIPTION_GRACE_HOURS", "EXPIRY_SWEEP_SCHEDULE",
		"SWAP_RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_PREFIX",
		"INFERENCE_API_BASE_URL", "INFERENCE_API_KEY",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	// Hosted platforms inject PORT rather than SERVER_PORT.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.SecretKey = strings.TrimSpace(config.SecretKey)
	if config.SecretKey == "" {
		return config, errors.New("SECRET_KEY must be configured")
	}
	if !strings.EqualFold(config.Algorithm, "HS256") {
		return config, errors.New("ALGORITHM must be HS256")
	}

	config.USDTWalletAddress = strings.ToLower(strings.TrimSpace(config.USDTWalletAddress))
	config.USDTContractAddress = strings.ToLower(strings.TrimSpace(config.USDTContractAddress))

	if config.FreeRequestLimit < 0 {
		slog.Warn("negative free request limit configured; coercing to zero", "limit", config.FreeRequestLimit)
		config.FreeRequestLimit = 0
	}
	if config.MonthlyRequestLimit < 0 {
		slog.Warn("negative monthly request limit configured; coercing to zero", "limit", config.MonthlyRequestLimit)
		config.MonthlyRequestLimit = 0
	}
	if config.OneTimeRequestGrant < 0 {
		slog.Warn("negative one-time grant configured; coercing to zero", "grant", config.OneTimeRequestGrant)
		config.OneTimeRequestGrant = 0
	}
	if config.ConfirmationThreshold < 1 {
		slog.Warn("confirmation threshold below 1; coercing to 1", "threshold", config.ConfirmationThreshold)
		config.ConfirmationThreshold = 1
	}

	return config, nil
}
