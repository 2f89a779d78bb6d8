/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/joho/godotenv: Loads an optional .env file into the process environment.
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	PayoutModeLedger = "ledger"
	PayoutModeHTTP   = "http"

	defaultRateLimitPrefix = "commitpool:rate_limit"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	StorageDriver        string `mapstructure:"STORAGE_DRIVER"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventsExchange       string `mapstructure:"EVENTS_EXCHANGE"`
	OutcomeEventQueue    string `mapstructure:"OUTCOME_EVENT_QUEUE"`
	// AttestationPublishersRaw is a comma-separated list of broker user ids allowed to publish
	// verifier attestations. Empty accepts any publisher the broker lets onto the exchange.
	AttestationPublishersRaw string   `mapstructure:"ATTESTATION_PUBLISHERS"`
	AttestationPublishers    []string `mapstructure:"-"`
	JWKSURL                  string   `mapstructure:"JWKS_URL"`
	JWTAudience              string   `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer                string   `mapstructure:"JWT_ISSUER"`
	InternalAPIKey           string   `mapstructure:"INTERNAL_API_KEY"`
	DefaultVerifierID        string   `mapstructure:"DEFAULT_VERIFIER_ID"`
	SettlerID                string   `mapstructure:"SETTLER_ID"`
	PayoutMode               string   `mapstructure:"PAYOUT_MODE"`
	PayoutAPIBaseURL         string   `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPIKey             string   `mapstructure:"PAYOUT_API_KEY"`
	JoinRateLimitPerMinute   int      `mapstructure:"JOIN_RATE_LIMIT_PER_MINUTE"`
	CloseSweepSchedule       string   `mapstructure:"CLOSE_SWEEP_SCHEDULE"`
	SettlementSweepSchedule  string   `mapstructure:"SETTLEMENT_SWEEP_SCHEDULE"`
	SweepBatchLimit          int      `mapstructure:"SWEEP_BATCH_LIMIT"`
	LogLevel                 string   `mapstructure:"LOG_LEVEL"`
	LogFormat                string   `mapstructure:"LOG_FORMAT"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	// Values already in the environment win over the .env file.
	if loadErr := godotenv.Load(filepath.Join(path, ".env")); loadErr != nil && !os.IsNotExist(loadErr) {
		log.Warn().Err(loadErr).Str("component", "config").Msg("failed to load .env file; using environment values")
	}

	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_DRIVER", "")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("EVENTS_EXCHANGE", "commitpool.events")
	viper.SetDefault("OUTCOME_EVENT_QUEUE", "settlement_service.verification_outcomes")
	viper.SetDefault("SETTLER_ID", "settlement-sweeper")
	viper.SetDefault("PAYOUT_MODE", PayoutModeLedger)
	viper.SetDefault("JOIN_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("CLOSE_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SETTLEMENT_SWEEP_SCHEDULE", "@every 1h")
	viper.SetDefault("SWEEP_BATCH_LIMIT", 50)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORAGE_DRIVER")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("OUTCOME_EVENT_QUEUE")
	_ = viper.BindEnv("ATTESTATION_PUBLISHERS")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("DEFAULT_VERIFIER_ID")
	_ = viper.BindEnv("SETTLER_ID")
	_ = viper.BindEnv("PAYOUT_MODE")
	_ = viper.BindEnv("PAYOUT_API_BASE_URL")
	_ = viper.BindEnv("PAYOUT_API_KEY")
	_ = viper.BindEnv("JOIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CLOSE_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SETTLEMENT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("DISTRIBUTION_CHECK_INTERVAL")
	_ = viper.BindEnv("SWEEP_BATCH_LIMIT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Str("component", "config").Msg("failed to read config file; using environment values")
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.DefaultVerifierID = strings.TrimSpace(c.DefaultVerifierID)
	c.SettlerID = strings.TrimSpace(c.SettlerID)

	c.AttestationPublishers = nil
	for _, id := range strings.Split(c.AttestationPublishersRaw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			c.AttestationPublishers = append(c.AttestationPublishers, id)
		}
	}

	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	switch c.StorageDriver {
	case StorageDriverPostgres, StorageDriverMemory:
	case "":
		c.StorageDriver = StorageDriverPostgres
		if c.DatabaseURL == "" {
			c.StorageDriver = StorageDriverMemory
		}
	default:
		log.Warn().Str("component", "config").Str("storage_driver", c.StorageDriver).Msg("unknown STORAGE_DRIVER; falling back to postgres")
		c.StorageDriver = StorageDriverPostgres
	}
	if c.StorageDriver == StorageDriverMemory && c.DatabaseURL != "" {
		log.Warn().Str("component", "config").Msg("DATABASE_URL is set but STORAGE_DRIVER=memory; state will not be persisted")
	}

	c.PayoutMode = strings.ToLower(strings.TrimSpace(c.PayoutMode))
	switch c.PayoutMode {
	case PayoutModeLedger:
	case PayoutModeHTTP:
		if strings.TrimSpace(c.PayoutAPIBaseURL) == "" {
			log.Warn().Str("component", "config").Msg("PAYOUT_MODE=http without PAYOUT_API_BASE_URL; using ledger payouts")
			c.PayoutMode = PayoutModeLedger
		}
	default:
		log.Warn().Str("component", "config").Str("payout_mode", c.PayoutMode).Msg("unknown PAYOUT_MODE; using ledger payouts")
		c.PayoutMode = PayoutModeLedger
	}

	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if c.JoinRateLimitPerMinute < 0 {
		log.Warn().Str("component", "config").Int("limit", c.JoinRateLimitPerMinute).Msg("negative join rate limit configured; disabling limiter")
		c.JoinRateLimitPerMinute = 0
	}

	// DISTRIBUTION_CHECK_INTERVAL (seconds) is the legacy name of the settlement cadence.
	if strings.TrimSpace(os.Getenv("SETTLEMENT_SWEEP_SCHEDULE")) == "" {
		if raw := strings.TrimSpace(viper.GetString("DISTRIBUTION_CHECK_INTERVAL")); raw != "" {
			seconds, parseErr := strconv.Atoi(raw)
			if parseErr != nil || seconds <= 0 {
				log.Warn().Str("component", "config").Str("value", raw).Msg("invalid DISTRIBUTION_CHECK_INTERVAL; ignoring")
			} else {
				c.SettlementSweepSchedule = "@every " + strconv.Itoa(seconds) + "s"
			}
		}
	}
	if strings.TrimSpace(c.CloseSweepSchedule) == "" {
		c.CloseSweepSchedule = "@every 1m"
	}
	if strings.TrimSpace(c.SettlementSweepSchedule) == "" {
		c.SettlementSweepSchedule = "@every 1h"
	}
	if c.SweepBatchLimit <= 0 {
		c.SweepBatchLimit = 50
	}
}
