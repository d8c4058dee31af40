/**
 * @description
 * This package handles the configuration management for the bank node. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), normalises the values and hands the rest of the service an immutable Config.
 *
 * @dependencies
 * - github.com/spf13/viper: Environment and .env configuration.
 * - github.com/shopspring/decimal: Transfer amount limits.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

const (
	defaultServerPort            = "8080"
	defaultPeerListenAddr        = ":9443"
	defaultPeerMaxConcurrent     = 64
	defaultPeerDialTimeoutSecs   = 5
	defaultPeerIOTimeoutSecs     = 10
	defaultPeerMaxFrameBytes     = 64 * 1024
	defaultPeerRateLimit         = 120
	defaultBankRegistryFile      = "configs/banks.yaml"
	defaultEventExchange         = "sinpe.events"
	defaultReconcileReleaseQueue = "sinpe.reconcile_release"
	defaultRedisRateLimitPrefix  = "sinpe:rate_limit"
	defaultReconcilePolicy       = "manual"
	defaultReconcileSchedule     = "@every 1m"
	defaultReconcileGraceSecs    = 300
	defaultReconcileBatchLimit   = 100
	defaultCurrency              = "CRC"
	defaultMinTransferAmount     = "1.00"
	defaultMaxTransferAmount     = "1000000.00"
)

var (
	ErrMissingSetting = errors.New("required setting is missing")
	ErrInvalidSetting = errors.New("setting has an invalid value")
)

// Config holds all the configuration variables for the bank node.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	PeerListenAddr         string `mapstructure:"PEER_LISTEN_ADDR"`
	PeerTLSCertFile        string `mapstructure:"PEER_TLS_CERT_FILE"`
	PeerTLSKeyFile         string `mapstructure:"PEER_TLS_KEY_FILE"`
	PeerMaxConcurrentConns int    `mapstructure:"PEER_MAX_CONCURRENT_CONNS"`
	PeerDialTimeoutSeconds int    `mapstructure:"PEER_DIAL_TIMEOUT_SECONDS"`
	PeerIOTimeoutSeconds   int    `mapstructure:"PEER_IO_TIMEOUT_SECONDS"`
	PeerMaxFrameBytes      int    `mapstructure:"PEER_MAX_FRAME_BYTES"`
	PeerRateLimitPerMinute int    `mapstructure:"PEER_RATE_LIMIT_PER_MINUTE"`

	BankCode         string `mapstructure:"BANK_CODE"`
	BankName         string `mapstructure:"BANK_NAME"`
	LocalHMACSecret  string `mapstructure:"LOCAL_HMAC_SECRET"`
	BankRegistryFile string `mapstructure:"BANK_REGISTRY_FILE"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SeedFile    string `mapstructure:"SEED_FILE"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	EventExchange         string `mapstructure:"EVENT_EXCHANGE"`
	ReconcileReleaseQueue string `mapstructure:"RECONCILE_RELEASE_QUEUE"`

	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`

	ReconcilePolicy       string `mapstructure:"RECONCILE_POLICY"`
	ReconcileSchedule     string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileGraceSeconds int    `mapstructure:"RECONCILE_GRACE_SECONDS"`
	ReconcileBatchLimit   int    `mapstructure:"RECONCILE_BATCH_LIMIT"`

	APIJWTSecret         string `mapstructure:"API_JWT_SECRET"`
	DefaultCurrency      string `mapstructure:"DEFAULT_CURRENCY"`
	MinTransferAmountRaw string `mapstructure:"MIN_TRANSFER_AMOUNT"`
	MaxTransferAmountRaw string `mapstructure:"MAX_TRANSFER_AMOUNT"`

	MinTransferAmount decimal.Decimal `mapstructure:"-"`
	MaxTransferAmount decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("PEER_LISTEN_ADDR", defaultPeerListenAddr)
	viper.SetDefault("PEER_MAX_CONCURRENT_CONNS", defaultPeerMaxConcurrent)
	viper.SetDefault("PEER_DIAL_TIMEOUT_SECONDS", defaultPeerDialTimeoutSecs)
	viper.SetDefault("PEER_IO_TIMEOUT_SECONDS", defaultPeerIOTimeoutSecs)
	viper.SetDefault("PEER_MAX_FRAME_BYTES", defaultPeerMaxFrameBytes)
	viper.SetDefault("PEER_RATE_LIMIT_PER_MINUTE", defaultPeerRateLimit)
	viper.SetDefault("BANK_REGISTRY_FILE", defaultBankRegistryFile)
	viper.SetDefault("EVENT_EXCHANGE", defaultEventExchange)
	viper.SetDefault("RECONCILE_RELEASE_QUEUE", defaultReconcileReleaseQueue)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRedisRateLimitPrefix)
	viper.SetDefault("RECONCILE_POLICY", defaultReconcilePolicy)
	viper.SetDefault("RECONCILE_SCHEDULE", defaultReconcileSchedule)
	viper.SetDefault("RECONCILE_GRACE_SECONDS", defaultReconcileGraceSecs)
	viper.SetDefault("RECONCILE_BATCH_LIMIT", defaultReconcileBatchLimit)
	viper.SetDefault("DEFAULT_CURRENCY", defaultCurrency)
	viper.SetDefault("MIN_TRANSFER_AMOUNT", defaultMinTransferAmount)
	viper.SetDefault("MAX_TRANSFER_AMOUNT", defaultMaxTransferAmount)

	// Bind environment variables explicitly so they appear in Unmarshal.
	for _, key := range []string{
		"SERVER_PORT", "PORT", "PEER_LISTEN_ADDR", "PEER_TLS_CERT_FILE", "PEER_TLS_KEY_FILE",
		"PEER_MAX_CONCURRENT_CONNS", "PEER_DIAL_TIMEOUT_SECONDS", "PEER_IO_TIMEOUT_SECONDS",
		"PEER_MAX_FRAME_BYTES", "PEER_RATE_LIMIT_PER_MINUTE",
		"BANK_CODE", "BANK_NAME", "LOCAL_HMAC_SECRET", "BANK_REGISTRY_FILE",
		"STORE_DRIVER", "DATABASE_URL", "SEED_FILE",
		"RABBITMQ_URL", "EVENT_EXCHANGE", "RECONCILE_RELEASE_QUEUE",
		"REDIS_RATE_LIMIT_PREFIX",
		"RECONCILE_POLICY", "RECONCILE_SCHEDULE", "RECONCILE_GRACE_SECONDS", "RECONCILE_BATCH_LIMIT",
		"API_JWT_SECRET", "DEFAULT_CURRENCY", "MIN_TRANSFER_AMOUNT", "MAX_TRANSFER_AMOUNT",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SINPE_REDIS_URL")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
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
	c.BankCode = strings.TrimSpace(c.BankCode)
	c.BankName = strings.TrimSpace(c.BankName)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	case "":
		if c.DatabaseURL != "" {
			c.StoreDriver = StoreDriverPostgres
		} else {
			c.StoreDriver = StoreDriverMemory
		}
	default:
		log.Printf("level=warn component=config msg=\"unknown store driver; falling back to memory\" store_driver=%q", c.StoreDriver)
		c.StoreDriver = StoreDriverMemory
	}

	c.ReconcilePolicy = strings.ToLower(strings.TrimSpace(c.ReconcilePolicy))
	if c.ReconcilePolicy == "" {
		c.ReconcilePolicy = defaultReconcilePolicy
	}
	if strings.TrimSpace(c.ReconcileSchedule) == "" {
		c.ReconcileSchedule = defaultReconcileSchedule
	}

	c.EventExchange = strings.TrimSpace(c.EventExchange)
	if c.EventExchange == "" {
		c.EventExchange = defaultEventExchange
	}
	c.ReconcileReleaseQueue = strings.TrimSpace(c.ReconcileReleaseQueue)
	if c.ReconcileReleaseQueue == "" {
		c.ReconcileReleaseQueue = defaultReconcileReleaseQueue
	}
	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = defaultRedisRateLimitPrefix
	}

	c.DefaultCurrency = strings.ToUpper(strings.TrimSpace(c.DefaultCurrency))
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = defaultCurrency
	}

	positive(&c.PeerMaxConcurrentConns, defaultPeerMaxConcurrent, "PEER_MAX_CONCURRENT_CONNS")
	positive(&c.PeerDialTimeoutSeconds, defaultPeerDialTimeoutSecs, "PEER_DIAL_TIMEOUT_SECONDS")
	positive(&c.PeerIOTimeoutSeconds, defaultPeerIOTimeoutSecs, "PEER_IO_TIMEOUT_SECONDS")
	positive(&c.PeerMaxFrameBytes, defaultPeerMaxFrameBytes, "PEER_MAX_FRAME_BYTES")
	positive(&c.ReconcileBatchLimit, defaultReconcileBatchLimit, "RECONCILE_BATCH_LIMIT")
	if c.PeerRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative peer rate limit configured; disabling limiter\" value=%d", c.PeerRateLimitPerMinute)
		c.PeerRateLimitPerMinute = 0
	}
	if c.ReconcileGraceSeconds < 0 {
		log.Printf("level=warn component=config msg=\"negative reconcile grace configured; coercing to zero\" value=%d", c.ReconcileGraceSeconds)
		c.ReconcileGraceSeconds = 0
	}

	c.MinTransferAmount = parseAmount(c.MinTransferAmountRaw, defaultMinTransferAmount, "MIN_TRANSFER_AMOUNT")
	c.MaxTransferAmount = parseAmount(c.MaxTransferAmountRaw, defaultMaxTransferAmount, "MAX_TRANSFER_AMOUNT")
	if c.MinTransferAmount.GreaterThan(c.MaxTransferAmount) {
		log.Printf("level=warn component=config msg=\"transfer minimum above maximum; using defaults\" min=%s max=%s", c.MinTransferAmount, c.MaxTransferAmount)
		c.MinTransferAmount = decimal.RequireFromString(defaultMinTransferAmount)
		c.MaxTransferAmount = decimal.RequireFromString(defaultMaxTransferAmount)
	}
}

func positive(value *int, fallback int, key string) {
	if *value <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive value configured; using default\" key=%s value=%d default=%d", key, *value, fallback)
		*value = fallback
	}
}

func parseAmount(raw, fallback, key string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || value.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid amount configured; using default\" key=%s value=%q", key, raw)
		return decimal.RequireFromString(fallback)
	}
	return value
}

// Validate reports settings the node cannot start without and settings that contradict
// each other.
func (c Config) Validate() error {
	if c.BankCode == "" {
		return fmt.Errorf("%w: BANK_CODE", ErrMissingSetting)
	}
	if strings.TrimSpace(c.LocalHMACSecret) == "" {
		return fmt.Errorf("%w: LOCAL_HMAC_SECRET", ErrMissingSetting)
	}
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL", ErrMissingSetting)
	}
	// A release_all pass must not release a reservation whose delivery may still be in flight.
	if c.ReconcilePolicy == "release_all" && c.ReconcileGraceSeconds <= c.PeerDialTimeoutSeconds+c.PeerIOTimeoutSeconds {
		return fmt.Errorf("%w: RECONCILE_GRACE_SECONDS (%d) must exceed PEER_DIAL_TIMEOUT_SECONDS + PEER_IO_TIMEOUT_SECONDS (%d) under release_all",
			ErrInvalidSetting, c.ReconcileGraceSeconds, c.PeerDialTimeoutSeconds+c.PeerIOTimeoutSeconds)
	}
	return nil
}

func (c Config) PeerDialTimeout() time.Duration {
	return time.Duration(c.PeerDialTimeoutSeconds) * time.Second
}

func (c Config) PeerIOTimeout() time.Duration {
	return time.Duration(c.PeerIOTimeoutSeconds) * time.Second
}

func (c Config) ReconcileGrace() time.Duration {
	return time.Duration(c.ReconcileGraceSeconds) * time.Second
}
