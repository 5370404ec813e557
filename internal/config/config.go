package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultAppName         = "GroupMart"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultMasterKeyPath   = "groupmart.key"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultPendingTTL      = 5 * time.Minute
	defaultBuyingFeeRate   = "0.005"
	defaultSellingFeeRate  = "0.005"
	defaultReferralRate    = "0.10"
	defaultMinPrice        = "0.01"
	defaultMaxPrice        = "99.99"
	defaultMinWithdrawal   = "1.00"
	defaultAccountQuota    = 5
	defaultMinItemActivity = 4
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	pendingTTLEnvVar       = "PENDING_TTL"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	MasterKeyPath  string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// PendingTTL bounds pending authentications and pending listings;
	// expiry is checked lazily on the next access.
	PendingTTL time.Duration

	BuyingFeeRate  decimal.Decimal
	SellingFeeRate decimal.Decimal
	ReferralRate   decimal.Decimal
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	MinWithdrawal  decimal.Decimal

	// AccountQuota caps active general-role custodial accounts per owner.
	AccountQuota    int
	MinItemActivity int
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          getEnv("APP_ENV", defaultAppEnv),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		MasterKeyPath:   getEnv("MASTER_KEY_PATH", defaultMasterKeyPath),
		ShutdownPeriod:  defaultShutdownDelay,
		IdempotencyTTL:  defaultIdempotencyTTL,
		PendingTTL:      defaultPendingTTL,
		AccountQuota:    defaultAccountQuota,
		MinItemActivity: defaultMinItemActivity,
	}

	var err error
	if cfg.BuyingFeeRate, err = decimalEnv("BUYING_FEE_RATE", defaultBuyingFeeRate); err != nil {
		return Config{}, err
	}
	if cfg.SellingFeeRate, err = decimalEnv("SELLING_FEE_RATE", defaultSellingFeeRate); err != nil {
		return Config{}, err
	}
	if cfg.ReferralRate, err = decimalEnv("REFERRAL_COMMISSION_RATE", defaultReferralRate); err != nil {
		return Config{}, err
	}
	if cfg.MinPrice, err = decimalEnv("MIN_PRICE", defaultMinPrice); err != nil {
		return Config{}, err
	}
	if cfg.MaxPrice, err = decimalEnv("MAX_PRICE", defaultMaxPrice); err != nil {
		return Config{}, err
	}
	if cfg.MinWithdrawal, err = decimalEnv("MIN_WITHDRAWAL", defaultMinWithdrawal); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("ACCOUNT_QUOTA"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid ACCOUNT_QUOTA: %q", v)
		}
		cfg.AccountQuota = n
	}
	if v := os.Getenv("MIN_ITEM_ACTIVITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid MIN_ITEM_ACTIVITY: %q", v)
		}
		cfg.MinItemActivity = n
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	if v := os.Getenv(pendingTTLEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", pendingTTLEnvVar, err)
		}
		cfg.PendingTTL = d
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// IsDev reports whether the configured environment is a local development one.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func decimalEnv(key, fallback string) (decimal.Decimal, error) {
	raw := getEnv(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return d, nil
}
