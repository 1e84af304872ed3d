package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SUBSYNC_"

// loadEnvFile exports the variables of a .env file into the process
// environment. Variables already set win. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides cfg from SUBSYNC_* variables.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"API_KEY":        &cfg.APIKey,
		"BASE_URL":       &cfg.BaseURL,
		"API_VERSION":    &cfg.APIVersion,
		"ENVIRONMENT":    &cfg.Environment,
		"DATABASE":       &cfg.Database,
		"USER_ID":        &cfg.UserID,
		"LOG_LEVEL":      &cfg.LogLevel,
		"DEVICE_LOCALE":  &cfg.Device.Locale,
		"DEVICE_COUNTRY": &cfg.Device.CountryCode,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT":    &cfg.RequestTimeout,
		"USER_TTL":           &cfg.Cache.UserTTL,
		"PRODUCT_GROUPS_TTL": &cfg.Cache.ProductGroupsTTL,
		"PAYWALLS_TTL":       &cfg.Cache.PaywallsTTL,
	}
	for name, dst := range durations {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"MAX_REGISTRATION_ATTEMPTS": &cfg.Retry.MaxRegistrationAttempts,
		"MAX_RECEIPT_ATTEMPTS":      &cfg.Retry.MaxReceiptAttempts,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
	}

	if v, ok := lookup(EnvPrefix + "AUTO_FINISH"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sAUTO_FINISH: %w", EnvPrefix, err)
		}
		cfg.AutoFinish = b
	}
	return nil
}
