// Package config loads engine configuration from a YAML file, an optional
// .env file and SUBSYNC_* environment variables, and validates the result
// against an embedded CUE schema.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/subsync/internal/api"
	"github.com/roach88/subsync/internal/attribution"
	"github.com/roach88/subsync/internal/identity"
	"github.com/roach88/subsync/internal/retry"
)

// Defaults.
const (
	DefaultBaseURL          = "https://api.subsync.dev"
	DefaultDatabase         = "subsync.db"
	DefaultUserTTL          = 24 * time.Hour
	DefaultProductGroupsTTL = time.Hour
	DefaultPaywallsTTL      = 24 * time.Hour
	DefaultReceiptAttempts  = 10
	DefaultLogLevel         = "info"
)

// Config is the complete engine configuration.
type Config struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	APIVersion     string        `yaml:"api_version"`
	Environment    string        `yaml:"environment"`
	Database       string        `yaml:"database"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// UserID overrides the cached or generated user ID.
	UserID     string `yaml:"user_id"`
	AutoFinish bool   `yaml:"auto_finish"`
	LogLevel   string `yaml:"log_level"`

	Retry       RetryConfig         `yaml:"retry"`
	Cache       CacheConfig         `yaml:"cache"`
	Attribution AttributionConfig   `yaml:"attribution"`
	Device      identity.DeviceInfo `yaml:"device"`
}

// RetryConfig tunes backoff for registration and receipt submission.
type RetryConfig struct {
	MaxRegistrationAttempts int           `yaml:"max_registration_attempts"`
	MaxReceiptAttempts      int           `yaml:"max_receipt_attempts"`
	ConnectivityDelay       time.Duration `yaml:"connectivity_delay"`
	TransientDelay          time.Duration `yaml:"transient_delay"`
	Step                    time.Duration `yaml:"step"`
	MaxDelay                time.Duration `yaml:"max_delay"`
}

// CacheConfig holds the freshness windows of cached backend data.
type CacheConfig struct {
	UserTTL          time.Duration `yaml:"user_ttl"`
	ProductGroupsTTL time.Duration `yaml:"product_groups_ttl"`
	PaywallsTTL      time.Duration `yaml:"paywalls_ttl"`
}

// AttributionConfig tunes attribution resubmission.
type AttributionConfig struct {
	RetryDelay    time.Duration `yaml:"retry_delay"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		APIVersion:     api.DefaultVersion,
		Environment:    api.EnvironmentProduction,
		Database:       DefaultDatabase,
		RequestTimeout: api.DefaultTimeout,
		LogLevel:       DefaultLogLevel,
		Retry: RetryConfig{
			MaxRegistrationAttempts: retry.DefaultMaxAttempts,
			MaxReceiptAttempts:      DefaultReceiptAttempts,
			ConnectivityDelay:       retry.DefaultConnectivityDelay,
			TransientDelay:          retry.DefaultTransientDelay,
			Step:                    retry.DefaultStep,
			MaxDelay:                retry.DefaultMaxDelay,
		},
		Cache: CacheConfig{
			UserTTL:          DefaultUserTTL,
			ProductGroupsTTL: DefaultProductGroupsTTL,
			PaywallsTTL:      DefaultPaywallsTTL,
		},
		Attribution: AttributionConfig{
			RetryDelay:    attribution.DefaultRetryDelay,
			SweepInterval: attribution.DefaultSweepInterval,
		},
	}
}

// Load reads path (optional when empty), applies envFile (optional when
// empty or missing) and the process environment, and validates.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	}

	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates, without consulting
// the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), &cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// RegistrationPolicy returns the retry policy for registration.
func (c Config) RegistrationPolicy() retry.Policy {
	return c.policy().WithMaxAttempts(c.Retry.MaxRegistrationAttempts)
}

// ReceiptPolicy returns the retry policy for receipt submission.
func (c Config) ReceiptPolicy() retry.Policy {
	return c.policy().WithMaxAttempts(c.Retry.MaxReceiptAttempts)
}

func (c Config) policy() retry.Policy {
	return retry.Policy{
		TransientDelay:    c.Retry.TransientDelay,
		ConnectivityDelay: c.Retry.ConnectivityDelay,
		Step:              c.Retry.Step,
		MaxDelay:          c.Retry.MaxDelay,
	}
}
