package config

import (
	_ "embed"
	"fmt"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schema string

// ValidationError lists every schema violation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config: %d problems, first: %s", len(e.Problems), e.Problems[0])
}

// Validate checks cfg against the embedded schema.
func Validate(cfg Config) error {
	ctx := cuecontext.New()
	s := ctx.CompileString(schema, cue.Filename("schema.cue"))
	if err := s.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	v := s.Unify(ctx.Encode(cfg.values()))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		var problems []string
		for _, e := range errors.Errors(err) {
			problems = append(problems, e.Error())
		}
		return &ValidationError{Problems: problems}
	}
	return nil
}

// values is the schema's view of cfg, with durations in milliseconds.
func (c Config) values() map[string]any {
	return map[string]any{
		"api_key":            c.APIKey,
		"base_url":           c.BaseURL,
		"api_version":        c.APIVersion,
		"environment":        c.Environment,
		"database":           c.Database,
		"log_level":          c.LogLevel,
		"request_timeout_ms": ms(c.RequestTimeout),
		"retry": map[string]any{
			"max_registration_attempts": c.Retry.MaxRegistrationAttempts,
			"max_receipt_attempts":      c.Retry.MaxReceiptAttempts,
			"connectivity_delay_ms":     ms(c.Retry.ConnectivityDelay),
			"transient_delay_ms":        ms(c.Retry.TransientDelay),
			"step_ms":                   ms(c.Retry.Step),
			"max_delay_ms":              ms(c.Retry.MaxDelay),
		},
		"cache": map[string]any{
			"user_ttl_ms":           ms(c.Cache.UserTTL),
			"product_groups_ttl_ms": ms(c.Cache.ProductGroupsTTL),
			"paywalls_ttl_ms":       ms(c.Cache.PaywallsTTL),
		},
		"attribution": map[string]any{
			"retry_delay_ms":    ms(c.Attribution.RetryDelay),
			"sweep_interval_ms": ms(c.Attribution.SweepInterval),
		},
	}
}

func ms(d time.Duration) int64 { return d.Milliseconds() }
