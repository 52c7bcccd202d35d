package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // config key, e.g. "transport.timeout"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks c and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	for _, f := range []struct {
		key, val string
	}{{"api_url", c.APIURL}, {"launch_url", c.LaunchURL}} {
		u, err := url.Parse(f.val)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{f.key, f.val, "must be an absolute http(s) URL"})
		}
	}

	for _, f := range []struct {
		key string
		val time.Duration
	}{
		{"flush_interval", c.FlushInterval},
		{"maintenance_interval", c.MaintenanceInterval},
		{"initial_drain_delay", c.InitialDrainDelay},
		{"shutdown_timeout", c.ShutdownTimeout},
		{"transport.timeout", c.Transport.Timeout},
		{"auth.prompt_threshold", c.Auth.PromptThreshold},
		{"auth.confirm_initial_delay", c.Auth.ConfirmInitialDelay},
		{"auth.confirm_poll_interval", c.Auth.ConfirmPollInterval},
		{"auth.liveness_cache_ttl", c.Auth.LivenessCacheTTL},
	} {
		if f.val <= 0 {
			errs = append(errs, ValidationError{f.key, f.val, "must be positive"})
		}
	}

	if c.Workers < 1 {
		errs = append(errs, ValidationError{"workers", c.Workers, "must be at least 1"})
	}
	if c.Queue.MaxEntries < 0 {
		errs = append(errs, ValidationError{"queue.max_entries", c.Queue.MaxEntries, "must not be negative"})
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		errs = append(errs, ValidationError{"log.level", c.Log.Level,
			"must be one of " + strings.Join(ValidLogLevels(), ", ")})
	}
	if c.Log.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{"log.max_size_mb", c.Log.MaxSizeMB, "must be at least 1"})
	}
	return errs
}
