package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT and SERVER_WRITE_TIMEOUT must be positive")
	}
	if c.Server.WriteTimeout > 0 && c.CoreAPI.Timeout >= c.Server.WriteTimeout {
		errs = append(errs, "CORE_API_TIMEOUT must be shorter than SERVER_WRITE_TIMEOUT")
	}

	// Core API
	if u, err := url.Parse(c.CoreAPI.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("CORE_API_URL must be an absolute URL, got %q", c.CoreAPI.URL))
	}
	if c.CoreAPI.Timeout <= 0 {
		errs = append(errs, "CORE_API_TIMEOUT must be positive")
	}
	if c.DB.QueryTimeout <= 0 {
		errs = append(errs, "DB_QUERY_TIMEOUT must be positive")
	}

	// Session clocks
	if c.Session.Duration <= 0 {
		errs = append(errs, "SESSION_DURATION must be positive")
	}
	if c.Session.TokenTTL <= 0 {
		errs = append(errs, "SESSION_TOKEN_TTL must be positive")
	}
	if c.Session.RefreshThreshold < 0 {
		errs = append(errs, "SESSION_REFRESH_THRESHOLD must not be negative")
	}
	if c.Session.TokenTTL > 0 && c.Session.RefreshThreshold >= c.Session.TokenTTL {
		errs = append(errs, "SESSION_REFRESH_THRESHOLD must be shorter than SESSION_TOKEN_TTL")
	}
	if c.Session.LockTTL <= 0 {
		errs = append(errs, "SESSION_LOCK_TTL must be positive")
	}

	// Rate limits
	switch c.RateLimit.CommitPolicy {
	case CommitAttempts, CommitSuccesses:
	default:
		errs = append(errs, fmt.Sprintf("RATELIMIT_COMMIT_POLICY must be %q or %q, got %q",
			CommitAttempts, CommitSuccesses, c.RateLimit.CommitPolicy))
	}
	errs = append(errs, c.RateLimit.Transcribe.validate("RATELIMIT_")...)
	errs = append(errs, c.RateLimit.Analyze.validate("RATELIMIT_LLM_")...)

	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, session and quota events will not be published")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

func (b LimitBundle) validate(prefix string) []string {
	var errs []string
	for name, v := range map[string]int{"HOUR": b.Hour, "DAY": b.Day, "IP_DAY": b.IPDay, "GLOBAL_DAY": b.GlobalDay} {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("%s%s must not be negative, got %d", prefix, name, v))
		}
	}
	if b == (LimitBundle{}) {
		errs = append(errs, prefix+"* must enable at least one tier")
	}
	return errs
}
