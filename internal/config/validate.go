package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation bounds.
const (
	minPageSize = 1
	maxPageSize = 1000
)

// Validate checks all configuration values and returns all errors
// found. It accumulates every error rather than stopping at the first,
// so users see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBackend(&cfg.Backend)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateBackend(b *BackendConfig) []error {
	var errs []error

	if b.URL != "" {
		u, err := url.Parse(b.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("backend.url: must be an http(s) URL, got %q", b.URL))
		}
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.PageSize < minPageSize || s.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("sync.page_size: must be between %d and %d, got %d",
			minPageSize, maxPageSize, s.PageSize))
	}

	if s.Order != "pull-first" && s.Order != "push-first" {
		errs = append(errs, fmt.Errorf("sync.order: must be %q or %q, got %q",
			"pull-first", "push-first", s.Order))
	}

	if s.Interval != "" && s.Interval != "0" {
		if d, err := time.ParseDuration(s.Interval); err != nil {
			errs = append(errs, fmt.Errorf("sync.interval: invalid duration %q", s.Interval))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("sync.interval: must not be negative, got %q", s.Interval))
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: must be debug, info, warn, or error, got %q", l.LogLevel))
	}

	switch l.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be auto, text, or json, got %q", l.LogFormat))
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("logging.max_size_mb: must be at least 1, got %d", l.MaxSizeMB))
	}

	if l.MaxBackups < 0 {
		errs = append(errs, fmt.Errorf("logging.max_backups: must not be negative, got %d", l.MaxBackups))
	}

	return errs
}

// SyncInterval parses the periodic full-sync interval. Zero means
// disabled.
func (c *Config) SyncInterval() time.Duration {
	if c.Sync.Interval == "" || c.Sync.Interval == "0" {
		return 0
	}

	d, err := time.ParseDuration(c.Sync.Interval)
	if err != nil {
		return 0
	}

	return d
}
