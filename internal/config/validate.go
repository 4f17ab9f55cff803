package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validVisibility = map[string]bool{
	"hidden":            true,
	"visible":           true,
	"visible_notify":    true,
	"notify_completion": true,
}

var bucketSchemes = map[string]bool{
	"s3":     true,
	"gs":     true,
	"azblob": true,
	"b2":     true,
	"http":   true,
	"https":  true,
}

// ValidationResult separates problems that must stop startup from values
// that were clamped to a safe range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Validate checks the config and returns every problem found, fatal or not.
// Dangerous values are clamped in place; warnings are logged.
func (c *Config) Validate() []error {
	result := c.ValidateTiered()
	errs := make([]error, 0, len(result.Fatals)+len(result.Warnings))
	errs = append(errs, result.Fatals...)
	errs = append(errs, result.Warnings...)
	return errs
}

// ValidateTiered checks the config, clamping out-of-range numbers.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if err := validateHTTPURL("api_url", c.APIURL, true); err != nil {
		r.Fatals = append(r.Fatals, err)
	}
	if c.AuditURL != "" {
		if err := validateHTTPURL("audit_url", c.AuditURL, false); err != nil {
			r.Fatals = append(r.Fatals, err)
		}
	}

	if hasControlChars(c.APIKey) {
		r.Fatals = append(r.Fatals, fmt.Errorf("api_key contains control characters"))
	}

	if strings.TrimSpace(c.DownloadDir) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("download_dir is required"))
	}

	if c.StorageBucketURL != "" {
		u, err := url.Parse(c.StorageBucketURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("storage_bucket_url %q is not a valid URL: %w", c.StorageBucketURL, err))
		} else if !bucketSchemes[u.Scheme] {
			r.Fatals = append(r.Fatals, fmt.Errorf("storage_bucket_url scheme %q is not supported (use s3, gs, azblob, b2, http or https)", u.Scheme))
		}
	}

	if c.Visibility != "" && !validVisibility[strings.ToLower(c.Visibility)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("visibility %q is not valid (use hidden, visible, visible_notify or notify_completion)", c.Visibility))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	r.Warnings = append(r.Warnings, clamp("catalog_timeout_seconds", &c.CatalogTimeoutSeconds, 1, 600)...)
	r.Warnings = append(r.Warnings, clamp("catalog_max_retries", &c.CatalogMaxRetries, 0, 10)...)
	r.Warnings = append(r.Warnings, clamp("download_timeout_seconds", &c.DownloadTimeoutSeconds, 10, 24*3600)...)
	r.Warnings = append(r.Warnings, clamp("workers", &c.Workers, 1, 16)...)
	r.Warnings = append(r.Warnings, clamp("queue_size", &c.QueueSize, 1, 1000)...)

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func validateHTTPURL(key, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%s is required", key)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q is not a valid URL: %w", key, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s scheme must be http or https, got %q", key, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s %q has no host", key, raw)
	}
	return nil
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

func clamp(key string, v *int, lo, hi int) []error {
	switch {
	case *v < lo:
		err := fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo)
		*v = lo
		return []error{err}
	case *v > hi:
		err := fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi)
		*v = hi
		return []error{err}
	}
	return nil
}
