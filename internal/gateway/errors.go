package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ErrorKind classifies a failed publish for callers that react programmatically.
type ErrorKind string

const (
	KindConfigMissing ErrorKind = "config_missing"
	KindRateLimited   ErrorKind = "rate_limited"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindAuthFailed    ErrorKind = "auth_failed"
	KindUpstream      ErrorKind = "upstream_error"
	KindNetwork       ErrorKind = "network_error"
	KindUnsupported   ErrorKind = "unsupported_platform"
	KindValidation    ErrorKind = "validation_error"
)

// MissingEnvError is returned when required configuration is missing.
type MissingEnvError struct {
	Provider  string
	Variables []string
}

func (e MissingEnvError) Error() string {
	if len(e.Variables) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Provider)
	}
	return fmt.Sprintf("%s credentials not configured (missing %s)", e.Provider, strings.Join(e.Variables, ", "))
}

// ValidationError captures provider-specific validation issues.
type ValidationError struct {
	Provider string
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Provider, e.Reason)
}

// AuthError means a token or session could not be established.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx answer from a platform.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// RateLimitedError is returned when a platform's sliding window is exhausted.
type RateLimitedError struct {
	Platform   Platform
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Platform, e.RetryAfter.Round(time.Second))
}

// QuotaExceededError is returned when a monthly cap is exhausted.
type QuotaExceededError struct {
	Platform  Platform
	Remaining int
	Limit     int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded for %s: %d of %d posts remaining this month", e.Platform, e.Remaining, e.Limit)
}

// UnsupportedPlatformError is returned when no adapter is registered.
type UnsupportedPlatformError struct {
	Platform Platform
}

func (e *UnsupportedPlatformError) Error() string {
	return fmt.Sprintf("Publishing to %s is not yet supported", e.Platform)
}

// KindOf classifies err. Transport failures map to KindNetwork and anything
// unrecognised is treated as an upstream failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var (
		missing     MissingEnvError
		validation  ValidationError
		authErr     *AuthError
		upstream    *UpstreamError
		rateLimited *RateLimitedError
		quota       *QuotaExceededError
		unsupported *UnsupportedPlatformError
		urlErr      *url.Error
		netErr      net.Error
	)

	switch {
	case errors.As(err, &missing):
		return KindConfigMissing
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &rateLimited):
		return KindRateLimited
	case errors.As(err, &quota):
		return KindQuotaExceeded
	case errors.As(err, &unsupported):
		return KindUnsupported
	case errors.As(err, &authErr):
		return KindAuthFailed
	case errors.As(err, &upstream):
		return KindUpstream
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.As(err, &urlErr), errors.As(err, &netErr):
		return KindNetwork
	}
	return KindUpstream
}
