// Package errors defines the error taxonomy of the audit engine and a
// retry helper for the ingestion boundary. Structural failures
// (ingestion, parsing) are fatal and stop the run; data-quality
// findings are never errors; they travel as models.QualityIssue.
package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-option-audit/internal/config"
)

// ErrorType classifies a structural failure.
type ErrorType string

const (
	// ErrorTypeIngestion covers failures of the external export
	// collaborator. Retryable up to the configured attempt budget.
	ErrorTypeIngestion ErrorType = "ingestion"
	// ErrorTypeParse covers malformed rows: a timestamp or expiry no
	// layout can parse, or an export schema mismatch. Never retried;
	// continuing would make all temporal reasoning meaningless.
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeArtifact covers failures while emitting artifacts.
	ErrorTypeArtifact ErrorType = "artifact"
	// ErrorTypeConfiguration covers invalid run configuration.
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeInternal covers invariant violations inside the engine.
	ErrorTypeInternal ErrorType = "internal"
)

// AuditError is a classified structural failure.
type AuditError struct {
	Type      ErrorType `json:"type"`
	Component string    `json:"component"`
	Err       error     `json:"error"`
	Retryable bool      `json:"retryable"`
}

// Error implements the error interface.
func (e *AuditError) Error() string {
	return fmt.Sprintf("[%s/%s] %v", e.Component, e.Type, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuditError) Unwrap() error { return e.Err }

// Is matches on error type so callers can test with errors.Is against
// the sentinel constructors below.
func (e *AuditError) Is(target error) bool {
	if t, ok := target.(*AuditError); ok {
		return e.Type == t.Type
	}
	return errors.Is(e.Err, target)
}

// NewIngestionError wraps a failure of the snapshot export collaborator.
func NewIngestionError(component string, err error) *AuditError {
	return &AuditError{Type: ErrorTypeIngestion, Component: component, Err: err, Retryable: true}
}

// NewParseError wraps a malformed-row or schema-mismatch failure.
func NewParseError(component string, err error) *AuditError {
	return &AuditError{Type: ErrorTypeParse, Component: component, Err: err}
}

// NewArtifactError wraps an artifact emission failure.
func NewArtifactError(component string, err error) *AuditError {
	return &AuditError{Type: ErrorTypeArtifact, Component: component, Err: err}
}

// NewInternalError wraps an engine invariant violation.
func NewInternalError(component string, err error) *AuditError {
	return &AuditError{Type: ErrorTypeInternal, Component: component, Err: err}
}

// IsIngestionError reports whether err is classified as an ingestion
// failure.
func IsIngestionError(err error) bool {
	var ae *AuditError
	return errors.As(err, &ae) && ae.Type == ErrorTypeIngestion
}

// IsParseError reports whether err is classified as a parse failure.
func IsParseError(err error) bool {
	var ae *AuditError
	return errors.As(err, &ae) && ae.Type == ErrorTypeParse
}

// IsRetryable reports whether the error may be retried at the
// ingestion boundary.
func IsRetryable(err error) bool {
	var ae *AuditError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// RetryPolicy is a resolved retry configuration.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// PolicyFromConfig resolves the configured retry durations.
func PolicyFromConfig(cfg config.RetryConfig) (RetryPolicy, error) {
	if cfg.MaxAttempts < 1 {
		return RetryPolicy{}, fmt.Errorf("invalid retry.max_attempts: %d, must be at least 1", cfg.MaxAttempts)
	}
	initial, err := time.ParseDuration(cfg.InitialDelay)
	if err != nil {
		return RetryPolicy{}, fmt.Errorf("invalid retry.initial_delay: %w", err)
	}
	max, err := time.ParseDuration(cfg.MaxDelay)
	if err != nil {
		return RetryPolicy{}, fmt.Errorf("invalid retry.max_delay: %w", err)
	}
	return RetryPolicy{MaxAttempts: cfg.MaxAttempts, InitialDelay: initial, MaxDelay: max}, nil
}

// Retry runs fn under exponential backoff, retrying only errors
// classified as retryable. Non-retryable errors abort immediately. An
// attempt budget below one gets a single attempt; the max-retries
// count is unsigned and must never wrap.
func Retry(policy RetryPolicy, fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithMaxRetries(bo, uint64(attempts-1)))
}
