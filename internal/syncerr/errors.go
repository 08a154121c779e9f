// Package syncerr defines the error taxonomy used across a sync run. Each
// type wraps an underlying cause and can be matched with errors.As.
package syncerr

import (
	"errors"
	"fmt"
)

// SourceTransientError is a network, rate-limit or 5xx failure talking to the
// source. It is retried with backoff.
type SourceTransientError struct {
	Op  string
	Err error
}

func (e *SourceTransientError) Error() string {
	return fmt.Sprintf("source %s: transient: %v", e.Op, e.Err)
}
func (e *SourceTransientError) Unwrap() error { return e.Err }

// SourceFatalError is an authentication or otherwise permanent source failure.
// It aborts the affected collection.
type SourceFatalError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *SourceFatalError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source %s: fatal (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s: fatal: %v", e.Op, e.Err)
}
func (e *SourceFatalError) Unwrap() error { return e.Err }

// RecordValidationError describes every violation found on a single record.
type RecordValidationError struct {
	RecordID   string
	Violations []string
}

func (e *RecordValidationError) Error() string {
	return fmt.Sprintf("record %s: %d violation(s): %v", e.RecordID, len(e.Violations), e.Violations)
}

// SinkWriteError is a failed write to the warehouse.
type SinkWriteError struct {
	Op      string
	BatchID string
	Err     error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("sink %s batch=%s: %v", e.Op, e.BatchID, e.Err)
}
func (e *SinkWriteError) Unwrap() error { return e.Err }

// ConfigurationError reports missing or inconsistent collection or rule data.
type ConfigurationError struct {
	Subject string
	Err     error
}

func (e *ConfigurationError) Error() string { return fmt.Sprintf("config %s: %v", e.Subject, e.Err) }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// FieldResolutionDegraded reports that the rule store could not be read and
// field resolution runs on the embedded baseline and fallback tiers only.
// It never aborts anything.
type FieldResolutionDegraded struct {
	Err error
}

func (e *FieldResolutionDegraded) Error() string {
	return fmt.Sprintf("field resolution degraded: %v", e.Err)
}
func (e *FieldResolutionDegraded) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *SourceTransientError
	if errors.As(err, &te) {
		return true
	}
	var se *SinkWriteError
	return errors.As(err, &se)
}

// IsFatal reports whether err is a permanent source failure.
func IsFatal(err error) bool {
	var fe *SourceFatalError
	return errors.As(err, &fe)
}
