package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrDimensionMismatch signals a profile/embedding vector length
	// disagreement. Fatal for the whole ranking call: it means the
	// index is corrupt or stale, not that one entity is bad.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrUnknownEntity signals a lookup or interaction against an
	// identifier the entity store has never seen.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrProfileMissing signals that no profile has been built yet.
	ErrProfileMissing = errors.New("profile missing")

	// ErrReconcileInProgress signals that another pass holds the
	// single-writer reconciliation lock.
	ErrReconcileInProgress = errors.New("reconciliation already in progress")
)

// FetchError is a transient failure talking to the listing source.
// The run it interrupts rolls back; the fetcher may retry with backoff.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError marks a structurally unusable record. Skipped and
// counted, never fatal for the pass.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s: %s", e.Field, e.Reason)
}

// StoreError wraps a durable-store read/write rejection. Fatal for the
// current operation and always surfaced to the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is (or wraps) a transient fetch failure.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsValidationError reports whether err is (or wraps) a validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStoreError reports whether err is (or wraps) a store failure.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
