package tdp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoAvailableHosts is returned when the selection strategy cannot produce
	// any connection for an operation. It is never retried.
	// You can check for this error with errors.Is.
	ErrNoAvailableHosts = errors.New("no available hosts")

	// ErrConnectionPoolClosed is returned when a connection pool shutdown has been triggered.
	ErrConnectionPoolClosed = errors.New("connection pool closed")

	// ErrPoolNotStarted is returned by execute methods before Start has completed
	// or after Shutdown.
	ErrPoolNotStarted = errors.New("connection pool not started")

	// ErrUpdaterStopped is returned by HostsUpdater.RefreshHosts after Stop.
	ErrUpdaterStopped = errors.New("hosts updater stopped")

	// ErrMisconfiguration is returned when a required collaborator or setting is missing.
	ErrMisconfiguration = errors.New("connection pool misconfigured")
)

// DynoError is a recoverable backend or transport error. Operations failing with
// a DynoError are retried under the RetryPolicy and reported to the health tracker.
type DynoError struct {
	Message string
	Host    Host
	Cause   error
}

func (e *DynoError) Error() string {
	prefix := "dyno error"
	if e.Host.HostName != "" {
		prefix = fmt.Sprintf("dyno error on %s", e.Host.Address())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *DynoError) Unwrap() error {
	return e.Cause
}

// NewDynoError wraps a backend failure observed on host.
func NewDynoError(host Host, message string, cause error) *DynoError {
	return &DynoError{Message: message, Host: host, Cause: cause}
}

// NewCodecError wraps a value-codec failure in the DynoError family. Codec
// errors happen client-side before any host is involved, so they carry none.
func NewCodecError(message string, cause error) *DynoError {
	return &DynoError{Message: message, Cause: cause}
}

// PoolExhaustedError is returned when a sub-pool cannot hand out a connection
// within the borrow deadline. It is a recoverable condition.
type PoolExhaustedError struct {
	Host    Host
	Timeout time.Duration
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("host pool %s exhausted after %s", e.Host.Address(), e.Timeout)
}

// FatalError wraps an unexpected programming error surfaced from an execute
// path. It is never retried.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal connection pool error: %v", e.Cause)
}

func (e *FatalError) Unwrap() error {
	return e.Cause
}

// IsRecoverable reports whether err may be retried under a RetryPolicy.
// NoAvailableHosts and fatal errors are not recoverable; backend errors and
// pool exhaustion are.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoAvailableHosts) {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	var dynoErr *DynoError
	if errors.As(err, &dynoErr) {
		return true
	}
	var exhausted *PoolExhaustedError
	return errors.As(err, &exhausted)
}
