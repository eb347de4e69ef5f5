// Package errors defines the closed error taxonomy of the Oneiric core.
// Components wrap these sentinels with fmt.Errorf("%w", ...) so callers can
// classify failures with errors.Is without depending on message text.
package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Registration and resolution errors.
var (
	// ErrInvalidCandidate is returned when registration input violates the candidate invariants.
	ErrInvalidCandidate = errors.New("invalid candidate")
	// ErrNoCandidate is returned when no candidate is registered for a (domain, key) slot.
	ErrNoCandidate = errors.New("no candidate registered")
	// ErrNoCapableCandidate is returned when capabilities were required and no candidate satisfies them.
	ErrNoCapableCandidate = errors.New("no capable candidate")
	// ErrUnknownProviderOverride is returned when a provider override matches no registered candidate.
	ErrUnknownProviderOverride = errors.New("unknown provider override")
)

// Factory guard errors.
var (
	// ErrFactoryNotAllowed is returned when a factory descriptor is rejected by the guard.
	ErrFactoryNotAllowed = errors.New("factory not allowed")
)

// Lifecycle errors.
var (
	// ErrActivateFailed is returned when activation of a candidate fails.
	ErrActivateFailed = errors.New("activate failed")
	// ErrSwapFailed is returned when a swap fails; see SwapError for rollback state.
	ErrSwapFailed = errors.New("swap failed")
	// ErrHealthCheckFailed is returned when a health probe reports unhealthy.
	ErrHealthCheckFailed = errors.New("health check failed")
)

// Remote pipeline errors.
var (
	// ErrDigestMismatch is returned when a downloaded artifact does not match its declared sha256.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrSignatureInvalid is returned when no trusted key verifies the manifest signature.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrManifestExpired is returned when signed_at is outside the accepted window.
	ErrManifestExpired = errors.New("manifest expired")
	// ErrPathTraversalBlocked is returned when an artifact path would escape the cache root.
	ErrPathTraversalBlocked = errors.New("path traversal blocked")
	// ErrUnsafeArtifactURI is returned when an artifact URI has a disallowed scheme or host.
	ErrUnsafeArtifactURI = errors.New("unsafe artifact uri")
)

// Cross-cutting errors.
var (
	// ErrTimeout is returned when any deadline is exceeded.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrCircuitOpen is returned when the remote loader refuses due to breaker state.
	ErrCircuitOpen = errors.New("circuit open")
)

// SwapError carries the rollback outcome of a failed swap. It unwraps to
// ErrSwapFailed so errors.Is(err, ErrSwapFailed) holds either way.
type SwapError struct {
	Domain     string
	Key        string
	Provider   string
	RolledBack bool
	Cause      error
}

func (e *SwapError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("swap failed for %s/%s (provider %s), rolled back: %v", e.Domain, e.Key, e.Provider, e.Cause)
	}
	return fmt.Sprintf("swap failed for %s/%s (provider %s): %v", e.Domain, e.Key, e.Provider, e.Cause)
}

func (e *SwapError) Unwrap() error { return ErrSwapFailed }

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context while preserving the chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// FromContext translates a context cancellation into the core taxonomy.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across components.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
