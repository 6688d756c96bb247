package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error kinds the engine routes on. Transient errors are retried with
// bounded backoff; permanent errors surface immediately.
var (
	ErrTransient        = errors.New("transient external error")
	ErrPermanent        = errors.New("permanent external error")
	ErrRateLimited      = errors.New("rate limited")
	ErrGenerationFailed = errors.New("content generation failed")
	ErrDataIntegrity    = errors.New("data integrity error")
	ErrConfiguration    = errors.New("configuration error")
)

// Transient wraps err as a retryable external failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent wraps err as a non-retryable external failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// IsTransient reports whether err should be retried. Timeouts and rate
// limits count as transient per the error handling contract.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsPermanent reports whether err should not be retried at all.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}
