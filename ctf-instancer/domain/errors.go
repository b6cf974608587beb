package domain

import (
	"errors"
	"time"
)

var (
	ErrAlreadyExists        = errors.New("instance already exists")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrProvisioningFailed   = errors.New("provisioning failed")
	ErrInstanceNotFound     = errors.New("instance not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInstanceNotAvailable = errors.New("instance not available")
	ErrConflict             = errors.New("state conflict")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInvalidInstance      = errors.New("invalid instance")
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrChallengeNotDynamic  = errors.New("challenge is not dynamic")
	ErrOwnerLimit           = errors.New("instance limit reached")
	ErrSandboxNotFound      = errors.New("sandbox not found")
	ErrRateLimited          = errors.New("rate limited")
)

// RetryAfterError tells the client when a retryable error is worth retrying.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return e.Err.Error()
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}
