package identity

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUserNotConfirmed    = errors.New("user not confirmed")
	ErrRateLimited         = errors.New("rate limited by identity provider")
	ErrProviderUnavailable = errors.New("identity provider unavailable")
	ErrDuplicateUser       = errors.New("user already exists")
	ErrProviderFailure     = errors.New("identity provider request failed")
	ErrUnsupportedProvider = errors.New("unsupported identity provider")
)

// ProviderError carries the provider's own error code next to the mapped
// sentinel in Err.
type ProviderError struct {
	Provider ProviderType
	Code     string
	Err      error
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Err)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry with backoff.
func (e *ProviderError) Retryable() bool {
	return errors.Is(e.Err, ErrProviderUnavailable)
}

func newProviderError(provider ProviderType, code string, sentinel error, cause error) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Code:     code,
		Err:      sentinel,
		Cause:    cause,
	}
}
