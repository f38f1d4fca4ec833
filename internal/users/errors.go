package users

import (
	"errors"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrMappingNotFound    = errors.New("provider mapping not found")
	ErrIdentityConflict   = errors.New("identity conflict")
	ErrProvisioningFailed = errors.New("identity provisioning failed")
	ErrMissingEmail       = errors.New("provider did not supply an email address")
)

// ProvisioningError is a failed, rolled back resolution. Callers may retry.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string {
	return ErrProvisioningFailed.Error() + ": " + e.Err.Error()
}

func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioningFailed, e.Err}
}

func (e *ProvisioningError) Retryable() bool {
	return true
}
