package auth

import (
	"errors"

	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/identity"
	"github.com/khanghh/identcore/internal/sessions"
	"github.com/khanghh/identcore/internal/twofactor"
	"github.com/khanghh/identcore/internal/users"
)

var (
	ErrUserDisabled = errors.New("user disabled")
)

// Stage is a step of a login attempt.
type Stage string

const (
	StageInitiated             Stage = "initiated"
	StageProviderAuthenticated Stage = "provider_authenticated"
	StageIdentityResolved      Stage = "identity_resolved"
	StageMFAPending            Stage = "mfa_pending"
	StageSessionIssued         Stage = "session_issued"
	StageComplete              Stage = "complete"
	StageFailed                Stage = "failed"
)

const (
	msgAuthenticationFailed = "authentication failed"
	msgRegistrationFailed   = "registration failed"
	msgTryAgain             = "service temporarily unavailable, please try again"
	msgRateLimited          = "too many requests, please try again later"
	msgNotConfirmed         = "account not confirmed, check your inbox for the verification code"
	msgIdentityConflict     = "this sign-in method is linked to a different account"
	msgCodeExpired          = "verification code expired, request a new one"
	msgCodeAlreadyUsed      = "verification code already used, wait for a new one"
	msgInvalidCode          = "invalid verification code"
	msgTooManyAttempts      = "too many failed attempts, please try again later"
	msgMethodNotEnrolled    = "verification method is not enabled for this account"
	msgChallengeNotFound    = "verification expired, please sign in again"
	msgSessionInvalid       = "session is no longer valid, please sign in again"
)

// Error is a failed authentication flow. Error() is safe to show to the end
// user and does not reveal whether an account exists; Unwrap returns the
// precise cause for logs and errors.Is checks.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return publicMessage(e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports a transient failure the caller may retry with backoff.
func (e *Error) Retryable() bool {
	var r interface{ Retryable() bool }
	return errors.As(e.Err, &r) && r.Retryable()
}

// Kind is a short label of the cause, used for metrics and logs.
func (e *Error) Kind() string {
	return errorKind(e.Err)
}

func publicMessage(stage Stage, err error) string {
	switch {
	case errors.Is(err, identity.ErrProviderUnavailable), errors.Is(err, users.ErrProvisioningFailed):
		return msgTryAgain
	case errors.Is(err, identity.ErrRateLimited):
		return msgRateLimited
	case errors.Is(err, identity.ErrUserNotConfirmed):
		return msgNotConfirmed
	case errors.Is(err, users.ErrIdentityConflict):
		return msgIdentityConflict
	case errors.Is(err, twofactor.ErrCodeExpired):
		return msgCodeExpired
	case errors.Is(err, twofactor.ErrCodeAlreadyUsed):
		return msgCodeAlreadyUsed
	case errors.Is(err, twofactor.ErrTooManyAttempts):
		return msgTooManyAttempts
	case errors.Is(err, twofactor.ErrInvalidCode):
		return msgInvalidCode
	case errors.Is(err, twofactor.ErrMethodNotEnrolled):
		return msgMethodNotEnrolled
	case errors.Is(err, twofactor.ErrChallengeNotFound):
		return msgChallengeNotFound
	case errors.Is(err, sessions.ErrSessionExpired), errors.Is(err, sessions.ErrSessionRevoked),
		errors.Is(err, sessions.ErrTokenReuseDetected), errors.Is(err, sessions.ErrInvalidToken),
		errors.Is(err, sessions.ErrSessionNotFound):
		return msgSessionInvalid
	}
	if stage == StageInitiated && errors.Is(err, identity.ErrDuplicateUser) {
		return msgRegistrationFailed
	}
	return msgAuthenticationFailed
}

func errorKind(err error) string {
	kinds := []struct {
		target error
		kind   string
	}{
		{identity.ErrInvalidCredentials, "invalid_credentials"},
		{identity.ErrUserNotConfirmed, "user_not_confirmed"},
		{identity.ErrRateLimited, "rate_limited"},
		{identity.ErrProviderUnavailable, "provider_unavailable"},
		{identity.ErrDuplicateUser, "duplicate_user"},
		{identity.ErrUnsupportedProvider, "unsupported_provider"},
		{identity.ErrProviderFailure, "provider_failure"},
		{users.ErrIdentityConflict, "identity_conflict"},
		{users.ErrProvisioningFailed, "provisioning_failed"},
		{users.ErrMissingEmail, "missing_email"},
		{ErrUserDisabled, "user_disabled"},
		{twofactor.ErrCodeExpired, "code_expired"},
		{twofactor.ErrCodeAlreadyUsed, "code_already_used"},
		{twofactor.ErrTooManyAttempts, "too_many_attempts"},
		{twofactor.ErrInvalidCode, "invalid_code"},
		{twofactor.ErrMethodNotEnrolled, "method_not_enrolled"},
		{twofactor.ErrChallengeNotFound, "challenge_not_found"},
		{sessions.ErrTokenReuseDetected, "token_reuse"},
		{sessions.ErrSessionExpired, "session_expired"},
		{sessions.ErrSessionRevoked, "session_revoked"},
		{sessions.ErrSessionNotFound, "session_not_found"},
		{sessions.ErrInvalidToken, "invalid_token"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return "configuration"
	}
	return "internal"
}
