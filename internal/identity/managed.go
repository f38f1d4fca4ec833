package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/khanghh/identcore/internal/config"
	"golang.org/x/oauth2"
)

var providerAErrorCodes = map[string]error{
	"NotAuthorizedException":         ErrInvalidCredentials,
	"UserNotFoundException":          ErrInvalidCredentials,
	"CodeMismatchException":          ErrInvalidCredentials,
	"ExpiredCodeException":           ErrInvalidCredentials,
	"InvalidPasswordException":       ErrInvalidCredentials,
	"UserNotConfirmedException":      ErrUserNotConfirmed,
	"TooManyRequestsException":       ErrRateLimited,
	"LimitExceededException":         ErrRateLimited,
	"TooManyFailedAttemptsException": ErrRateLimited,
	"UsernameExistsException":        ErrDuplicateUser,
	"AliasExistsException":           ErrDuplicateUser,
	"InternalErrorException":         ErrProviderUnavailable,
}

var providerBErrorCodes = map[string]error{
	"EMAIL_NOT_FOUND":             ErrInvalidCredentials,
	"INVALID_PASSWORD":            ErrInvalidCredentials,
	"INVALID_LOGIN_CREDENTIALS":   ErrInvalidCredentials,
	"USER_DISABLED":               ErrInvalidCredentials,
	"INVALID_ID_TOKEN":            ErrInvalidCredentials,
	"TOKEN_EXPIRED":               ErrInvalidCredentials,
	"INVALID_OOB_CODE":            ErrInvalidCredentials,
	"EXPIRED_OOB_CODE":            ErrInvalidCredentials,
	"WEAK_PASSWORD":               ErrInvalidCredentials,
	"EMAIL_NOT_VERIFIED":          ErrUserNotConfirmed,
	"EMAIL_EXISTS":                ErrDuplicateUser,
	"TOO_MANY_ATTEMPTS_TRY_LATER": ErrRateLimited,
	"QUOTA_EXCEEDED":              ErrRateLimited,
	"INTERNAL_ERROR":              ErrProviderUnavailable,
	"UNAVAILABLE":                 ErrProviderUnavailable,
}

// ManagedAdapter adapts a managed identity service Client and maps its
// documented error codes onto the provider error taxonomy.
type ManagedAdapter struct {
	providerType ProviderType
	client       Client
	errorCodes   map[string]error
	resolver     *config.Resolver
}

func (a *ManagedAdapter) adapter() {}

func (a *ManagedAdapter) Type() ProviderType {
	return a.providerType
}

func (a *ManagedAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.resolver.GetDuration(ctx, config.KeyProviderTimeout)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (a *ManagedAdapter) mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if sentinel, ok := a.errorCodes[apiErr.Code]; ok {
			return newProviderError(a.providerType, apiErr.Code, sentinel, nil)
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return newProviderError(a.providerType, apiErr.Code, ErrRateLimited, nil)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return newProviderError(a.providerType, apiErr.Code, ErrProviderUnavailable, apiErr)
		}
		return newProviderError(a.providerType, apiErr.Code, ErrProviderFailure, apiErr)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
		retrieveErr.Response.StatusCode < http.StatusInternalServerError {
		return newProviderError(a.providerType, retrieveErr.ErrorCode, ErrProviderFailure, err)
	}
	// transport failures, deadlines and cancellations are transient
	return newProviderError(a.providerType, "", ErrProviderUnavailable, err)
}

func (a *ManagedAdapter) SignUp(ctx context.Context, email, secret string, attrs Attributes) (string, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	resp, err := a.client.SignUp(ctx, &SignUpRequest{Email: email, Password: secret, Attributes: attrs})
	if err != nil {
		return "", a.mapError(err)
	}
	return resp.SubjectID, nil
}

func (a *ManagedAdapter) SignIn(ctx context.Context, email, secret string) (*SignInResult, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	resp, err := a.client.SignIn(ctx, &SignInRequest{Email: email, Password: secret})
	if err != nil {
		return nil, a.mapError(err)
	}
	result := &SignInResult{
		SubjectID:     resp.SubjectID,
		Email:         resp.Email,
		EmailVerified: resp.EmailVerified,
		Tokens: Tokens{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			IDToken:      resp.IDToken,
		},
	}
	if resp.ExpiresIn > 0 {
		result.Tokens.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if result.Email == "" {
		result.Email = email
	}
	return result, nil
}

func (a *ManagedAdapter) VerifyToken(ctx context.Context, token string) (*TokenInfo, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	resp, err := a.client.VerifyToken(ctx, token)
	if err != nil {
		return nil, a.mapError(err)
	}
	return &TokenInfo{
		SubjectID:     resp.SubjectID,
		Email:         resp.Email,
		EmailVerified: resp.EmailVerified,
		Claims:        resp.Claims,
	}, nil
}

func (a *ManagedAdapter) InitiatePasswordReset(ctx context.Context, email string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.mapError(a.client.ForgotPassword(ctx, email))
}

func (a *ManagedAdapter) ConfirmPasswordReset(ctx context.Context, email, code, newSecret string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return a.mapError(a.client.ConfirmForgotPassword(ctx, &ConfirmForgotPasswordRequest{
		Email:       email,
		Code:        code,
		NewPassword: newSecret,
	}))
}

func NewManagedAdapter(providerType ProviderType, client Client, resolver *config.Resolver) *ManagedAdapter {
	codes := providerAErrorCodes
	if providerType == ProviderB {
		codes = providerBErrorCodes
	}
	return &ManagedAdapter{
		providerType: providerType,
		client:       client,
		errorCodes:   codes,
		resolver:     resolver,
	}
}
