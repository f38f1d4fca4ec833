package identity

import (
	"context"
	"fmt"
	"time"
)

type ProviderType string

const (
	ProviderA     ProviderType = "providerA"
	ProviderB     ProviderType = "providerB"
	ProviderLocal ProviderType = "local"
)

func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(s); t {
	case ProviderA, ProviderB, ProviderLocal:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

type Attributes map[string]interface{}

// Tokens are issued by the identity provider and passed through untouched.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

type SignInResult struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Tokens        Tokens
}

type TokenInfo struct {
	SubjectID     string
	Email         string
	EmailVerified bool
	Claims        map[string]interface{}
}

// Adapter is a protocol adapter over one identity provider. It keeps no
// local state about canonical users. Implementations live in this package.
type Adapter interface {
	Type() ProviderType
	SignUp(ctx context.Context, email, secret string, attrs Attributes) (subjectID string, err error)
	SignIn(ctx context.Context, email, secret string) (*SignInResult, error)
	VerifyToken(ctx context.Context, token string) (*TokenInfo, error)
	InitiatePasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, email, code, newSecret string) error

	adapter()
}
