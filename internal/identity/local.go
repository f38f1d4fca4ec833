package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/khanghh/identcore/internal/common"
	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/notify"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
	"golang.org/x/crypto/bcrypt"
)

type localClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// LocalAdapter is the built-in credential store provider.
type LocalAdapter struct {
	credRepo   LocalCredentialRepository
	resolver   *config.Resolver
	sender     notify.Sender
	signingKey string
	bcryptCost int
	dummyHash  []byte
}

func (a *LocalAdapter) adapter() {}

func (a *LocalAdapter) Type() ProviderType {
	return ProviderLocal
}

func (a *LocalAdapter) fail(code string, sentinel error) error {
	return newProviderError(ProviderLocal, code, sentinel, nil)
}

func (a *LocalAdapter) storeError(err error) error {
	return newProviderError(ProviderLocal, "store", ErrProviderUnavailable, err)
}

func (a *LocalAdapter) requireConfirmation(ctx context.Context) bool {
	return a.resolver.GetBool(ctx, config.KeyLocalRequireConfirmation)
}

func (a *LocalAdapter) issueToken(cred *model.LocalCredential) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(params.LocalTokenTTL)
	claims := localClaims{
		Email:         cred.Email,
		EmailVerified: cred.Confirmed,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    params.LocalTokenIssuer,
			Subject:   cred.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.signingKey))
	return signed, expiresAt, err
}

func (a *LocalAdapter) SignUp(ctx context.Context, email, secret string, attrs Attributes) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || secret == "" {
		return "", a.fail("InvalidParameter", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.bcryptCost)
	if err != nil {
		return "", a.fail("InvalidPassword", ErrInvalidCredentials)
	}
	now := time.Now()
	cred := &model.LocalCredential{
		SubjectID:        uuid.NewString(),
		Email:            email,
		PasswordHash:     string(hash),
		Confirmed:        !a.requireConfirmation(ctx),
		PasswordChangeAt: now,
	}
	if err := a.credRepo.Create(ctx, cred); err != nil {
		if common.IsDuplicateKeyError(err) {
			return "", a.fail("UsernameExists", ErrDuplicateUser)
		}
		return "", a.storeError(err)
	}
	return cred.SubjectID, nil
}

func (a *LocalAdapter) SignIn(ctx context.Context, email, secret string) (*SignInResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	cred, err := a.credRepo.GetByEmail(ctx, email)
	if err != nil {
		return nil, a.storeError(err)
	}
	if cred == nil {
		// equal work for unknown emails
		bcrypt.CompareHashAndPassword(a.dummyHash, []byte(secret))
		return nil, a.fail("NotAuthorized", ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(secret)); err != nil {
		return nil, a.fail("NotAuthorized", ErrInvalidCredentials)
	}
	if !cred.Confirmed && a.requireConfirmation(ctx) {
		return nil, a.fail("UserNotConfirmed", ErrUserNotConfirmed)
	}
	token, expiresAt, err := a.issueToken(cred)
	if err != nil {
		return nil, err
	}
	return &SignInResult{
		SubjectID:     cred.SubjectID,
		Email:         cred.Email,
		EmailVerified: cred.Confirmed,
		Tokens: Tokens{
			AccessToken: token,
			IDToken:     token,
			ExpiresAt:   expiresAt,
		},
	}, nil
}

func (a *LocalAdapter) VerifyToken(ctx context.Context, tokenStr string) (*TokenInfo, error) {
	var claims localClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.signingKey), nil
	}, jwt.WithIssuer(params.LocalTokenIssuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, newProviderError(ProviderLocal, "InvalidToken", ErrInvalidCredentials, err)
	}
	return &TokenInfo{
		SubjectID:     claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Claims: map[string]interface{}{
			"iss": claims.Issuer,
			"sub": claims.Subject,
			"exp": claims.ExpiresAt.Unix(),
		},
	}, nil
}

// Confirm marks a registered email as verified.
func (a *LocalAdapter) Confirm(ctx context.Context, email string) error {
	ok, err := a.credRepo.Confirm(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return a.storeError(err)
	}
	if !ok {
		return a.fail("UserNotFound", ErrInvalidCredentials)
	}
	return nil
}

func (a *LocalAdapter) resetCodeHash(subjectID, code string) string {
	return common.CalculateHash(a.signingKey, "reset", subjectID, code)
}

// InitiatePasswordReset sends a reset code. Unknown emails succeed silently.
func (a *LocalAdapter) InitiatePasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	cred, err := a.credRepo.GetByEmail(ctx, email)
	if err != nil {
		return a.storeError(err)
	}
	if cred == nil {
		return nil
	}
	code, err := common.GenerateNumericCode(params.OTPCodeLength)
	if err != nil {
		return err
	}
	ttl := a.resolver.GetDuration(ctx, config.KeyPasswordResetCodeTTL)
	if err := a.credRepo.SetResetCode(ctx, cred.SubjectID, a.resetCodeHash(cred.SubjectID, code), time.Now().Add(ttl)); err != nil {
		return a.storeError(err)
	}
	notify.Dispatch(ctx, a.sender, cred.Email, notify.PasswordResetMessage(code, ttl))
	return nil
}

func (a *LocalAdapter) ConfirmPasswordReset(ctx context.Context, email, code, newSecret string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	cred, err := a.credRepo.GetByEmail(ctx, email)
	if err != nil {
		return a.storeError(err)
	}
	if cred == nil || cred.ResetCodeHash == "" || cred.ResetConsumedAt != nil {
		return a.fail("ExpiredCode", ErrInvalidCredentials)
	}
	now := time.Now()
	if cred.ResetExpiresAt == nil || !now.Before(*cred.ResetExpiresAt) {
		return a.fail("ExpiredCode", ErrInvalidCredentials)
	}
	reserved, err := a.credRepo.ReserveResetAttempt(ctx, cred.SubjectID, params.ResetCodeMaxAttempts)
	if err != nil {
		return a.storeError(err)
	}
	if !reserved {
		return a.fail("ExpiredCode", ErrInvalidCredentials)
	}
	codeHash := a.resetCodeHash(cred.SubjectID, code)
	if !common.HashEqual(codeHash, cred.ResetCodeHash) {
		return a.fail("CodeMismatch", ErrInvalidCredentials)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newSecret), a.bcryptCost)
	if err != nil {
		return a.fail("InvalidPassword", ErrInvalidCredentials)
	}
	ok, err := a.credRepo.ConsumeResetCode(ctx, cred.SubjectID, codeHash, string(hash), params.ResetCodeMaxAttempts, now)
	if err != nil {
		return a.storeError(err)
	}
	if !ok {
		return a.fail("ExpiredCode", ErrInvalidCredentials)
	}
	return nil
}

func NewLocalAdapter(credRepo LocalCredentialRepository, resolver *config.Resolver, sender notify.Sender, masterKey string) *LocalAdapter {
	dummyHash, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	return &LocalAdapter{
		credRepo:   credRepo,
		resolver:   resolver,
		sender:     sender,
		signingKey: common.CalculateHash(masterKey, "local-provider"),
		bcryptCost: bcrypt.DefaultCost,
		dummyHash:  dummyHash,
	}
}
