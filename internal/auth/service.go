package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/khanghh/identcore/internal/audit"
	"github.com/khanghh/identcore/internal/identity"
	"github.com/khanghh/identcore/internal/metrics"
	"github.com/khanghh/identcore/internal/sessions"
	"github.com/khanghh/identcore/internal/twofactor"
	"github.com/khanghh/identcore/internal/users"
	"github.com/khanghh/identcore/model"
)

// Auditor is satisfied by *audit.Logger.
type Auditor interface {
	Record(ctx context.Context, userID *uint, action string, metadata map[string]interface{}, success bool)
}

type Credentials struct {
	Email    string
	Password string
}

type LoginStatus string

const (
	LoginStatusComplete    LoginStatus = "complete"
	LoginStatusMFARequired LoginStatus = "mfa_required"
)

// LoginResult carries tokens when Status is complete, and the challenge
// token to pass to CompleteMFA when a second factor is required.
type LoginResult struct {
	Status          LoginStatus
	Stage           Stage
	User            *model.User
	Session         *model.Session
	Tokens          *sessions.Tokens
	ProviderTokens  *identity.Tokens
	Challenge       string
	ChallengeMethod model.MFAMethod
}

// challengePayload is what a suspended login needs to resume.
type challengePayload struct {
	Provider string              `json:"provider"`
	Device   sessions.DeviceInfo `json:"device"`
}

// Service is the authentication facade used by the API layer.
type Service struct {
	registry *identity.Registry
	mapper   *users.Mapper
	sessions *sessions.Manager
	mfa      *twofactor.Engine
	audit    Auditor
	metrics  metrics.Recorder
}

func (s *Service) fail(ctx context.Context, stage Stage, action string, userID *uint, err error, meta map[string]interface{}) *Error {
	authErr := &Error{Stage: stage, Err: err}
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["stage"] = string(stage)
	meta["reason"] = authErr.Kind()
	s.audit.Record(ctx, userID, action, meta, false)

	attrs := []any{"stage", stage, "kind", authErr.Kind(), "error", err}
	if userID != nil {
		attrs = append(attrs, "user", *userID)
	}
	if authErr.Retryable() || authErr.Kind() == "internal" {
		slog.Warn("Authentication flow failed", attrs...)
	} else {
		slog.Info("Authentication flow failed", attrs...)
	}
	return authErr
}

func (s *Service) loginFailed(ctx context.Context, stage Stage, userID *uint, err error, meta map[string]interface{}) *Error {
	authErr := s.fail(ctx, stage, audit.ActionLoginFailure, userID, err, meta)
	s.metrics.RecordLogin(authErr.Kind())
	return authErr
}

// Login authenticates credentials with the active provider and either
// issues a session or suspends at MFAPending.
func (s *Service) Login(ctx context.Context, creds Credentials, device sessions.DeviceInfo) (*LoginResult, error) {
	adapter, err := s.registry.Active(ctx)
	if err != nil {
		return nil, s.loginFailed(ctx, StageInitiated, nil, err, nil)
	}
	meta := map[string]interface{}{"provider": string(adapter.Type())}
	signIn, err := adapter.SignIn(ctx, creds.Email, creds.Password)
	if err != nil {
		return nil, s.loginFailed(ctx, StageInitiated, nil, err, meta)
	}
	return s.continueLogin(ctx, adapter.Type(), signIn.SubjectID, signIn.Email, signIn.EmailVerified, &signIn.Tokens, device)
}

// LoginWithToken signs in with a token issued by the active provider.
func (s *Service) LoginWithToken(ctx context.Context, token string, device sessions.DeviceInfo) (*LoginResult, error) {
	adapter, err := s.registry.Active(ctx)
	if err != nil {
		return nil, s.loginFailed(ctx, StageInitiated, nil, err, nil)
	}
	info, err := adapter.VerifyToken(ctx, token)
	if err != nil {
		return nil, s.loginFailed(ctx, StageInitiated, nil, err, map[string]interface{}{"provider": string(adapter.Type())})
	}
	return s.continueLogin(ctx, adapter.Type(), info.SubjectID, info.Email, info.EmailVerified, nil, device)
}

func (s *Service) continueLogin(ctx context.Context, provider identity.ProviderType, subjectID, email string, emailVerified bool, providerTokens *identity.Tokens, device sessions.DeviceInfo) (*LoginResult, error) {
	meta := map[string]interface{}{"provider": string(provider)}
	user, err := s.mapper.Resolve(ctx, string(provider), subjectID, email, nil)
	if err != nil {
		return nil, s.loginFailed(ctx, StageProviderAuthenticated, nil, err, meta)
	}
	if !user.IsActive() {
		return nil, s.loginFailed(ctx, StageIdentityResolved, &user.ID, ErrUserDisabled, meta)
	}
	if emailVerified && !user.EmailVerified {
		if err := s.mapper.MarkEmailVerified(ctx, user.ID); err != nil {
			slog.Warn("Failed to mark email verified", "user", user.ID, "error", err)
		} else {
			user.EmailVerified = true
		}
	}

	enrolled, err := s.mfa.IsEnrolled(ctx, user.ID)
	if err != nil {
		return nil, s.loginFailed(ctx, StageIdentityResolved, &user.ID, err, meta)
	}
	if enrolled {
		payload, err := json.Marshal(challengePayload{Provider: string(provider), Device: device})
		if err != nil {
			return nil, s.loginFailed(ctx, StageIdentityResolved, &user.ID, err, meta)
		}
		token, ch, err := s.mfa.CreateChallenge(ctx, user.ID, string(payload))
		if err != nil {
			return nil, s.loginFailed(ctx, StageMFAPending, &user.ID, err, meta)
		}
		meta["method"] = ch.Method
		s.audit.Record(ctx, &user.ID, audit.ActionMFAChallengeCreated, meta, true)
		s.metrics.RecordLogin(string(LoginStatusMFARequired))
		return &LoginResult{
			Status:          LoginStatusMFARequired,
			Stage:           StageMFAPending,
			User:            user,
			ProviderTokens:  providerTokens,
			Challenge:       token,
			ChallengeMethod: model.MFAMethod(ch.Method),
		}, nil
	}
	return s.issue(ctx, user, provider, device, providerTokens)
}

func (s *Service) issue(ctx context.Context, user *model.User, provider identity.ProviderType, device sessions.DeviceInfo, providerTokens *identity.Tokens) (*LoginResult, error) {
	meta := map[string]interface{}{"provider": string(provider)}
	session, tokens, err := s.sessions.Issue(ctx, user.ID, device)
	if err != nil {
		return nil, s.loginFailed(ctx, StageIdentityResolved, &user.ID, err, meta)
	}
	meta["session"] = session.ID
	s.audit.Record(ctx, &user.ID, audit.ActionLoginSuccess, meta, true)
	s.metrics.RecordLogin(string(LoginStatusComplete))
	return &LoginResult{
		Status:         LoginStatusComplete,
		Stage:          StageComplete,
		User:           user,
		Session:        session,
		Tokens:         tokens,
		ProviderTokens: providerTokens,
	}, nil
}

// CompleteMFA resumes a login suspended at MFAPending. An empty method uses
// the user's enrolled method; backup codes are always accepted.
func (s *Service) CompleteMFA(ctx context.Context, challenge string, method model.MFAMethod, code string) (*LoginResult, error) {
	ch, err := s.mfa.CompleteChallenge(ctx, challenge, method, code)
	if err != nil {
		meta := map[string]interface{}{}
		var failErr *twofactor.AttemptFailError
		if errors.As(err, &failErr) {
			meta["attempts_left"] = failErr.AttemptsLeft
		}
		authErr := s.fail(ctx, StageMFAPending, audit.ActionMFAChallengeFailed, nil, err, meta)
		s.metrics.RecordLogin(authErr.Kind())
		return nil, authErr
	}
	s.audit.Record(ctx, &ch.UserID, audit.ActionMFAChallengeVerified, map[string]interface{}{"method": ch.Method}, true)

	var payload challengePayload
	if err := json.Unmarshal([]byte(ch.Payload), &payload); err != nil {
		return nil, s.loginFailed(ctx, StageMFAPending, &ch.UserID, err, nil)
	}
	user, err := s.mapper.GetUser(ctx, ch.UserID)
	if err != nil {
		return nil, s.loginFailed(ctx, StageMFAPending, &ch.UserID, err, nil)
	}
	if !user.IsActive() {
		return nil, s.loginFailed(ctx, StageMFAPending, &user.ID, ErrUserDisabled, nil)
	}
	return s.issue(ctx, user, identity.ProviderType(payload.Provider), payload.Device, nil)
}

// Register signs up with the active provider and provisions the canonical
// user right away.
func (s *Service) Register(ctx context.Context, creds Credentials, attrs identity.Attributes) (*model.User, error) {
	adapter, err := s.registry.Active(ctx)
	if err != nil {
		return nil, s.fail(ctx, StageInitiated, audit.ActionRegister, nil, err, nil)
	}
	meta := map[string]interface{}{"provider": string(adapter.Type())}
	subjectID, err := adapter.SignUp(ctx, creds.Email, creds.Password, attrs)
	if err != nil {
		return nil, s.fail(ctx, StageInitiated, audit.ActionRegister, nil, err, meta)
	}
	user, err := s.mapper.Resolve(ctx, string(adapter.Type()), subjectID, creds.Email, attrs)
	if err != nil {
		return nil, s.fail(ctx, StageProviderAuthenticated, audit.ActionRegister, nil, err, meta)
	}
	s.audit.Record(ctx, &user.ID, audit.ActionRegister, meta, true)
	return user, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (*sessions.Tokens, error) {
	tokens, err := s.sessions.Refresh(ctx, refreshToken)
	if errors.Is(err, sessions.ErrTokenReuseDetected) {
		return nil, s.fail(ctx, StageFailed, audit.ActionTokenReuse, nil, err, nil)
	}
	if err != nil {
		return nil, s.fail(ctx, StageFailed, audit.ActionTokenRefresh, nil, err, nil)
	}
	return tokens, nil
}

// Authenticate resolves an access token to its canonical user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*model.User, *model.Session, error) {
	session, err := s.sessions.Authenticate(ctx, accessToken)
	if err != nil {
		return nil, nil, &Error{Stage: StageFailed, Err: err}
	}
	user, err := s.mapper.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, nil, &Error{Stage: StageFailed, Err: err}
	}
	if !user.IsActive() {
		return nil, nil, &Error{Stage: StageFailed, Err: ErrUserDisabled}
	}
	return user, session, nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return &Error{Stage: StageFailed, Err: err}
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil {
		return &Error{Stage: StageFailed, Err: err}
	}
	s.audit.Record(ctx, &session.UserID, audit.ActionLogout, map[string]interface{}{"session": sessionID}, true)
	return nil
}

// LogoutAll revokes every session of the user except exceptSessionID.
func (s *Service) LogoutAll(ctx context.Context, userID uint, exceptSessionID string) (int64, error) {
	revoked, err := s.sessions.RevokeAll(ctx, userID, exceptSessionID)
	if err != nil {
		return 0, &Error{Stage: StageFailed, Err: err}
	}
	s.audit.Record(ctx, &userID, audit.ActionLogoutAll, map[string]interface{}{"revoked": revoked}, true)
	return revoked, nil
}

func (s *Service) InitiatePasswordReset(ctx context.Context, email string) error {
	adapter, err := s.registry.Active(ctx)
	if err != nil {
		return s.fail(ctx, StageInitiated, audit.ActionPasswordResetRequest, nil, err, nil)
	}
	if err := adapter.InitiatePasswordReset(ctx, email); err != nil {
		return s.fail(ctx, StageInitiated, audit.ActionPasswordResetRequest, nil, err, nil)
	}
	s.audit.Record(ctx, nil, audit.ActionPasswordResetRequest, map[string]interface{}{"provider": string(adapter.Type())}, true)
	return nil
}

func (s *Service) ConfirmPasswordReset(ctx context.Context, email, code, newPassword string) error {
	adapter, err := s.registry.Active(ctx)
	if err != nil {
		return s.fail(ctx, StageInitiated, audit.ActionPasswordResetComplete, nil, err, nil)
	}
	if err := adapter.ConfirmPasswordReset(ctx, email, code, newPassword); err != nil {
		return s.fail(ctx, StageInitiated, audit.ActionPasswordResetComplete, nil, err, nil)
	}
	s.audit.Record(ctx, nil, audit.ActionPasswordResetComplete, map[string]interface{}{"provider": string(adapter.Type())}, true)
	return nil
}

func NewService(registry *identity.Registry, mapper *users.Mapper, sessionManager *sessions.Manager, mfa *twofactor.Engine, auditor Auditor, recorder metrics.Recorder) *Service {
	return &Service{
		registry: registry,
		mapper:   mapper,
		sessions: sessionManager,
		mfa:      mfa,
		audit:    auditor,
		metrics:  metrics.OrNoop(recorder),
	}
}
