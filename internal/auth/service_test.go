package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/identity"
	"github.com/khanghh/identcore/internal/notify"
	"github.com/khanghh/identcore/internal/sessions"
	"github.com/khanghh/identcore/internal/testutil"
	"github.com/khanghh/identcore/internal/twofactor"
	"github.com/khanghh/identcore/internal/users"
	"github.com/khanghh/identcore/model"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditEntry struct {
	userID  *uint
	action  string
	success bool
}

type memoryAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *memoryAuditor) Record(ctx context.Context, userID *uint, action string, metadata map[string]interface{}, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{userID: userID, action: action, success: success})
}

func (a *memoryAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.action)
	}
	return out
}

type captureSender struct {
	messages chan *notify.Message
}

func (s *captureSender) Send(ctx context.Context, destination string, message *notify.Message) error {
	s.messages <- message
	return nil
}

type fixture struct {
	svc      *Service
	mapper   *users.Mapper
	sessions *sessions.Manager
	mfa      *twofactor.Engine
	auditor  *memoryAuditor
	sender   *captureSender
}

var device = sessions.DeviceInfo{Fingerprint: "fp-1", Name: "laptop", IP: "10.0.0.1", UserAgent: "test"}

func newFixture(t *testing.T, overrides config.MapOverrides, extra ...func(*config.Resolver) identity.Adapter) *fixture {
	db := testutil.NewDB(t)
	storage, _ := testutil.NewStorage(t)
	if overrides == nil {
		overrides = config.MapOverrides{}
	}
	overrides[config.KeyTokenIssuer] = "identcore-test"
	resolver := config.NewResolver(config.NewSettingRepository(db), overrides, config.DefaultKeys(), nil)
	sender := &captureSender{messages: make(chan *notify.Message, 8)}

	adapters := []identity.Adapter{
		identity.NewLocalAdapter(identity.NewLocalCredentialRepository(db), resolver, sender, "master-key"),
	}
	for _, fn := range extra {
		adapters = append(adapters, fn(resolver))
	}
	f := &fixture{
		mapper:   users.NewMapper(users.NewUserRepository(db), users.NewMappingRepository(db), resolver),
		sessions: sessions.NewManager(sessions.NewSessionRepository(db), resolver, "master-key", nil),
		mfa:      twofactor.NewEngine(twofactor.NewMFARepository(db), storage, resolver, sender, "master-key", nil),
		auditor:  &memoryAuditor{},
		sender:   sender,
	}
	f.svc = NewService(identity.NewRegistry(resolver, adapters...), f.mapper, f.sessions, f.mfa, f.auditor, nil)
	return f
}

func (f *fixture) register(t *testing.T, email, password string) *model.User {
	t.Helper()
	user, err := f.svc.Register(context.Background(), Credentials{Email: email, Password: password}, nil)
	require.NoError(t, err)
	return user
}

func (f *fixture) nextMessage(t *testing.T) *notify.Message {
	t.Helper()
	select {
	case msg := <-f.sender.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return nil
	}
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	user := f.register(t, "A@x.com", "correct horse")
	assert.Equal(t, "a@x.com", user.Email)

	result, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	require.NoError(t, err)
	assert.Equal(t, LoginStatusComplete, result.Status)
	assert.Equal(t, StageComplete, result.Stage)
	assert.Equal(t, user.ID, result.User.ID)
	require.NotNil(t, result.Tokens)
	require.NotNil(t, result.ProviderTokens)

	got, session, err := f.svc.Authenticate(ctx, result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, result.Session.ID, session.ID)

	assert.Equal(t, []string{"register", "login_success"}, f.auditor.actions())
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "a@x.com", "correct horse")

	_, err := f.svc.Register(context.Background(), Credentials{Email: "a@x.com", Password: "another"}, nil)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, identity.ErrDuplicateUser)
	assert.Equal(t, msgRegistrationFailed, err.Error())
}

func TestLoginFailuresAreNotEnumerable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, "a@x.com", "correct horse")

	_, wrongPassword := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "wrong"}, device)
	_, unknownUser := f.svc.Login(ctx, Credentials{Email: "nobody@x.com", Password: "wrong"}, device)

	require.Error(t, wrongPassword)
	require.Error(t, unknownUser)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
	assert.Equal(t, msgAuthenticationFailed, wrongPassword.Error())
	assert.ErrorIs(t, wrongPassword, identity.ErrInvalidCredentials)
	assert.ErrorIs(t, unknownUser, identity.ErrInvalidCredentials)

	var authErr *Error
	require.ErrorAs(t, wrongPassword, &authErr)
	assert.Equal(t, StageInitiated, authErr.Stage)
	assert.Equal(t, "invalid_credentials", authErr.Kind())
	assert.False(t, authErr.Retryable())
}

func TestLoginRequiresConfirmation(t *testing.T) {
	f := newFixture(t, config.MapOverrides{config.KeyLocalRequireConfirmation: "true"})
	f.register(t, "a@x.com", "correct horse")

	_, err := f.svc.Login(context.Background(), Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	assert.ErrorIs(t, err, identity.ErrUserNotConfirmed)
	assert.Equal(t, msgNotConfirmed, err.Error())
}

func TestLoginDisabledUser(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	user := f.register(t, "a@x.com", "correct horse")
	require.NoError(t, f.mapper.SetStatus(ctx, user.ID, model.UserStatusDisabled))

	_, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	assert.ErrorIs(t, err, ErrUserDisabled)
	assert.Equal(t, msgAuthenticationFailed, err.Error())
}

func TestLoginWithMFA(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	user := f.register(t, "a@x.com", "correct horse")

	enrollment, err := f.mfa.EnrollTOTP(ctx, user.ID, user.Email)
	require.NoError(t, err)
	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.mfa.ConfirmTOTP(ctx, user.ID, code))

	result, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	require.NoError(t, err)
	assert.Equal(t, LoginStatusMFARequired, result.Status)
	assert.Equal(t, StageMFAPending, result.Stage)
	assert.Equal(t, model.MFAMethodTOTP, result.ChallengeMethod)
	assert.Nil(t, result.Tokens)
	require.NotEmpty(t, result.Challenge)

	_, err = f.svc.CompleteMFA(ctx, result.Challenge, model.MFAMethodBackupCodes, "00000-00000")
	assert.ErrorIs(t, err, twofactor.ErrInvalidCode)
	assert.Equal(t, msgInvalidCode, err.Error())

	done, err := f.svc.CompleteMFA(ctx, result.Challenge, model.MFAMethodBackupCodes, enrollment.BackupCodes[0])
	require.NoError(t, err)
	assert.Equal(t, LoginStatusComplete, done.Status)
	require.NotNil(t, done.Tokens)
	assert.Equal(t, "laptop", done.Session.DeviceName)

	_, err = f.svc.CompleteMFA(ctx, result.Challenge, model.MFAMethodBackupCodes, enrollment.BackupCodes[1])
	assert.ErrorIs(t, err, twofactor.ErrChallengeNotFound)
	assert.Equal(t, msgChallengeNotFound, err.Error())

	assert.Contains(t, f.auditor.actions(), "mfa_challenge_created")
	assert.Contains(t, f.auditor.actions(), "mfa_challenge_failed")
	assert.Contains(t, f.auditor.actions(), "mfa_challenge_verified")
}

func TestLoginWithToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	user := f.register(t, "a@x.com", "correct horse")

	first, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	require.NoError(t, err)

	second, err := f.svc.LoginWithToken(ctx, first.ProviderTokens.AccessToken, device)
	require.NoError(t, err)
	assert.Equal(t, user.ID, second.User.ID)
	assert.NotEqual(t, first.Session.ID, second.Session.ID)

	_, err = f.svc.LoginWithToken(ctx, "garbage", device)
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestRefreshReuseAndLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, "a@x.com", "correct horse")

	login, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	require.NoError(t, err)
	rotated, err := f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)

	_, err = f.svc.Refresh(ctx, login.Tokens.RefreshToken)
	assert.ErrorIs(t, err, sessions.ErrTokenReuseDetected)
	assert.Equal(t, msgSessionInvalid, err.Error())
	assert.Contains(t, f.auditor.actions(), "token_reuse_detected")

	_, err = f.svc.Refresh(ctx, rotated.RefreshToken)
	assert.ErrorIs(t, err, sessions.ErrSessionRevoked)
	_, _, err = f.svc.Authenticate(ctx, login.Tokens.AccessToken)
	assert.ErrorIs(t, err, sessions.ErrSessionRevoked)

	again, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	require.NoError(t, err)
	require.NoError(t, f.svc.Logout(ctx, again.Session.ID))
	_, _, err = f.svc.Authenticate(ctx, again.Tokens.AccessToken)
	assert.ErrorIs(t, err, sessions.ErrSessionRevoked)
}

func TestLogoutAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	user := f.register(t, "a@x.com", "correct horse")

	var current *LoginResult
	for i := 0; i < 3; i++ {
		result, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
		require.NoError(t, err)
		current = result
	}
	revoked, err := f.svc.LogoutAll(ctx, user.ID, current.Session.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, revoked)

	active, err := f.sessions.ListActive(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, current.Session.ID, active[0].ID)
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.register(t, "a@x.com", "correct horse")

	require.NoError(t, f.svc.InitiatePasswordReset(ctx, "a@x.com"))
	require.NoError(t, f.svc.InitiatePasswordReset(ctx, "nobody@x.com"))
	code := strings.Fields(f.nextMessage(t).Body)[2]

	assert.Error(t, f.svc.ConfirmPasswordReset(ctx, "a@x.com", "000000x", "battery staple"))
	require.NoError(t, f.svc.ConfirmPasswordReset(ctx, "a@x.com", code, "battery staple"))

	_, err := f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "correct horse"}, device)
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = f.svc.Login(ctx, Credentials{Email: "a@x.com", Password: "battery staple"}, device)
	assert.NoError(t, err)
}

func TestLoginProviderUnavailableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":"ServiceUnavailable","message":"maintenance"}`))
	}))
	defer srv.Close()

	f := newFixture(t, config.MapOverrides{config.KeyAuthProviderType: "providerA"}, func(r *config.Resolver) identity.Adapter {
		return identity.NewManagedAdapter(identity.ProviderA, identity.NewHTTPClient(srv.URL, srv.Client()), r)
	})

	_, err := f.svc.Login(context.Background(), Credentials{Email: "a@x.com", Password: "pw"}, device)
	var authErr *Error
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Retryable())
	assert.ErrorIs(t, err, identity.ErrProviderUnavailable)
	assert.Equal(t, msgTryAgain, err.Error())
}

func TestLoginUnconfiguredProvider(t *testing.T) {
	f := newFixture(t, config.MapOverrides{config.KeyAuthProviderType: "providerB"})
	_, err := f.svc.Login(context.Background(), Credentials{Email: "a@x.com", Password: "pw"}, device)
	assert.ErrorIs(t, err, identity.ErrUnsupportedProvider)
	assert.Equal(t, msgAuthenticationFailed, err.Error())
	assert.False(t, errors.Is(err, identity.ErrProviderUnavailable))
}
