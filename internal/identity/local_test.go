package identity

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/notify"
	"github.com/khanghh/identcore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type captureSender struct {
	messages chan *notify.Message
}

func (s *captureSender) Send(ctx context.Context, destination string, message *notify.Message) error {
	s.messages <- message
	return nil
}

func newTestLocalAdapter(t *testing.T, overrides config.MapOverrides) (*LocalAdapter, *captureSender) {
	db := testutil.NewDB(t)
	resolver := config.NewResolver(config.NewSettingRepository(db), overrides, config.DefaultKeys(), nil)
	sender := &captureSender{messages: make(chan *notify.Message, 4)}
	adapter := NewLocalAdapter(NewLocalCredentialRepository(db), resolver, sender, "master-key")
	adapter.bcryptCost = bcrypt.MinCost
	return adapter, sender
}

func TestLocalAdapterSignUpSignIn(t *testing.T) {
	ctx := context.Background()
	adapter, _ := newTestLocalAdapter(t, nil)

	subject, err := adapter.SignUp(ctx, " A@X.com ", "s3cret", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, subject)

	_, err = adapter.SignUp(ctx, "a@x.com", "other", nil)
	assert.ErrorIs(t, err, ErrDuplicateUser)

	result, err := adapter.SignIn(ctx, "a@x.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, subject, result.SubjectID)
	assert.Equal(t, "a@x.com", result.Email)

	info, err := adapter.VerifyToken(ctx, result.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, subject, info.SubjectID)
	assert.Equal(t, "a@x.com", info.Email)

	_, err = adapter.SignIn(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = adapter.SignIn(ctx, "nobody@x.com", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = adapter.VerifyToken(ctx, result.Tokens.AccessToken+"x")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLocalAdapterRequiresConfirmation(t *testing.T) {
	ctx := context.Background()
	adapter, _ := newTestLocalAdapter(t, config.MapOverrides{config.KeyLocalRequireConfirmation: "true"})

	_, err := adapter.SignUp(ctx, "a@x.com", "s3cret", nil)
	require.NoError(t, err)

	// wrong password never reveals confirmation state
	_, err = adapter.SignIn(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = adapter.SignIn(ctx, "a@x.com", "s3cret")
	assert.ErrorIs(t, err, ErrUserNotConfirmed)

	require.NoError(t, adapter.Confirm(ctx, "a@x.com"))
	result, err := adapter.SignIn(ctx, "a@x.com", "s3cret")
	require.NoError(t, err)
	assert.True(t, result.EmailVerified)

	assert.ErrorIs(t, adapter.Confirm(ctx, "nobody@x.com"), ErrInvalidCredentials)
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

func receiveCode(t *testing.T, sender *captureSender) string {
	select {
	case msg := <-sender.messages:
		code := codePattern.FindString(msg.Body)
		require.NotEmpty(t, code)
		return code
	case <-time.After(time.Second):
		t.Fatal("reset code was not sent")
		return ""
	}
}

func TestLocalAdapterPasswordReset(t *testing.T) {
	ctx := context.Background()
	adapter, sender := newTestLocalAdapter(t, nil)
	_, err := adapter.SignUp(ctx, "a@x.com", "old-secret", nil)
	require.NoError(t, err)

	require.NoError(t, adapter.InitiatePasswordReset(ctx, "nobody@x.com"))
	require.NoError(t, adapter.InitiatePasswordReset(ctx, "a@x.com"))
	code := receiveCode(t, sender)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	assert.ErrorIs(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", wrong, "new-secret"), ErrInvalidCredentials)
	require.NoError(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", code, "new-secret"))

	// the code is single use
	assert.ErrorIs(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", code, "third-secret"), ErrInvalidCredentials)

	_, err = adapter.SignIn(ctx, "a@x.com", "old-secret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = adapter.SignIn(ctx, "a@x.com", "new-secret")
	assert.NoError(t, err)
}

func TestLocalAdapterResetCodeAttemptLimit(t *testing.T) {
	ctx := context.Background()
	adapter, sender := newTestLocalAdapter(t, nil)
	_, err := adapter.SignUp(ctx, "a@x.com", "old-secret", nil)
	require.NoError(t, err)
	require.NoError(t, adapter.InitiatePasswordReset(ctx, "a@x.com"))
	code := receiveCode(t, sender)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", wrong, "new-secret"), ErrInvalidCredentials)
	}
	assert.ErrorIs(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", code, "new-secret"), ErrInvalidCredentials)
}

func TestLocalAdapterResetCodeConcurrentGuesses(t *testing.T) {
	ctx := context.Background()
	adapter, sender := newTestLocalAdapter(t, nil)
	_, err := adapter.SignUp(ctx, "a@x.com", "old-secret", nil)
	require.NoError(t, err)
	require.NoError(t, adapter.InitiatePasswordReset(ctx, "a@x.com"))
	code := receiveCode(t, sender)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter.ConfirmPasswordReset(ctx, "a@x.com", wrong, "new-secret")
		}()
	}
	wg.Wait()

	cred, err := adapter.credRepo.GetByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 5, cred.ResetAttempts)
	assert.ErrorIs(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", code, "new-secret"), ErrInvalidCredentials)
}

func TestLocalAdapterResetCodeLastAttempt(t *testing.T) {
	ctx := context.Background()
	adapter, sender := newTestLocalAdapter(t, nil)
	_, err := adapter.SignUp(ctx, "a@x.com", "old-secret", nil)
	require.NoError(t, err)
	require.NoError(t, adapter.InitiatePasswordReset(ctx, "a@x.com"))
	code := receiveCode(t, sender)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	for i := 0; i < 4; i++ {
		assert.ErrorIs(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", wrong, "new-secret"), ErrInvalidCredentials)
	}
	require.NoError(t, adapter.ConfirmPasswordReset(ctx, "a@x.com", code, "new-secret"))
	_, err = adapter.SignIn(ctx, "a@x.com", "new-secret")
	assert.NoError(t, err)
}

func TestRegistryActive(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	resolver := config.NewResolver(config.NewSettingRepository(db), nil, config.DefaultKeys(), nil)
	local := NewLocalAdapter(NewLocalCredentialRepository(db), resolver, notify.LogSender{}, "k")
	managed := NewManagedAdapter(ProviderA, NewHTTPClient("http://127.0.0.1:1", nil), resolver)
	registry := NewRegistry(resolver, local, managed)

	active, err := registry.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, active.Type())

	require.NoError(t, resolver.Set(ctx, config.KeyAuthProviderType, "providerA"))
	active, err = registry.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProviderA, active.Type())

	require.NoError(t, resolver.Set(ctx, config.KeyAuthProviderType, "providerB"))
	_, err = registry.Active(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)

	require.NoError(t, resolver.Set(ctx, config.KeyAuthProviderType, "ldap"))
	_, err = registry.Active(ctx)
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
}
