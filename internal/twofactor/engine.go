package twofactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khanghh/identcore/internal/common"
	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/metrics"
	"github.com/khanghh/identcore/internal/notify"
	"github.com/khanghh/identcore/internal/store"
	"github.com/khanghh/identcore/model"
)

// Engine manages second factor enrollment and verification.
type Engine struct {
	mfaRepo    MFARepository
	limiter    *attemptLimiter
	challenges *challengeStore
	resolver   *config.Resolver
	sender     notify.Sender
	masterKey  string
	metrics    metrics.Recorder
	now        func() time.Time
}

func (e *Engine) hashCode(kind string, userID uint, code string) string {
	return common.CalculateHash(e.masterKey, kind, userID, code)
}

// State returns the user's state, reporting users that never enrolled as
// unenrolled.
func (e *Engine) State(ctx context.Context, userID uint) (*model.MFAState, error) {
	state, found, err := e.mfaRepo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !found {
		return &model.MFAState{UserID: userID, Status: model.MFAStatusUnenrolled}, nil
	}
	return state, nil
}

func (e *Engine) IsEnrolled(ctx context.Context, userID uint) (bool, error) {
	state, err := e.State(ctx, userID)
	if err != nil {
		return false, err
	}
	return state.IsEnrolled(), nil
}

func (e *Engine) generateBackupCodes(ctx context.Context, userID uint) ([]string, []model.BackupCode, error) {
	count := e.resolver.GetInt(ctx, config.KeyMFABackupCodeCount)
	plain := make([]string, 0, count)
	rows := make([]model.BackupCode, 0, count)
	for i := 0; i < count; i++ {
		code, err := generateBackupCode()
		if err != nil {
			return nil, nil, err
		}
		plain = append(plain, code)
		rows = append(rows, model.BackupCode{
			UserID:   userID,
			CodeHash: e.hashCode("backup", userID, normalizeBackupCode(code)),
		})
	}
	return plain, rows, nil
}

// RegenerateBackupCodes replaces every backup code of an enrolled user.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID uint) ([]string, error) {
	state, err := e.State(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !state.IsEnrolled() {
		return nil, ErrMethodNotEnrolled
	}
	plain, rows, err := e.generateBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := e.mfaRepo.ReplaceBackupCodes(ctx, userID, rows); err != nil {
		return nil, err
	}
	slog.Info("Regenerated backup codes", "user", userID, "count", len(plain))
	return plain, nil
}

// Disable opts an enrolled user out of second factor verification.
func (e *Engine) Disable(ctx context.Context, userID uint) error {
	state, err := e.State(ctx, userID)
	if err != nil {
		return err
	}
	if !state.IsEnrolled() {
		return ErrMethodNotEnrolled
	}
	if err := e.mfaRepo.Disable(ctx, userID); err != nil {
		return err
	}
	slog.Info("Disabled second factor", "user", userID, "method", state.Method)
	return nil
}

// Verify checks code against the user's enrolled method. A wrong code
// returns false with an AttemptFailError. Codes are accepted at most once.
func (e *Engine) Verify(ctx context.Context, userID uint, method model.MFAMethod, code string) (bool, error) {
	now := e.now()
	if err := e.limiter.Check(ctx, userID, now); err != nil {
		e.metrics.RecordMFAVerification(string(method), "locked")
		return false, err
	}

	state, err := e.State(ctx, userID)
	if err != nil {
		return false, err
	}
	if !state.IsEnrolled() {
		return false, ErrMethodNotEnrolled
	}

	var verify codeVerifier
	switch {
	case method == model.MFAMethodBackupCodes:
		if state.BackupCodesRemaining == 0 {
			return false, ErrMethodNotEnrolled
		}
		verify = e.verifyBackupCode
	case method != state.Method:
		return false, ErrMethodNotEnrolled
	case method == model.MFAMethodTOTP:
		verify = e.verifyTOTP
	case method == model.MFAMethodSMS:
		verify = e.verifySMS
	default:
		return false, ErrMethodNotEnrolled
	}
	return e.checkCode(ctx, state, method, code, now, verify)
}

type codeVerifier func(context.Context, *model.MFAState, string, time.Time) (bool, error)

// checkCode reserves a verification slot, runs verify and settles the outcome
// against the attempt limiter.
func (e *Engine) checkCode(ctx context.Context, state *model.MFAState, method model.MFAMethod, code string, now time.Time, verify codeVerifier) (bool, error) {
	userID := state.UserID
	slot, err := e.limiter.Reserve(ctx, userID, now)
	if err != nil {
		if errors.Is(err, ErrTooManyAttempts) {
			e.metrics.RecordMFAVerification(string(method), "locked")
			return false, err
		}
		return false, fmt.Errorf("reserve attempt: %w", err)
	}

	ok, verifyErr := verify(ctx, state, code, now)
	if ok {
		if err := e.limiter.Reset(ctx, userID); err != nil {
			slog.Warn("Failed to reset verification attempts", "user", userID, "error", err)
		}
		e.metrics.RecordMFAVerification(string(method), "success")
		return true, nil
	}
	if verifyErr != nil {
		if errors.Is(verifyErr, ErrCodeAlreadyUsed) || errors.Is(verifyErr, ErrCodeExpired) {
			e.metrics.RecordMFAVerification(string(method), "rejected")
		} else {
			e.metrics.RecordMFAVerification(string(method), "error")
		}
		return false, verifyErr
	}
	if !slot.lockedUntil.IsZero() {
		e.metrics.RecordMFAVerification(string(method), "locked")
		slog.Warn("Second factor locked after repeated failures", "user", userID, "method", method)
		return false, &UserLockedError{Until: slot.lockedUntil}
	}
	e.metrics.RecordMFAVerification(string(method), "failure")
	return false, NewAttemptFailError(slot.left)
}

// CreateChallenge suspends a login until CompleteChallenge succeeds. The
// payload is returned untouched on completion.
func (e *Engine) CreateChallenge(ctx context.Context, userID uint, payload string) (string, *Challenge, error) {
	state, err := e.State(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if !state.IsEnrolled() {
		return "", nil, ErrMethodNotEnrolled
	}
	ttl := e.resolver.GetDuration(ctx, config.KeyMFAChallengeTTL)
	token, ch, err := e.challenges.Create(ctx, userID, string(state.Method), payload, e.now(), ttl)
	if err != nil {
		return "", nil, err
	}
	if state.Method == model.MFAMethodSMS {
		if err := e.SendSMSCode(ctx, userID); err != nil {
			if delErr := e.challenges.Delete(ctx, ch.ID); delErr != nil {
				slog.Warn("Failed to discard challenge", "challenge", ch.ID, "error", delErr)
			}
			return "", nil, err
		}
	}
	return token, ch, nil
}

// CompleteChallenge verifies code for the challenge and consumes it. An empty
// method uses the method the challenge was created for.
func (e *Engine) CompleteChallenge(ctx context.Context, token string, method model.MFAMethod, code string) (*Challenge, error) {
	ch, err := e.challenges.Open(ctx, token, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.challenges.CountAttempt(ctx, ch, e.now()); err != nil {
		return nil, err
	}
	if method == "" {
		method = model.MFAMethod(ch.Method)
	}
	ok, err := e.Verify(ctx, ch.UserID, method, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCode
	}
	if err := e.challenges.Finish(ctx, ch.ID); err != nil {
		return nil, err
	}
	return ch, nil
}

func NewEngine(mfaRepo MFARepository, storage store.Storage, resolver *config.Resolver, sender notify.Sender, masterKey string, recorder metrics.Recorder) *Engine {
	return &Engine{
		mfaRepo:    mfaRepo,
		limiter:    newAttemptLimiter(storage, resolver),
		challenges: newChallengeStore(storage, common.CalculateHash(masterKey, "mfa-challenge")),
		resolver:   resolver,
		sender:     sender,
		masterKey:  masterKey,
		metrics:    metrics.OrNoop(recorder),
		now:        time.Now,
	}
}
