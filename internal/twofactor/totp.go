package twofactor

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type TOTPEnrollment struct {
	URL         string
	Secret      string
	BackupCodes []string
}

var totpOpts = totp.ValidateOpts{
	Period:    params.TOTPPeriod,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// EnrollTOTP generates a new shared secret and backup codes, replacing any
// previous enrollment. The method is usable after ConfirmTOTP.
func (e *Engine) EnrollTOTP(ctx context.Context, userID uint, accountName string) (*TOTPEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.resolver.GetString(ctx, config.KeyMFATOTPIssuer),
		AccountName: accountName,
		Period:      totpOpts.Period,
		Digits:      totpOpts.Digits,
		Algorithm:   totpOpts.Algorithm,
	})
	if err != nil {
		return nil, err
	}
	plain, rows, err := e.generateBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	state := &model.MFAState{
		UserID: userID,
		Method: model.MFAMethodTOTP,
		Status: model.MFAStatusPendingVerification,
		Secret: key.Secret(),
	}
	if err := e.mfaRepo.Replace(ctx, state, rows); err != nil {
		return nil, err
	}
	slog.Info("Started totp enrollment", "user", userID)
	return &TOTPEnrollment{URL: key.URL(), Secret: key.Secret(), BackupCodes: plain}, nil
}

// ConfirmTOTP completes a pending enrollment with the first valid code.
func (e *Engine) ConfirmTOTP(ctx context.Context, userID uint, code string) error {
	state, err := e.State(ctx, userID)
	if err != nil {
		return err
	}
	if state.Method != model.MFAMethodTOTP || state.Status != model.MFAStatusPendingVerification {
		return ErrNotPending
	}
	now := e.now()
	if ok, err := e.checkCode(ctx, state, model.MFAMethodTOTP, code, now, e.verifyTOTP); !ok {
		return err
	}
	marked, err := e.mfaRepo.MarkEnrolled(ctx, userID, model.MFAMethodTOTP, now)
	if err != nil {
		return err
	}
	if !marked {
		return ErrNotPending
	}
	slog.Info("Enrolled totp", "user", userID)
	return nil
}

func totpStep(t time.Time) int64 {
	return t.Unix() / params.TOTPPeriod
}

// verifyTOTP accepts codes from the steps around now. Each step is accepted
// once; a replay inside the validity window yields ErrCodeAlreadyUsed.
func (e *Engine) verifyTOTP(ctx context.Context, state *model.MFAState, code string, now time.Time) (bool, error) {
	code = strings.TrimSpace(code)
	current := totpStep(now)
	matched := int64(-1)
	for step := current - params.TOTPSkew; step <= current+params.TOTPSkew; step++ {
		expected, err := totp.GenerateCodeCustom(state.Secret, time.Unix(step*params.TOTPPeriod, 0), totpOpts)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 && matched < 0 {
			matched = step
		}
	}
	if matched < 0 {
		return false, nil
	}
	if matched <= state.LastUsedStep {
		return false, ErrCodeAlreadyUsed
	}
	advanced, err := e.mfaRepo.AdvanceStep(ctx, state.UserID, matched)
	if err != nil {
		return false, err
	}
	if !advanced {
		return false, ErrCodeAlreadyUsed
	}
	return true, nil
}
