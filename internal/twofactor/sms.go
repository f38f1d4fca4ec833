package twofactor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/khanghh/identcore/internal/common"
	"github.com/khanghh/identcore/internal/config"
	"github.com/khanghh/identcore/internal/notify"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
)

// EnrollSMS replaces any previous enrollment with a pending sms enrollment
// for destination and sends the first code.
func (e *Engine) EnrollSMS(ctx context.Context, userID uint, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return ErrInvalidDestination
	}
	state := &model.MFAState{
		UserID:      userID,
		Method:      model.MFAMethodSMS,
		Status:      model.MFAStatusPendingVerification,
		Destination: destination,
	}
	if err := e.mfaRepo.Replace(ctx, state, nil); err != nil {
		return err
	}
	slog.Info("Started sms enrollment", "user", userID)
	return e.SendSMSCode(ctx, userID)
}

// SendSMSCode issues a fresh code, voiding any earlier one.
func (e *Engine) SendSMSCode(ctx context.Context, userID uint) error {
	if err := e.limiter.Check(ctx, userID, e.now()); err != nil {
		return err
	}
	state, err := e.State(ctx, userID)
	if err != nil {
		return err
	}
	if state.Method != model.MFAMethodSMS || (state.Status != model.MFAStatusEnrolled && state.Status != model.MFAStatusPendingVerification) {
		return ErrMethodNotEnrolled
	}
	code, err := common.GenerateNumericCode(params.OTPCodeLength)
	if err != nil {
		return err
	}
	ttl := e.resolver.GetDuration(ctx, config.KeyMFASMSCodeTTL)
	if err := e.mfaRepo.SetSMSCode(ctx, userID, e.hashCode("sms", userID, code), e.now().Add(ttl)); err != nil {
		return err
	}
	notify.Dispatch(ctx, e.sender, state.Destination, notify.VerificationCodeMessage(code, ttl))
	return nil
}

// ConfirmSMS completes a pending sms enrollment.
func (e *Engine) ConfirmSMS(ctx context.Context, userID uint, code string) error {
	state, err := e.State(ctx, userID)
	if err != nil {
		return err
	}
	if state.Method != model.MFAMethodSMS || state.Status != model.MFAStatusPendingVerification {
		return ErrNotPending
	}
	now := e.now()
	if ok, err := e.checkCode(ctx, state, model.MFAMethodSMS, code, now, e.verifySMS); !ok {
		return err
	}
	marked, err := e.mfaRepo.MarkEnrolled(ctx, userID, model.MFAMethodSMS, now)
	if err != nil {
		return err
	}
	if !marked {
		return ErrNotPending
	}
	slog.Info("Enrolled sms", "user", userID)
	return nil
}

// verifySMS accepts the pending code exactly once before it expires.
func (e *Engine) verifySMS(ctx context.Context, state *model.MFAState, code string, now time.Time) (bool, error) {
	if state.CodeHash == "" {
		return false, nil
	}
	codeHash := e.hashCode("sms", state.UserID, strings.TrimSpace(code))
	if !common.HashEqual(codeHash, state.CodeHash) {
		return false, nil
	}
	if state.CodeConsumedAt != nil {
		return false, ErrCodeAlreadyUsed
	}
	if state.CodeExpiresAt == nil || !now.Before(*state.CodeExpiresAt) {
		return false, ErrCodeExpired
	}
	consumed, err := e.mfaRepo.ConsumeSMSCode(ctx, state.UserID, codeHash, now)
	if err != nil {
		return false, err
	}
	if !consumed {
		return false, ErrCodeAlreadyUsed
	}
	return true, nil
}
