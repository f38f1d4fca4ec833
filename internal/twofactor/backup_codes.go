package twofactor

import (
	"context"
	"strings"
	"time"

	"github.com/khanghh/identcore/internal/common"
	"github.com/khanghh/identcore/model"
	"github.com/khanghh/identcore/params"
)

// generateBackupCode returns a numeric code split in two groups, e.g. 01234-56789.
func generateBackupCode() (string, error) {
	code, err := common.GenerateNumericCode(params.BackupCodeLength)
	if err != nil {
		return "", err
	}
	half := params.BackupCodeLength / 2
	return code[:half] + "-" + code[half:], nil
}

func normalizeBackupCode(code string) string {
	return strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code))
}

func (e *Engine) verifyBackupCode(ctx context.Context, state *model.MFAState, code string, now time.Time) (bool, error) {
	codeHash := e.hashCode("backup", state.UserID, normalizeBackupCode(code))
	row, found, err := e.mfaRepo.FindBackupCode(ctx, state.UserID, codeHash)
	if err != nil || !found {
		return false, err
	}
	if row.UsedAt != nil {
		return false, ErrCodeAlreadyUsed
	}
	consumed, err := e.mfaRepo.ConsumeBackupCode(ctx, row.ID, state.UserID, now)
	if err != nil {
		return false, err
	}
	if !consumed {
		return false, ErrCodeAlreadyUsed
	}
	return true, nil
}
