package twofactor

import (
	"context"
	"errors"
	"time"

	"github.com/khanghh/identcore/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MFARepository interface {
	WithTx(tx *gorm.DB) MFARepository
	Get(ctx context.Context, userID uint) (*model.MFAState, bool, error)
	// Replace swaps the user's state and backup codes in one transaction.
	Replace(ctx context.Context, state *model.MFAState, codes []model.BackupCode) error
	ReplaceBackupCodes(ctx context.Context, userID uint, codes []model.BackupCode) error
	MarkEnrolled(ctx context.Context, userID uint, method model.MFAMethod, at time.Time) (bool, error)
	Disable(ctx context.Context, userID uint) error
	// AdvanceStep records step as the last accepted totp step unless an equal
	// or later step was already accepted.
	AdvanceStep(ctx context.Context, userID uint, step int64) (bool, error)
	SetSMSCode(ctx context.Context, userID uint, codeHash string, expiresAt time.Time) error
	ConsumeSMSCode(ctx context.Context, userID uint, codeHash string, at time.Time) (bool, error)
	FindBackupCode(ctx context.Context, userID uint, codeHash string) (*model.BackupCode, bool, error)
	// ConsumeBackupCode marks the code used and decrements the remaining count.
	ConsumeBackupCode(ctx context.Context, codeID uint, userID uint, at time.Time) (bool, error)
}

type mfaRepository struct {
	db *gorm.DB
}

func (r *mfaRepository) Get(ctx context.Context, userID uint) (*model.MFAState, bool, error) {
	var state model.MFAState
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &state, true, nil
}

func (r *mfaRepository) Replace(ctx context.Context, state *model.MFAState, codes []model.BackupCode) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", state.UserID).Delete(&model.BackupCode{}).Error; err != nil {
			return err
		}
		state.BackupCodesRemaining = len(codes)
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).Create(state).Error
		if err != nil {
			return err
		}
		if len(codes) == 0 {
			return nil
		}
		return tx.Create(&codes).Error
	})
}

func (r *mfaRepository) ReplaceBackupCodes(ctx context.Context, userID uint, codes []model.BackupCode) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.BackupCode{}).Error; err != nil {
			return err
		}
		if len(codes) > 0 {
			if err := tx.Create(&codes).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.MFAState{}).Where("user_id = ?", userID).
			Update("backup_codes_remaining", len(codes)).Error
	})
}

func (r *mfaRepository) MarkEnrolled(ctx context.Context, userID uint, method model.MFAMethod, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.MFAState{}).
		Where("user_id = ? AND method = ? AND status = ?", userID, method, model.MFAStatusPendingVerification).
		Updates(map[string]interface{}{"status": model.MFAStatusEnrolled, "enrolled_at": at})
	return result.RowsAffected == 1, result.Error
}

func (r *mfaRepository) Disable(ctx context.Context, userID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.BackupCode{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.MFAState{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
			"status":                 model.MFAStatusDisabled,
			"secret":                 "",
			"code_hash":              "",
			"backup_codes_remaining": 0,
		}).Error
	})
}

func (r *mfaRepository) AdvanceStep(ctx context.Context, userID uint, step int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.MFAState{}).
		Where("user_id = ? AND last_used_step < ?", userID, step).
		Update("last_used_step", step)
	return result.RowsAffected == 1, result.Error
}

func (r *mfaRepository) SetSMSCode(ctx context.Context, userID uint, codeHash string, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Model(&model.MFAState{}).Where("user_id = ?", userID).Updates(map[string]interface{}{
		"code_hash":        codeHash,
		"code_expires_at":  expiresAt,
		"code_consumed_at": nil,
	}).Error
}

func (r *mfaRepository) ConsumeSMSCode(ctx context.Context, userID uint, codeHash string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.MFAState{}).
		Where("user_id = ? AND code_hash = ? AND code_consumed_at IS NULL", userID, codeHash).
		Update("code_consumed_at", at)
	return result.RowsAffected == 1, result.Error
}

func (r *mfaRepository) FindBackupCode(ctx context.Context, userID uint, codeHash string) (*model.BackupCode, bool, error) {
	var code model.BackupCode
	err := r.db.WithContext(ctx).Where("user_id = ? AND code_hash = ?", userID, codeHash).Take(&code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &code, true, nil
}

func (r *mfaRepository) ConsumeBackupCode(ctx context.Context, codeID uint, userID uint, at time.Time) (bool, error) {
	consumed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.BackupCode{}).
			Where("id = ? AND user_id = ? AND used_at IS NULL", codeID, userID).
			Update("used_at", at)
		if result.Error != nil || result.RowsAffected == 0 {
			return result.Error
		}
		consumed = true
		return tx.Model(&model.MFAState{}).Where("user_id = ? AND backup_codes_remaining > 0", userID).
			Update("backup_codes_remaining", gorm.Expr("backup_codes_remaining - 1")).Error
	})
	return consumed && err == nil, err
}

func (r *mfaRepository) WithTx(tx *gorm.DB) MFARepository {
	return NewMFARepository(tx)
}

func NewMFARepository(db *gorm.DB) MFARepository {
	return &mfaRepository{db}
}
