package identity

import (
	"context"
	"errors"
	"time"

	"github.com/khanghh/identcore/model"
	"gorm.io/gorm"
)

type LocalCredentialRepository interface {
	Create(ctx context.Context, cred *model.LocalCredential) error
	// GetByEmail returns nil without error when no credential exists.
	GetByEmail(ctx context.Context, email string) (*model.LocalCredential, error)
	Confirm(ctx context.Context, email string) (bool, error)
	SetResetCode(ctx context.Context, subjectID string, codeHash string, expiresAt time.Time) error
	// ReserveResetAttempt counts one confirmation attempt against the
	// outstanding reset code. It reports false once maxAttempts were taken.
	ReserveResetAttempt(ctx context.Context, subjectID string, maxAttempts int) (bool, error)
	// ConsumeResetCode replaces the password only if codeHash is still the
	// outstanding, unconsumed reset code and its attempts stay within
	// maxAttempts.
	ConsumeResetCode(ctx context.Context, subjectID string, codeHash string, passwordHash string, maxAttempts int, now time.Time) (bool, error)
}

type localCredentialRepository struct {
	db *gorm.DB
}

func (r *localCredentialRepository) Create(ctx context.Context, cred *model.LocalCredential) error {
	return r.db.WithContext(ctx).Create(cred).Error
}

func (r *localCredentialRepository) GetByEmail(ctx context.Context, email string) (*model.LocalCredential, error) {
	var cred model.LocalCredential
	err := r.db.WithContext(ctx).Where("email = ?", email).Take(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *localCredentialRepository) Confirm(ctx context.Context, email string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.LocalCredential{}).
		Where("email = ?", email).
		Update("confirmed", true)
	return result.RowsAffected > 0, result.Error
}

func (r *localCredentialRepository) SetResetCode(ctx context.Context, subjectID string, codeHash string, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Model(&model.LocalCredential{}).
		Where("subject_id = ?", subjectID).
		Updates(map[string]interface{}{
			"reset_code_hash":   codeHash,
			"reset_expires_at":  expiresAt,
			"reset_consumed_at": nil,
			"reset_attempts":    0,
		}).Error
}

func (r *localCredentialRepository) ReserveResetAttempt(ctx context.Context, subjectID string, maxAttempts int) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.LocalCredential{}).
		Where("subject_id = ? AND reset_consumed_at IS NULL AND reset_attempts < ?", subjectID, maxAttempts).
		Update("reset_attempts", gorm.Expr("reset_attempts + ?", 1))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *localCredentialRepository) ConsumeResetCode(ctx context.Context, subjectID string, codeHash string, passwordHash string, maxAttempts int, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.LocalCredential{}).
		Where("subject_id = ? AND reset_code_hash = ? AND reset_consumed_at IS NULL AND reset_attempts <= ?", subjectID, codeHash, maxAttempts).
		Updates(map[string]interface{}{
			"password_hash":      passwordHash,
			"password_change_at": now,
			"reset_consumed_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func NewLocalCredentialRepository(db *gorm.DB) LocalCredentialRepository {
	return &localCredentialRepository{db: db}
}
