package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/khanghh/identcore/model"
	"gorm.io/gorm"
)

type SessionRepository interface {
	WithTx(tx *gorm.DB) SessionRepository
	Transaction(ctx context.Context, fn func(repo SessionRepository) error) error
	Create(ctx context.Context, session *model.Session, token *model.RefreshToken) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	ListUnrevoked(ctx context.Context, userID uint) ([]model.Session, error)
	Touch(ctx context.Context, sessionID string, accessedAt time.Time) error
	Revoke(ctx context.Context, sessionID string, reason string, revokedAt time.Time) (bool, error)
	RevokeAll(ctx context.Context, userID uint, exceptSessionID string, reason string, revokedAt time.Time) (int64, error)
	FindRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, bool, error)
	RotateRefreshToken(ctx context.Context, tokenHash string, rotatedAt time.Time) (bool, error)
	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error
}

type sessionRepository struct {
	db *gorm.DB
}

func (r *sessionRepository) Transaction(ctx context.Context, fn func(repo SessionRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(r.WithTx(tx))
	})
}

func (r *sessionRepository) Create(ctx context.Context, session *model.Session, token *model.RefreshToken) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return tx.Create(token).Error
	})
}

func (r *sessionRepository) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	err := r.db.WithContext(ctx).Where("id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepository) ListUnrevoked(ctx context.Context, userID uint) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Order("created_at DESC").
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepository) Touch(ctx context.Context, sessionID string, accessedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", sessionID).
		Update("last_accessed_at", accessedAt).Error
}

func (r *sessionRepository) Revoke(ctx context.Context, sessionID string, reason string, revokedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Updates(map[string]interface{}{"revoked_at": revokedAt, "revoke_reason": reason})
	return result.RowsAffected > 0, result.Error
}

func (r *sessionRepository) RevokeAll(ctx context.Context, userID uint, exceptSessionID string, reason string, revokedAt time.Time) (int64, error) {
	query := r.db.WithContext(ctx).Model(&model.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID)
	if exceptSessionID != "" {
		query = query.Where("id <> ?", exceptSessionID)
	}
	result := query.Updates(map[string]interface{}{"revoked_at": revokedAt, "revoke_reason": reason})
	return result.RowsAffected, result.Error
}

func (r *sessionRepository) FindRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, bool, error) {
	var token model.RefreshToken
	err := r.db.WithContext(ctx).Where("token_hash = ?", tokenHash).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &token, true, nil
}

func (r *sessionRepository) RotateRefreshToken(ctx context.Context, tokenHash string, rotatedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("token_hash = ? AND rotated_at IS NULL", tokenHash).
		Update("rotated_at", rotatedAt)
	return result.RowsAffected == 1, result.Error
}

func (r *sessionRepository) CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *sessionRepository) WithTx(tx *gorm.DB) SessionRepository {
	return NewSessionRepository(tx)
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db}
}
