package users

import (
	"context"
	"errors"
	"time"

	"github.com/khanghh/identcore/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MappingRepository interface {
	WithTx(tx *gorm.DB) MappingRepository
	Find(ctx context.Context, providerType string, subjectID string) (*model.ProviderMapping, bool, error)
	FindByUser(ctx context.Context, userID uint, providerType string) (*model.ProviderMapping, bool, error)
	ListByUser(ctx context.Context, userID uint) ([]model.ProviderMapping, error)
	Create(ctx context.Context, mapping *model.ProviderMapping) error
	Touch(ctx context.Context, mappingID uint, metadata datatypes.JSONMap, seenAt time.Time) error
	// Promote makes the user's mapping for providerType primary. An existing
	// primary is only demoted when migrate is set.
	Promote(ctx context.Context, userID uint, providerType string, migrate bool) error
}

type mappingRepository struct {
	db *gorm.DB
}

func (r *mappingRepository) take(query *gorm.DB) (*model.ProviderMapping, bool, error) {
	var mapping model.ProviderMapping
	err := query.Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &mapping, true, nil
}

func (r *mappingRepository) Find(ctx context.Context, providerType string, subjectID string) (*model.ProviderMapping, bool, error) {
	return r.take(r.db.WithContext(ctx).
		Where("provider_type = ? AND provider_subject_id = ?", providerType, subjectID))
}

func (r *mappingRepository) FindByUser(ctx context.Context, userID uint, providerType string) (*model.ProviderMapping, bool, error) {
	return r.take(r.db.WithContext(ctx).
		Where("user_id = ? AND provider_type = ?", userID, providerType))
}

func (r *mappingRepository) ListByUser(ctx context.Context, userID uint) ([]model.ProviderMapping, error) {
	var mappings []model.ProviderMapping
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&mappings).Error
	return mappings, err
}

func (r *mappingRepository) Create(ctx context.Context, mapping *model.ProviderMapping) error {
	return r.db.WithContext(ctx).Create(mapping).Error
}

func (r *mappingRepository) Touch(ctx context.Context, mappingID uint, metadata datatypes.JSONMap, seenAt time.Time) error {
	columns := map[string]interface{}{"last_seen_at": seenAt}
	if metadata != nil {
		columns["provider_metadata"] = metadata
	}
	return r.db.WithContext(ctx).Model(&model.ProviderMapping{}).Where("id = ?", mappingID).Updates(columns).Error
}

func (r *mappingRepository) Promote(ctx context.Context, userID uint, providerType string, migrate bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, found, err := r.take(tx.Where("user_id = ? AND provider_type = ?", userID, providerType))
		if err != nil {
			return err
		}
		if !found {
			return ErrMappingNotFound
		}
		if target.IsPrimary() {
			return nil
		}
		current, found, err := r.take(tx.Where("primary_user_id = ?", userID))
		if err != nil {
			return err
		}
		if found {
			if !migrate {
				return ErrIdentityConflict
			}
			if err := tx.Model(&model.ProviderMapping{}).Where("id = ?", current.ID).
				Update("primary_user_id", nil).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.ProviderMapping{}).Where("id = ? AND primary_user_id IS NULL", target.ID).
			Update("primary_user_id", userID).Error
	})
}

func (r *mappingRepository) WithTx(tx *gorm.DB) MappingRepository {
	return NewMappingRepository(tx)
}

func NewMappingRepository(db *gorm.DB) MappingRepository {
	return &mappingRepository{db}
}
