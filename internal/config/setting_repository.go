package config

import (
	"context"
	"errors"

	"github.com/khanghh/identcore/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingRepository persists runtime configuration values.
type SettingRepository interface {
	// Get returns found=false when the key has no stored value.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Put(ctx context.Context, key string, value string) error
	List(ctx context.Context) ([]model.ConfigEntry, error)
}

type settingRepository struct {
	db *gorm.DB
}

func (r *settingRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var entry model.ConfigEntry
	err := r.db.WithContext(ctx).Where("setting_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

func (r *settingRepository) Put(ctx context.Context, key string, value string) error {
	entry := model.ConfigEntry{Key: key, Value: value}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"setting_value", "updated_at"}),
	}).Create(&entry).Error
}

func (r *settingRepository) List(ctx context.Context) ([]model.ConfigEntry, error) {
	var entries []model.ConfigEntry
	err := r.db.WithContext(ctx).Order("setting_key").Find(&entries).Error
	return entries, err
}

func NewSettingRepository(db *gorm.DB) SettingRepository {
	return &settingRepository{db: db}
}
