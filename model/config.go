package model

import "time"

// ConfigEntry is a persisted runtime setting.
type ConfigEntry struct {
	Key       string `gorm:"column:setting_key;primarykey;size:128"`
	Value     string `gorm:"column:setting_value;type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ConfigEntry) TableName() string {
	return "setting"
}
