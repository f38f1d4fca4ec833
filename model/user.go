package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is the canonical identity record, independent of the provider that
// authenticated the request. ID never changes once assigned.
type User struct {
	ID            uint       `gorm:"primarykey"`
	Email         string     `gorm:"uniqueIndex;size:256;not null"`
	Role          string     `gorm:"size:32;not null"`
	Status        UserStatus `gorm:"size:16;not null;default:active"`
	EmailVerified bool       `gorm:"default:false;not null"`
	PhoneVerified bool       `gorm:"default:false;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == 0 {
		u.ID = GenerateID()
	}
	return nil
}

func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// ProviderMapping links a canonical user to one provider subject.
// (ProviderType, ProviderSubjectID) is unique, a user has at most one mapping per
// provider type, and PrimaryUserID is set only on the primary mapping so the
// unique index allows a single primary per user.
type ProviderMapping struct {
	ID                uint              `gorm:"primaryKey;autoIncrement"`
	UserID            uint              `gorm:"not null;index;uniqueIndex:idx_mapping_user_provider"`
	ProviderType      string            `gorm:"size:32;not null;uniqueIndex:idx_mapping_subject;uniqueIndex:idx_mapping_user_provider"`
	ProviderSubjectID string            `gorm:"size:256;not null;uniqueIndex:idx_mapping_subject"`
	ProviderMetadata  datatypes.JSONMap `gorm:"type:json"`
	PrimaryUserID     *uint             `gorm:"uniqueIndex:idx_mapping_primary"`
	LastSeenAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (m *ProviderMapping) IsPrimary() bool {
	return m.PrimaryUserID != nil
}
