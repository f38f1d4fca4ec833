package model

import "time"

type MFAMethod string

const (
	MFAMethodTOTP        MFAMethod = "totp"
	MFAMethodSMS         MFAMethod = "sms"
	MFAMethodBackupCodes MFAMethod = "backup_codes"
)

type MFAStatus string

const (
	MFAStatusUnenrolled          MFAStatus = "unenrolled"
	MFAStatusPendingVerification MFAStatus = "pending_verification"
	MFAStatusEnrolled            MFAStatus = "enrolled"
	MFAStatusDisabled            MFAStatus = "disabled"
)

// MFAState holds the single active second factor of a user.
type MFAState struct {
	UserID               uint      `gorm:"primarykey;autoIncrement:false"`
	Method               MFAMethod `gorm:"size:16;not null"`
	Status               MFAStatus `gorm:"size:32;not null"`
	Secret               string    `gorm:"size:128"` // totp shared secret
	Destination          string    `gorm:"size:64"`  // sms phone number
	CodeHash             string    `gorm:"size:64"`  // pending sms code
	CodeExpiresAt        *time.Time
	CodeConsumedAt       *time.Time
	LastUsedStep         int64 `gorm:"not null;default:0"` // last accepted totp step
	BackupCodesRemaining int   `gorm:"not null;default:0"`
	EnrolledAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (MFAState) TableName() string {
	return "mfa_state"
}

func (s *MFAState) IsEnrolled() bool {
	return s.Status == MFAStatusEnrolled
}

type BackupCode struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    uint   `gorm:"not null;index"`
	CodeHash  string `gorm:"size:64;not null;uniqueIndex"`
	UsedAt    *time.Time
	CreatedAt time.Time
}
