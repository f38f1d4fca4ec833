package model

import "time"

// LocalCredential backs the built-in credential store provider.
type LocalCredential struct {
	SubjectID        string `gorm:"primarykey;size:64"`
	Email            string `gorm:"uniqueIndex;size:256;not null"`
	PasswordHash     string `gorm:"size:64;not null"`
	Confirmed        bool   `gorm:"default:false;not null"`
	ResetCodeHash    string `gorm:"size:64"`
	ResetExpiresAt   *time.Time
	ResetConsumedAt  *time.Time
	ResetAttempts    int `gorm:"not null;default:0"`
	PasswordChangeAt time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
