package model

import "time"

// Session rows are never deleted, revocation sets RevokedAt.
type Session struct {
	ID                string `gorm:"primarykey;size:64"`
	UserID            uint   `gorm:"not null;index"`
	DeviceFingerprint string `gorm:"size:128;not null"`
	DeviceName        string `gorm:"size:128"`
	IP                string `gorm:"size:45"`
	UserAgent         string `gorm:"size:512"`
	CreatedAt         time.Time
	LastAccessedAt    time.Time
	ExpiresAt         time.Time  `gorm:"index"`
	RevokedAt         *time.Time `gorm:"index"`
	RevokeReason      string     `gorm:"size:64"`
}

func (s *Session) IsRevoked() bool {
	return s.RevokedAt != nil
}

func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RefreshToken is one link of a session's refresh chain. A rotated token keeps
// its row with RotatedAt set so a second presentation can be detected.
type RefreshToken struct {
	TokenHash  string `gorm:"primarykey;size:64"`
	SessionID  string `gorm:"size:64;not null;index"`
	Generation int    `gorm:"not null"`
	CreatedAt  time.Time
	RotatedAt  *time.Time
}
