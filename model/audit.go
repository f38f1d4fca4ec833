package model

import (
	"time"

	"gorm.io/datatypes"
)

type AuditEvent struct {
	ID         uint64            `gorm:"primaryKey;autoIncrement"`
	EventID    string            `gorm:"size:32;not null;uniqueIndex"` // ksuid, sortable by time
	UserID     *uint             `gorm:"index"`                        // canonical user id, nil when unknown
	Action     string            `gorm:"size:64;not null;index"`       // login_success, login_failure...
	Metadata   datatypes.JSONMap `gorm:"type:json"`
	Success    bool              `gorm:"not null"`
	OccurredAt time.Time         `gorm:"not null;index"`
}

func (AuditEvent) TableName() string {
	return "audit"
}
