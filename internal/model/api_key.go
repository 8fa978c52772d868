package model

import (
	"time"

	"gorm.io/gorm"
)

// APIKey represents a client's API key for accessing the service.
// A key is usable only while it is not revoked and not past its expiry;
// both conditions are re-checked on every validation. Revocation is a
// one-way transition: revoked keys are kept for audit history, never deleted.
type APIKey struct {
	gorm.Model
	Token          string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"token"`
	Owner          string    `gorm:"type:varchar(255);index;not null" json:"owner"`
	Plan           string    `gorm:"type:varchar(50);default:'free';not null" json:"plan"`
	RateLimit      int       `gorm:"default:0" json:"rate_limit"`
	Revoked        bool      `gorm:"default:false;not null" json:"revoked"`
	UsageCount     int64     `gorm:"default:0;not null" json:"usage_count"`
	ExpiresAt      time.Time `gorm:"not null" json:"expires_at"`
	OrganizationID uint      `gorm:"index" json:"organization_id"`
}

// Usable reports whether the key admits requests at the given instant.
func (k *APIKey) Usable(now time.Time) bool {
	return !k.Revoked && now.Before(k.ExpiresAt)
}
