package model

import "gorm.io/gorm"

// User is an account that can own API keys. Passwords are stored as
// bcrypt hashes and never serialized.
type User struct {
	gorm.Model
	Email          string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash   string `gorm:"type:varchar(255);not null" json:"-"`
	OrganizationID uint   `gorm:"index" json:"organization_id"`
}
