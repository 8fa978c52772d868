package model

import "gorm.io/gorm"

// ProviderKey represents an upstream inference-provider API key stored in
// the database. The pool hands these out to outbound requests in place of
// the client's own credential.
type ProviderKey struct {
	gorm.Model
	Key          string `gorm:"type:varchar(255);uniqueIndex;not null" json:"key"`
	Status       string `gorm:"type:varchar(50);default:'active';not null" json:"status"`
	FailureCount int    `gorm:"default:0;not null" json:"failure_count"`
	UsageCount   int64  `gorm:"default:0;not null" json:"usage_count"`
}
