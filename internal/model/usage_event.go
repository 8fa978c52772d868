package model

import "time"

// UsageEvent is an append-only record of one completed request attempt.
// Events are never updated after insertion.
type UsageEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	KeyToken       string    `gorm:"type:varchar(255);index;not null" json:"key_token"`
	Endpoint       string    `gorm:"type:varchar(255);not null" json:"endpoint"`
	Method         string    `gorm:"type:varchar(16);not null" json:"method"`
	StatusCode     int       `gorm:"not null" json:"status_code"`
	InputTokens    int64     `gorm:"default:0;not null" json:"input_tokens"`
	OutputTokens   int64     `gorm:"default:0;not null" json:"output_tokens"`
	ResponseTimeMs int64     `gorm:"default:0;not null" json:"response_time_ms"`
	RequestID      string    `gorm:"type:varchar(64)" json:"request_id"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}
