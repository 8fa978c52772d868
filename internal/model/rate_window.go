package model

import "time"

// RateWindow is a fixed-window request counter for one key and endpoint.
// WindowStart is the wall-clock-aligned floor of the request time to the
// configured window size; a window's row becomes immutable once its
// boundary has passed.
type RateWindow struct {
	KeyToken      string    `gorm:"primaryKey;type:varchar(255)" json:"key_token"`
	Endpoint      string    `gorm:"primaryKey;type:varchar(255)" json:"endpoint"`
	WindowStart   time.Time `gorm:"primaryKey" json:"window_start"`
	RequestsCount int       `gorm:"default:0;not null" json:"requests_count"`
	LimitExceeded bool      `gorm:"default:false;not null" json:"limit_exceeded"`
}
