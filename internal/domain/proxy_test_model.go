package domain

import "time"

// ProxyTest is the immutable audit record of one validation attempt.
type ProxyTest struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ProxyID      uint64    `gorm:"not null;index" json:"proxy_id"`
	JobID        *uint64   `gorm:"index" json:"job_id"`
	TestURL      string    `gorm:"size:255;not null" json:"test_url"`
	Success      bool      `gorm:"not null;index" json:"success"`
	ResponseTime *float64  `json:"response_time"`
	ResponseIP   string    `gorm:"size:45;default:''" json:"response_ip"`
	ErrorKind    string    `gorm:"size:20;default:''" json:"error_kind"`
	ErrorMessage string    `gorm:"type:text;default:''" json:"error_message"`
	TestedAt     time.Time `gorm:"not null;index" json:"tested_at"`
}
