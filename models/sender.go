package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents a configured outbound mailbox
type Sender struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration (reply detection) =========
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername string `json:"imap_username"`
	IMAPPassword string `json:"-"` // Encrypted in application layer
	IMAPMailbox  string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// ========= Status =========
	IsActive   bool `gorm:"default:true" json:"is_active"`
	IsVerified bool `gorm:"default:false" json:"is_verified"`

	// ========= Daily quota (rolling 24h window) =========
	DailySendLimit int       `gorm:"default:50" json:"daily_send_limit"`
	DailySentCount int       `gorm:"default:0" json:"daily_sent_count"`
	DailyResetAt   time.Time `json:"daily_reset_at"` // start of the current window

	// ========= Reputation & Warmup =========
	ReputationScore int  `gorm:"default:50" json:"reputation_score"` // 0-100
	WarmupEnabled   bool `gorm:"default:false" json:"warmup_enabled"`
	WarmupPhase     int  `gorm:"default:1" json:"warmup_phase"` // 1-4
	WarmupDay       int  `gorm:"default:0" json:"warmup_day"`
	// WarmupAdvancedAt is when the ramp last moved a day forward; kept apart
	// from DailyResetAt so quota resets cannot mask a due advancement
	WarmupAdvancedAt *time.Time `json:"warmup_advanced_at"`

	LastError    *string    `json:"last_error"`
	LastTestedAt *time.Time `json:"last_tested_at"`

	// ========= Usage Metrics =========
	TotalSent int `gorm:"default:0" json:"total_sent"`
}

// Sanitize strips credentials before the sender is returned over the API
func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
}
