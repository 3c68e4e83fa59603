package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign status values. Transitions are one-directional except
// draft <-> active <-> paused; cancelled and completed are terminal.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
	CampaignStatusCancelled = "cancelled"
)

// Campaign represents one outreach run over a recipient set
type Campaign struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"default:'draft';index" json:"status"`

	// Send window (local to Timezone) and pacing. DelayBetweenEmails is in
	// seconds, before jitter; it defaults at the API layer so an explicit 0
	// survives the insert.
	SendStartTime      string `gorm:"default:'08:00'" json:"send_start_time"`
	SendEndTime        string `gorm:"default:'18:00'" json:"send_end_time"`
	Timezone           string `gorm:"default:'UTC'" json:"timezone"`
	DelayBetweenEmails int    `json:"delay_between_emails"`

	// Recipient set: explicit CampaignLead rows, or a lead list
	LeadListID *uint `json:"lead_list_id"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Statistics (denormalized for performance)
	TotalRecipients   int `gorm:"default:0" json:"total_recipients"`
	TotalSent         int `gorm:"default:0" json:"total_sent"`
	TotalOpened       int `gorm:"default:0" json:"total_opened"`
	TotalClicked      int `gorm:"default:0" json:"total_clicked"`
	TotalReplied      int `gorm:"default:0" json:"total_replied"`
	TotalBounced      int `gorm:"default:0" json:"total_bounced"`
	TotalUnsubscribed int `gorm:"default:0" json:"total_unsubscribed"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
}

// IsTerminal reports whether the campaign can never become active again
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignStatusCompleted || c.Status == CampaignStatusCancelled
}

// SequenceStep is one email template in a campaign's ordered sequence
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`

	StepOrder int    `gorm:"not null" json:"step_order"` // 1-based, strictly increasing
	Subject   string `gorm:"not null" json:"subject"`
	Body      string `gorm:"type:text" json:"body"`

	// DelayDays counts from the previous step's send; 0 for step 1.
	// SendIfNoReply defaults to true at the API layer, not in the schema,
	// because a schema default would overwrite an explicit false on insert.
	DelayDays     int  `gorm:"default:0" json:"delay_days"`
	SendIfNoReply bool `json:"send_if_no_reply"`
	SendIfNoOpen  bool `json:"send_if_no_open"`

	// Per-step counters, mirroring the campaign aggregates
	SentCount    int `gorm:"default:0" json:"sent_count"`
	OpenedCount  int `gorm:"default:0" json:"opened_count"`
	ClickedCount int `gorm:"default:0" json:"clicked_count"`
	RepliedCount int `gorm:"default:0" json:"replied_count"`
}

// CampaignLead pins an explicit recipient to a campaign
type CampaignLead struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	LeadID     uint `gorm:"not null;index" json:"lead_id"`
}
