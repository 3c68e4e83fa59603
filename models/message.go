package models

import (
	"time"

	"gorm.io/gorm"
)

// SentMessage status values. The progression is forward-only:
// queued -> sending -> sent -> {opened -> clicked, replied, bounced},
// plus queued -> failed.
const (
	MessageStatusQueued  = "queued"
	MessageStatusSending = "sending"
	MessageStatusSent    = "sent"
	MessageStatusOpened  = "opened"
	MessageStatusClicked = "clicked"
	MessageStatusReplied = "replied"
	MessageStatusBounced = "bounced"
	MessageStatusFailed  = "failed"
)

// SentMessage is one concrete email to one recipient for one sequence step.
// The (step_id, lead_id) unique index is what makes double-sending a step
// impossible even under concurrent schedulers.
type SentMessage struct {
	gorm.Model
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	StepID     uint `gorm:"not null;uniqueIndex:idx_step_lead" json:"step_id"`
	SenderID   uint `gorm:"not null;index" json:"sender_id"`
	LeadID     uint `gorm:"not null;uniqueIndex:idx_step_lead" json:"lead_id"`

	Recipient     string `gorm:"not null;index" json:"recipient"`
	RecipientName string `json:"recipient_name"`
	Subject       string `gorm:"not null" json:"subject"`
	Body          string `gorm:"type:text" json:"body"`

	// TrackingID is the opaque token in pixel/click/unsubscribe URLs and the
	// sole authorization for recording events; it must not be guessable.
	TrackingID string `gorm:"not null;uniqueIndex" json:"tracking_id"`

	// ProviderMessageID is the RFC 5322 Message-ID handed to the transport,
	// matched against In-Reply-To/References headers for reply detection.
	ProviderMessageID string `gorm:"index" json:"provider_message_id"`

	Status      string    `gorm:"default:'queued';index" json:"status"`
	ScheduledAt time.Time `gorm:"index" json:"scheduled_at"`

	// Set-once event timestamps
	SentAt         *time.Time `json:"sent_at"`
	OpenedAt       *time.Time `json:"opened_at"`
	ClickedAt      *time.Time `json:"clicked_at"`
	RepliedAt      *time.Time `json:"replied_at"`
	BouncedAt      *time.Time `json:"bounced_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`

	ErrorMessage string `json:"error_message"`
}
