package models

import (
	"time"

	"gorm.io/gorm"
)

// LeadList represents a list of leads/contacts
type LeadList struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"` // manual, csv, api, etc.

	// Statistics
	LeadCount    int `gorm:"default:0" json:"lead_count"`
	BouncedCount int `gorm:"default:0" json:"bounced_count"`

	Leads []Lead `gorm:"foreignKey:LeadListID" json:"leads,omitempty"`
}

// Lead represents a single contact discovered for outreach
type Lead struct {
	gorm.Model
	LeadListID uint `gorm:"not null;index" json:"lead_list_id"`
	UserID     uint `gorm:"index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Category  string `json:"category"`
	City      string `json:"city"`
	Website   string `json:"website"`
	Phone     string `json:"phone"`

	// Contactability flags; any of these excludes the lead from resolution
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`
}

// Contactable reports whether outreach to this lead is allowed
func (l *Lead) Contactable() bool {
	return !l.IsBounced && !l.IsUnsubscribed && !l.IsDoNotContact
}

// Variables returns the template substitution values for this lead
func (l *Lead) Variables() map[string]string {
	return map[string]string{
		"email":      l.Email,
		"first_name": l.FirstName,
		"last_name":  l.LastName,
		"company":    l.Company,
		"category":   l.Category,
		"city":       l.City,
		"website":    l.Website,
		"phone":      l.Phone,
	}
}
