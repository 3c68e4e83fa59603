package engine

import (
	"fmt"

	"coldpilot/models"

	"github.com/badoux/checkmail"
	"gorm.io/gorm"
)

// LeadResolver is the default RecipientResolver: explicit CampaignLead
// rows win; otherwise the campaign's lead list is used. Leads that
// bounced, unsubscribed, are marked do-not-contact, or carry a malformed
// address are dropped here, before anything is queued.
type LeadResolver struct {
	DB *gorm.DB
}

func NewLeadResolver(db *gorm.DB) *LeadResolver {
	return &LeadResolver{DB: db}
}

func (lr *LeadResolver) Resolve(campaign *models.Campaign) ([]models.Lead, error) {
	var leads []models.Lead

	var explicit int64
	if err := lr.DB.Model(&models.CampaignLead{}).
		Where("campaign_id = ?", campaign.ID).Count(&explicit).Error; err != nil {
		return nil, fmt.Errorf("count campaign leads: %w", err)
	}

	switch {
	case explicit > 0:
		err := lr.DB.
			Joins("JOIN campaign_leads ON campaign_leads.lead_id = leads.id").
			Where("campaign_leads.campaign_id = ? AND campaign_leads.deleted_at IS NULL", campaign.ID).
			Find(&leads).Error
		if err != nil {
			return nil, fmt.Errorf("resolve explicit recipients: %w", err)
		}
	case campaign.LeadListID != nil:
		err := lr.DB.Where("lead_list_id = ?", *campaign.LeadListID).Find(&leads).Error
		if err != nil {
			return nil, fmt.Errorf("resolve lead list %d: %w", *campaign.LeadListID, err)
		}
	default:
		return nil, nil
	}

	contactable := leads[:0]
	for _, lead := range leads {
		if !lead.Contactable() {
			continue
		}
		if err := checkmail.ValidateFormat(lead.Email); err != nil {
			continue
		}
		contactable = append(contactable, lead)
	}
	return contactable, nil
}
