package engine

import (
	"fmt"
	"log"
	"time"

	"coldpilot/models"

	"gorm.io/gorm"
)

// SequenceEngine decides which (step, recipient) pairs of an active
// campaign are due to be queued next. Step 1 is enqueued in full at
// campaign start by the CampaignRunner; this engine only handles the
// follow-up steps.
type SequenceEngine struct {
	DB      *gorm.DB
	BaseURL string
	Logger  *log.Logger
}

func NewSequenceEngine(db *gorm.DB, baseURL string, logger *log.Logger) *SequenceEngine {
	return &SequenceEngine{DB: db, BaseURL: baseURL, Logger: logger}
}

// ScheduleNextStep enqueues every due follow-up for the campaign and
// returns how many messages it created. A recipient is due for step N
// when their step N-1 message actually went out, at least DelayDays have
// passed since, and the step's reply/open gates do not exclude them.
// Exclusion is permanent: the gates test set-once timestamps, so a
// recipient once gated out can never re-qualify.
func (se *SequenceEngine) ScheduleNextStep(campaignID uint) (int, error) {
	var campaign models.Campaign
	err := se.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&campaign, campaignID).Error
	if err != nil {
		return 0, fmt.Errorf("fetch campaign %d: %w", campaignID, err)
	}

	if campaign.Status != models.CampaignStatusActive {
		return 0, nil
	}

	enqueued := 0
	now := time.Now()

	for i := 1; i < len(campaign.Steps); i++ {
		step := campaign.Steps[i]
		prev := campaign.Steps[i-1]

		candidates, err := se.candidatesForStep(&step, &prev, true)
		if err != nil {
			return enqueued, err
		}

		for _, prevMsg := range candidates {
			excluded, err := se.gatedOut(campaign.ID, prevMsg.LeadID, &step)
			if err != nil {
				return enqueued, err
			}
			if excluded {
				continue
			}

			var lead models.Lead
			if err := se.DB.First(&lead, prevMsg.LeadID).Error; err != nil {
				se.Logger.Printf("lead %d not found for follow-up: %v", prevMsg.LeadID, err)
				continue
			}
			if !lead.Contactable() {
				continue
			}

			msg := renderMessage(se.BaseURL, &campaign, &step, &lead, now)
			if err := se.DB.Create(&msg).Error; err != nil {
				// unique (step_id, lead_id) index: a concurrent scheduler
				// already queued this follow-up
				se.Logger.Printf("skip follow-up for lead %d step %d: %v", lead.ID, step.StepOrder, err)
				continue
			}
			enqueued++
		}
	}

	if enqueued > 0 {
		se.Logger.Printf("campaign %d: %d follow-up(s) queued", campaignID, enqueued)
	}
	return enqueued, nil
}

// PendingFollowUps counts recipients that will become eligible for a later
// step once their delay elapses. The batch sender uses it to avoid
// completing a multi-step campaign that still has follow-ups in flight.
func (se *SequenceEngine) PendingFollowUps(campaignID uint) (int, error) {
	var campaign models.Campaign
	err := se.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&campaign, campaignID).Error
	if err != nil {
		return 0, fmt.Errorf("fetch campaign %d: %w", campaignID, err)
	}

	pending := 0
	for i := 1; i < len(campaign.Steps); i++ {
		step := campaign.Steps[i]
		prev := campaign.Steps[i-1]

		candidates, err := se.candidatesForStep(&step, &prev, false)
		if err != nil {
			return pending, err
		}

		for _, prevMsg := range candidates {
			excluded, err := se.gatedOut(campaign.ID, prevMsg.LeadID, &step)
			if err != nil {
				return pending, err
			}
			if excluded {
				continue
			}

			var lead models.Lead
			if err := se.DB.First(&lead, prevMsg.LeadID).Error; err != nil {
				continue
			}
			if !lead.Contactable() {
				continue
			}
			pending++
		}
	}
	return pending, nil
}

// candidatesForStep returns the previous step's messages whose recipients
// have no message for this step yet. With dueOnly the DelayDays clock must
// also have run out.
func (se *SequenceEngine) candidatesForStep(step, prev *models.SequenceStep, dueOnly bool) ([]models.SentMessage, error) {
	// sent, opened and clicked always qualify; replied only when the step
	// does not gate on replies (the gate check would drop them anyway)
	statuses := []string{models.MessageStatusSent, models.MessageStatusOpened, models.MessageStatusClicked}
	if !step.SendIfNoReply {
		statuses = append(statuses, models.MessageStatusReplied)
	}

	query := se.DB.
		Where("step_id = ? AND sent_at IS NOT NULL AND status IN ?", prev.ID, statuses).
		Where("lead_id NOT IN (?)",
			se.DB.Model(&models.SentMessage{}).Select("lead_id").Where("step_id = ?", step.ID))

	if dueOnly {
		due := time.Now().Add(-time.Duration(step.DelayDays) * 24 * time.Hour)
		query = query.Where("sent_at <= ?", due)
	}

	var candidates []models.SentMessage
	if err := query.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("fetch step %d candidates: %w", step.StepOrder, err)
	}
	return candidates, nil
}

// gatedOut applies the step's sendIfNoReply/sendIfNoOpen exclusions
// against every prior message of the recipient in this campaign
func (se *SequenceEngine) gatedOut(campaignID, leadID uint, step *models.SequenceStep) (bool, error) {
	if step.SendIfNoReply {
		var n int64
		err := se.DB.Model(&models.SentMessage{}).
			Where("campaign_id = ? AND lead_id = ? AND replied_at IS NOT NULL", campaignID, leadID).
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("reply gate: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}

	if step.SendIfNoOpen {
		var n int64
		err := se.DB.Model(&models.SentMessage{}).
			Where("campaign_id = ? AND lead_id = ? AND opened_at IS NOT NULL", campaignID, leadID).
			Count(&n).Error
		if err != nil {
			return false, fmt.Errorf("open gate: %w", err)
		}
		if n > 0 {
			return true, nil
		}
	}

	return false, nil
}
