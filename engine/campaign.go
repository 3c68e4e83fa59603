package engine

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"coldpilot/models"
	"coldpilot/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Configuration errors surfaced synchronously to the caller; none of
// these is ever retried automatically.
var (
	ErrCampaignFinished  = errors.New("campaign is already completed or cancelled")
	ErrCampaignNotActive = errors.New("campaign is not active")
	ErrNoSteps           = errors.New("campaign has no sequence steps")
	ErrNoRecipients      = errors.New("campaign has no contactable recipients")
	ErrSenderUnavailable = errors.New("sender cannot send right now")
)

// Dispatcher hands a campaign to the background batch worker. Start
// returns as soon as the campaign is queued; callers never block on the
// actual sending.
type Dispatcher interface {
	Enqueue(campaignID uint)
}

// RecipientResolver turns a campaign's recipient description (explicit
// lead ids or a lead list) into concrete leads
type RecipientResolver interface {
	Resolve(campaign *models.Campaign) ([]models.Lead, error)
}

// CampaignRunner orchestrates the campaign lifecycle; the heavy lifting
// lives in the batch sender and sequence engine
type CampaignRunner struct {
	DB         *gorm.DB
	Warmup     *WarmupTracker
	Resolver   RecipientResolver
	Dispatcher Dispatcher
	BaseURL    string
	Logger     *log.Logger
}

func NewCampaignRunner(db *gorm.DB, warmup *WarmupTracker, resolver RecipientResolver, dispatcher Dispatcher, baseURL string, logger *log.Logger) *CampaignRunner {
	return &CampaignRunner{
		DB:         db,
		Warmup:     warmup,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		BaseURL:    baseURL,
		Logger:     logger,
	}
}

// StartCampaign validates the campaign, enqueues step 1 for every resolved
// recipient on first start (a resume just flips the status back), and hands
// the campaign to the batch worker.
func (cr *CampaignRunner) StartCampaign(campaignID uint) error {
	var campaign models.Campaign
	err := cr.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&campaign, campaignID).Error
	if err != nil {
		return fmt.Errorf("fetch campaign %d: %w", campaignID, err)
	}

	if campaign.IsTerminal() {
		return ErrCampaignFinished
	}
	if len(campaign.Steps) == 0 {
		return ErrNoSteps
	}

	decision, err := cr.Warmup.CanSendNow(campaign.SenderID)
	if err != nil {
		return err
	}
	if !decision.CanSend {
		return fmt.Errorf("%w: %s", ErrSenderUnavailable, decision.Reason)
	}

	var existing int64
	if err := cr.DB.Model(&models.SentMessage{}).
		Where("campaign_id = ?", campaign.ID).Count(&existing).Error; err != nil {
		return fmt.Errorf("count campaign messages: %w", err)
	}

	if existing == 0 {
		if err := cr.enqueueFirstStep(&campaign); err != nil {
			return err
		}
	} else {
		err := cr.DB.Model(&models.Campaign{}).
			Where("id = ? AND status IN ?", campaign.ID,
				[]string{models.CampaignStatusDraft, models.CampaignStatusPaused}).
			Update("status", models.CampaignStatusActive).Error
		if err != nil {
			return fmt.Errorf("resume campaign %d: %w", campaign.ID, err)
		}
	}

	if cr.Dispatcher != nil {
		cr.Dispatcher.Enqueue(campaign.ID)
	}
	return nil
}

// enqueueFirstStep resolves the recipient set, renders the step-1 template
// per recipient and bulk-inserts the queued messages
func (cr *CampaignRunner) enqueueFirstStep(campaign *models.Campaign) error {
	leads, err := cr.Resolver.Resolve(campaign)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	if len(leads) == 0 {
		return ErrNoRecipients
	}

	step := campaign.Steps[0]
	now := time.Now()

	messages := make([]models.SentMessage, 0, len(leads))
	for i := range leads {
		messages = append(messages, renderMessage(cr.BaseURL, campaign, &step, &leads[i], now))
	}

	return cr.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(messages, 200).Error; err != nil {
			return fmt.Errorf("enqueue step 1: %w", err)
		}
		return tx.Model(&models.Campaign{}).Where("id = ?", campaign.ID).
			Updates(map[string]interface{}{
				"status":           models.CampaignStatusActive,
				"started_at":       now,
				"total_recipients": len(messages),
			}).Error
	})
}

// PauseCampaign suspends an active campaign; queued mail stays queued
func (cr *CampaignRunner) PauseCampaign(campaignID uint) error {
	res := cr.DB.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignStatusActive).
		Update("status", models.CampaignStatusPaused)
	if res.Error != nil {
		return fmt.Errorf("pause campaign %d: %w", campaignID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCampaignNotActive
	}
	return nil
}

// CancelCampaign terminates the campaign and fails all of its queued
// mail. Irreversible.
func (cr *CampaignRunner) CancelCampaign(campaignID uint) error {
	return cr.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Campaign{}).
			Where("id = ? AND status NOT IN ?", campaignID,
				[]string{models.CampaignStatusCompleted, models.CampaignStatusCancelled}).
			Updates(map[string]interface{}{
				"status":       models.CampaignStatusCancelled,
				"completed_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("cancel campaign %d: %w", campaignID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCampaignFinished
		}

		return tx.Model(&models.SentMessage{}).
			Where("campaign_id = ? AND status = ?", campaignID, models.MessageStatusQueued).
			Updates(map[string]interface{}{
				"status":        models.MessageStatusFailed,
				"error_message": CancelledFailureReason,
			}).Error
	})
}

// renderMessage builds one queued SentMessage: substituted templates,
// fresh tracking ID, pixel and rewritten links baked into the body
func renderMessage(baseURL string, campaign *models.Campaign, step *models.SequenceStep, lead *models.Lead, scheduledAt time.Time) models.SentMessage {
	vars := lead.Variables()
	trackingID := utils.NewTrackingID()

	body := utils.Substitute(step.Body, vars)
	body = utils.InjectTracking(body, baseURL, trackingID)

	return models.SentMessage{
		CampaignID:    campaign.ID,
		StepID:        step.ID,
		SenderID:      campaign.SenderID,
		LeadID:        lead.ID,
		Recipient:     lead.Email,
		RecipientName: strings.TrimSpace(lead.FirstName + " " + lead.LastName),
		Subject:       utils.Substitute(step.Subject, vars),
		Body:          body,
		TrackingID:    trackingID,
		Status:        models.MessageStatusQueued,
		ScheduledAt:   scheduledAt,
	}
}

// buildMessageID generates the RFC 5322 Message-ID stamped on outbound
// mail; replies echo it in In-Reply-To, which is how the reply worker
// finds its way back to the message
func buildMessageID(fromEmail string) string {
	domain := "localhost"
	if at := strings.LastIndex(fromEmail, "@"); at != -1 && at < len(fromEmail)-1 {
		domain = fromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
