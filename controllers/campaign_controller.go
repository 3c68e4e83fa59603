package controller

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	"coldpilot/engine"
	"coldpilot/models"
	"coldpilot/utils"
)

type CampaignController struct {
	DB     *gorm.DB
	Runner *engine.CampaignRunner
	Logger *log.Logger
}

func NewCampaignController(db *gorm.DB, runner *engine.CampaignRunner, logger *log.Logger) *CampaignController {
	return &CampaignController{
		DB:     db,
		Runner: runner,
		Logger: logger,
	}
}

type stepInput struct {
	Subject       string `json:"subject" validate:"required"`
	Body          string `json:"body" validate:"required"`
	DelayDays     int    `json:"delay_days" validate:"min=0"`
	SendIfNoReply *bool  `json:"send_if_no_reply"`
	SendIfNoOpen  *bool  `json:"send_if_no_open"`
}

type CreateCampaignRequest struct {
	Name               string      `json:"name" validate:"required"`
	Description        string      `json:"description"`
	SenderID           uint        `json:"sender_id" validate:"required"`
	LeadListID         *uint       `json:"lead_list_id"`
	LeadIDs            []uint      `json:"lead_ids"`
	SendStartTime      string      `json:"send_start_time"`
	SendEndTime        string      `json:"send_end_time"`
	Timezone           string      `json:"timezone"`
	DelayBetweenEmails *int        `json:"delay_between_emails" validate:"omitempty,min=0"`
	Steps              []stepInput `json:"steps" validate:"required,min=1,dive"`
}

func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req CreateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// The sender must belong to the same account
	var sender models.Sender
	if err := cc.DB.Where("id = ? AND user_id = ?", req.SenderID, userID).First(&sender).Error; err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Sender not found",
		})
	}

	campaign := models.Campaign{
		UserID:      userID,
		SenderID:    req.SenderID,
		Name:        req.Name,
		Description: req.Description,
		LeadListID:  req.LeadListID,
		Status:      models.CampaignStatusDraft,

		// pacing default; an explicit 0 below overrides it
		DelayBetweenEmails: 60,
	}
	if req.SendStartTime != "" {
		campaign.SendStartTime = req.SendStartTime
	}
	if req.SendEndTime != "" {
		campaign.SendEndTime = req.SendEndTime
	}
	if req.Timezone != "" {
		campaign.Timezone = req.Timezone
	}
	if req.DelayBetweenEmails != nil {
		campaign.DelayBetweenEmails = *req.DelayBetweenEmails
	}

	err := cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&campaign).Error; err != nil {
			return err
		}

		for i, s := range req.Steps {
			step := models.SequenceStep{
				CampaignID:    campaign.ID,
				StepOrder:     i + 1,
				Subject:       s.Subject,
				Body:          s.Body,
				DelayDays:     s.DelayDays,
				SendIfNoReply: true,
			}
			if s.SendIfNoReply != nil {
				step.SendIfNoReply = *s.SendIfNoReply
			}
			if s.SendIfNoOpen != nil {
				step.SendIfNoOpen = *s.SendIfNoOpen
			}
			if err := tx.Create(&step).Error; err != nil {
				return err
			}
		}

		for _, leadID := range req.LeadIDs {
			if err := tx.Create(&models.CampaignLead{
				CampaignID: campaign.ID,
				LeadID:     leadID,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		cc.Logger.Printf("CAMPAIGN: create failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(campaign))
}

func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	query := cc.DB.Where("user_id = ?", userID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var campaigns []models.Campaign
	if err := query.Order("created_at DESC").Find(&campaigns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaigns",
		})
	}
	return c.JSON(utils.SuccessResponse(campaigns))
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.findCampaign(c, true)
	if campaign == nil {
		return resp
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

type UpdateCampaignRequest struct {
	Name               *string `json:"name"`
	Description        *string `json:"description"`
	SendStartTime      *string `json:"send_start_time"`
	SendEndTime        *string `json:"send_end_time"`
	Timezone           *string `json:"timezone"`
	DelayBetweenEmails *int    `json:"delay_between_emails" validate:"omitempty,min=0"`
	LeadListID         *uint   `json:"lead_list_id"`
}

func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.findCampaign(c, false)
	if campaign == nil {
		return resp
	}

	if campaign.IsTerminal() {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign is already finished",
		})
	}

	var req UpdateCampaignRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if req.Name != nil {
		campaign.Name = *req.Name
	}
	if req.Description != nil {
		campaign.Description = *req.Description
	}
	if req.SendStartTime != nil {
		campaign.SendStartTime = *req.SendStartTime
	}
	if req.SendEndTime != nil {
		campaign.SendEndTime = *req.SendEndTime
	}
	if req.Timezone != nil {
		campaign.Timezone = *req.Timezone
	}
	if req.DelayBetweenEmails != nil {
		campaign.DelayBetweenEmails = *req.DelayBetweenEmails
	}
	if req.LeadListID != nil {
		// Recipient set can only change before the first send
		if campaign.Status != models.CampaignStatusDraft {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Recipients can only change while the campaign is a draft",
			})
		}
		campaign.LeadListID = req.LeadListID
	}

	if err := cc.DB.Save(campaign).Error; err != nil {
		cc.Logger.Printf("CAMPAIGN: update %d failed: %v", campaign.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}
	return c.JSON(utils.SuccessResponse(campaign))
}

func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.findCampaign(c, false)
	if campaign == nil {
		return resp
	}

	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only draft campaigns can be deleted; cancel it instead",
		})
	}

	err := cc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.CampaignLead{}).Error; err != nil {
			return err
		}
		return tx.Delete(campaign).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete campaign",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign deleted",
	})
}

// SendCampaign starts or resumes delivery
func (cc *CampaignController) SendCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.findCampaign(c, false)
	if campaign == nil {
		return resp
	}

	if err := cc.Runner.StartCampaign(campaign.ID); err != nil {
		switch {
		case errors.Is(err, engine.ErrCampaignFinished):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Campaign is already finished",
			})
		case errors.Is(err, engine.ErrNoSteps), errors.Is(err, engine.ErrNoRecipients):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, engine.ErrSenderUnavailable):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": err.Error(),
			})
		default:
			cc.Logger.Printf("CAMPAIGN: start %d failed: %v", campaign.ID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to start campaign",
			})
		}
	}

	return c.JSON(fiber.Map{
		"message": "Campaign started",
	})
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.findCampaign(c, false)
	if campaign == nil {
		return resp
	}

	if err := cc.Runner.PauseCampaign(campaign.ID); err != nil {
		if errors.Is(err, engine.ErrCampaignNotActive) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Campaign is not active",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to pause campaign",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign paused",
	})
}

func (cc *CampaignController) CancelCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.findCampaign(c, false)
	if campaign == nil {
		return resp
	}

	if err := cc.Runner.CancelCampaign(campaign.ID); err != nil {
		if errors.Is(err, engine.ErrCampaignFinished) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Campaign is already finished",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to cancel campaign",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Campaign cancelled",
	})
}

// GetCampaignStats returns the aggregate counters plus per-step breakdown
// and the current queue depth.
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaign, resp := cc.findCampaign(c, true)
	if campaign == nil {
		return resp
	}

	var queued int64
	cc.DB.Model(&models.SentMessage{}).
		Where("campaign_id = ? AND status = ?", campaign.ID, models.MessageStatusQueued).
		Count(&queued)

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id":        campaign.ID,
		"status":             campaign.Status,
		"started_at":         campaign.StartedAt,
		"completed_at":       campaign.CompletedAt,
		"total_recipients":   campaign.TotalRecipients,
		"total_sent":         campaign.TotalSent,
		"total_opened":       campaign.TotalOpened,
		"total_clicked":      campaign.TotalClicked,
		"total_replied":      campaign.TotalReplied,
		"total_bounced":      campaign.TotalBounced,
		"total_unsubscribed": campaign.TotalUnsubscribed,
		"queued":             queued,
		"steps":              campaign.Steps,
	}))
}

// HandleCampaignProgressWS streams delivery progress until the campaign
// reaches a terminal state or the client disconnects.
func (cc *CampaignController) HandleCampaignProgressWS(c *websocket.Conn) {
	defer c.Close()

	campaignID := utils.ParseUint(c.Params("id"))
	userID, _ := c.Locals("userID").(uint)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		var campaign models.Campaign
		if err := cc.DB.Where("id = ? AND user_id = ?", campaignID, userID).First(&campaign).Error; err != nil {
			cc.Logger.Printf("CAMPAIGN: ws lookup %d failed: %v", campaignID, err)
			return
		}

		percent := 0
		if campaign.TotalRecipients > 0 {
			percent = campaign.TotalSent * 100 / campaign.TotalRecipients
		}

		progress := struct {
			Status       string `json:"status"`
			TotalSent    int    `json:"total_sent"`
			TotalOpened  int    `json:"total_opened"`
			TotalReplied int    `json:"total_replied"`
			Percent      int    `json:"percent"`
		}{
			Status:       campaign.Status,
			TotalSent:    campaign.TotalSent,
			TotalOpened:  campaign.TotalOpened,
			TotalReplied: campaign.TotalReplied,
			Percent:      percent,
		}

		if err := c.WriteJSON(progress); err != nil {
			return
		}
		if campaign.IsTerminal() {
			return
		}
	}
}

// findCampaign loads the campaign scoped to the caller's account. On failure
// it writes the error response and returns a nil campaign.
func (cc *CampaignController) findCampaign(c *fiber.Ctx, withSteps bool) (*models.Campaign, error) {
	userID := c.Locals("userID").(uint)
	campaignID := utils.ParseUint(c.Params("id"))

	query := cc.DB.Where("id = ? AND user_id = ?", campaignID, userID)
	if withSteps {
		query = query.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC")
		})
	}

	var campaign models.Campaign
	if err := query.First(&campaign).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Campaign not found",
			})
		}
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaign",
		})
	}
	return &campaign, nil
}
