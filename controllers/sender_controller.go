package controller

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"coldpilot/engine"
	"coldpilot/models"
	"coldpilot/utils"
)

type SenderController struct {
	DB        *gorm.DB
	Warmup    *engine.WarmupTracker
	Transport interface{ Test(*models.Sender) error }
	Logger    *log.Logger
}

func NewSenderController(db *gorm.DB, warmup *engine.WarmupTracker, transport interface{ Test(*models.Sender) error }, logger *log.Logger) *SenderController {
	return &SenderController{
		DB:        db,
		Warmup:    warmup,
		Transport: transport,
		Logger:    logger,
	}
}

type CreateSenderRequest struct {
	Name           string `json:"name" validate:"required"`
	FromEmail      string `json:"from_email" validate:"required,email"`
	FromName       string `json:"from_name" validate:"required"`
	SMTPHost       string `json:"smtp_host" validate:"required"`
	SMTPPort       int    `json:"smtp_port" validate:"required"`
	SMTPUsername   string `json:"smtp_username" validate:"required"`
	SMTPPassword   string `json:"smtp_password" validate:"required"`
	Encryption     string `json:"encryption" validate:"required,oneof=SSL TLS STARTTLS"`
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPMailbox    string `json:"imap_mailbox"`
	DailySendLimit int    `json:"daily_send_limit" validate:"omitempty,min=1,max=2000"`
}

type UpdateSenderRequest struct {
	Name           *string `json:"name"`
	FromEmail      *string `json:"from_email" validate:"omitempty,email"`
	FromName       *string `json:"from_name"`
	SMTPHost       *string `json:"smtp_host"`
	SMTPPort       *int    `json:"smtp_port"`
	SMTPUsername   *string `json:"smtp_username"`
	SMTPPassword   *string `json:"smtp_password"`
	Encryption     *string `json:"encryption" validate:"omitempty,oneof=SSL TLS STARTTLS"`
	IMAPHost       *string `json:"imap_host"`
	IMAPPort       *int    `json:"imap_port"`
	IMAPUsername   *string `json:"imap_username"`
	IMAPPassword   *string `json:"imap_password"`
	IMAPMailbox    *string `json:"imap_mailbox"`
	DailySendLimit *int    `json:"daily_send_limit" validate:"omitempty,min=1,max=2000"`
	IsActive       *bool   `json:"is_active"`
}

func (sc *SenderController) CreateSender(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req CreateSenderRequest
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

	// Encrypt sensitive data
	encryptedSMTPPassword, err := utils.Encrypt(req.SMTPPassword)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to encrypt SMTP password",
		})
	}

	encryptedIMAPPassword := ""
	if req.IMAPPassword != "" {
		encryptedIMAPPassword, err = utils.Encrypt(req.IMAPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to encrypt IMAP password",
			})
		}
	}

	sender := models.Sender{
		UserID:       userID,
		Name:         req.Name,
		FromEmail:    req.FromEmail,
		FromName:     req.FromName,
		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
		SMTPUsername: req.SMTPUsername,
		SMTPPassword: encryptedSMTPPassword,
		Encryption:   req.Encryption,
		IMAPHost:     req.IMAPHost,
		IMAPPort:     req.IMAPPort,
		IMAPUsername: req.IMAPUsername,
		IMAPPassword: encryptedIMAPPassword,
		DailyResetAt: time.Now(),
	}
	if req.IMAPMailbox != "" {
		sender.IMAPMailbox = req.IMAPMailbox
	}
	if req.DailySendLimit > 0 {
		sender.DailySendLimit = req.DailySendLimit
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		sc.Logger.Printf("failed to create sender: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sender",
		})
	}

	sender.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(sender))
}

func (sc *SenderController) GetSenders(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var senders []models.Sender
	if err := sc.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&senders).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch senders",
		})
	}

	for i := range senders {
		senders[i].Sanitize()
	}
	return c.JSON(utils.SuccessResponse(senders))
}

func (sc *SenderController) GetSender(c *fiber.Ctx) error {
	sender, resp := sc.findSender(c)
	if sender == nil {
		return resp
	}
	sender.Sanitize()
	return c.JSON(utils.SuccessResponse(sender))
}

func (sc *SenderController) UpdateSender(c *fiber.Ctx) error {
	sender, resp := sc.findSender(c)
	if sender == nil {
		return resp
	}

	var req UpdateSenderRequest
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
		sender.Name = *req.Name
	}
	if req.FromEmail != nil {
		sender.FromEmail = *req.FromEmail
	}
	if req.FromName != nil {
		sender.FromName = *req.FromName
	}
	if req.SMTPHost != nil {
		sender.SMTPHost = *req.SMTPHost
	}
	if req.SMTPPort != nil {
		sender.SMTPPort = *req.SMTPPort
	}
	if req.SMTPUsername != nil {
		sender.SMTPUsername = *req.SMTPUsername
	}
	if req.SMTPPassword != nil {
		encrypted, err := utils.Encrypt(*req.SMTPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to encrypt SMTP password",
			})
		}
		sender.SMTPPassword = encrypted
		// Credentials changed, a new dial check is required
		sender.IsVerified = false
	}
	if req.Encryption != nil {
		sender.Encryption = *req.Encryption
	}
	if req.IMAPHost != nil {
		sender.IMAPHost = *req.IMAPHost
	}
	if req.IMAPPort != nil {
		sender.IMAPPort = *req.IMAPPort
	}
	if req.IMAPUsername != nil {
		sender.IMAPUsername = *req.IMAPUsername
	}
	if req.IMAPPassword != nil {
		encrypted, err := utils.Encrypt(*req.IMAPPassword)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to encrypt IMAP password",
			})
		}
		sender.IMAPPassword = encrypted
	}
	if req.IMAPMailbox != nil {
		sender.IMAPMailbox = *req.IMAPMailbox
	}
	if req.DailySendLimit != nil {
		sender.DailySendLimit = *req.DailySendLimit
	}
	if req.IsActive != nil {
		sender.IsActive = *req.IsActive
	}

	if err := sc.DB.Save(sender).Error; err != nil {
		sc.Logger.Printf("failed to update sender %d: %v", sender.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update sender",
		})
	}

	sender.Sanitize()
	return c.JSON(utils.SuccessResponse(sender))
}

// DeleteSender deactivates the sender instead of removing the row; sent
// message history keeps referencing it.
func (sc *SenderController) DeleteSender(c *fiber.Ctx) error {
	sender, resp := sc.findSender(c)
	if sender == nil {
		return resp
	}

	var activeCampaigns int64
	sc.DB.Model(&models.Campaign{}).
		Where("sender_id = ? AND status = ?", sender.ID, models.CampaignStatusActive).
		Count(&activeCampaigns)
	if activeCampaigns > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Sender is used by an active campaign",
		})
	}

	if err := sc.DB.Model(sender).Update("is_active", false).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to deactivate sender",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Sender deactivated",
	})
}

// TestSender runs an SMTP dial check and records the result
func (sc *SenderController) TestSender(c *fiber.Ctx) error {
	sender, resp := sc.findSender(c)
	if sender == nil {
		return resp
	}

	now := time.Now()
	if testErr := sc.Transport.Test(sender); testErr != nil {
		sc.DB.Model(sender).Updates(map[string]interface{}{
			"is_verified":    false,
			"last_error":     testErr.Error(),
			"last_tested_at": now,
		})
		return c.JSON(fiber.Map{
			"success": false,
			"error":   testErr.Error(),
		})
	}

	sc.DB.Model(sender).Updates(map[string]interface{}{
		"is_verified":    true,
		"last_error":     nil,
		"last_tested_at": now,
	})
	return c.JSON(fiber.Map{
		"success": true,
	})
}

func (sc *SenderController) StartWarmup(c *fiber.Ctx) error {
	return sc.warmupAction(c, sc.Warmup.StartWarmup, "Warmup started")
}

func (sc *SenderController) SkipWarmup(c *fiber.Ctx) error {
	return sc.warmupAction(c, sc.Warmup.SkipWarmup, "Warmup skipped, full limit applied")
}

func (sc *SenderController) PauseWarmup(c *fiber.Ctx) error {
	return sc.warmupAction(c, sc.Warmup.PauseWarmup, "Warmup paused")
}

func (sc *SenderController) ResumeWarmup(c *fiber.Ctx) error {
	return sc.warmupAction(c, sc.Warmup.ResumeWarmup, "Warmup resumed")
}

func (sc *SenderController) warmupAction(c *fiber.Ctx, action func(uint) error, message string) error {
	sender, resp := sc.findSender(c)
	if sender == nil {
		return resp
	}

	if err := action(sender.ID); err != nil {
		sc.Logger.Printf("WARMUP: action failed for sender %d: %v", sender.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Warmup action failed",
		})
	}

	return c.JSON(fiber.Map{
		"message": message,
	})
}

// WarmupStatus reports the sender's ramp position and remaining quota
func (sc *SenderController) WarmupStatus(c *fiber.Ctx) error {
	sender, resp := sc.findSender(c)
	if sender == nil {
		return resp
	}

	decision, err := sc.Warmup.CanSendNow(sender.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to evaluate send eligibility",
		})
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"warmup_enabled":   sender.WarmupEnabled,
		"warmup_day":       sender.WarmupDay,
		"warmup_phase":     sender.WarmupPhase,
		"daily_send_limit": sender.DailySendLimit,
		"daily_sent_count": sender.DailySentCount,
		"reputation_score": sender.ReputationScore,
		"decision":         decision,
	}))
}

// findSender loads the sender scoped to the caller's account. On failure
// it writes the error response and returns a nil sender.
func (sc *SenderController) findSender(c *fiber.Ctx) (*models.Sender, error) {
	userID := c.Locals("userID").(uint)
	senderID := utils.ParseUint(c.Params("id"))

	var sender models.Sender
	if err := sc.DB.Where("id = ? AND user_id = ?", senderID, userID).First(&sender).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Sender not found",
			})
		}
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sender",
		})
	}
	return &sender, nil
}
