package controller

import (
	"encoding/csv"
	"log"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"coldpilot/models"
	"coldpilot/utils"
)

type LeadController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewLeadController(db *gorm.DB, logger *log.Logger) *LeadController {
	return &LeadController{
		DB:     db,
		Logger: logger,
	}
}

type CreateLeadListRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

func (lc *LeadController) CreateLeadList(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req CreateLeadListRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	list := models.LeadList{
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		Source:      "manual",
	}
	if err := lc.DB.Create(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead list", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(list))
}

func (lc *LeadController) GetLeadLists(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var lists []models.LeadList
	if err := lc.DB.Where("user_id = ?", userID).Order("created_at DESC").Find(&lists).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead lists", err)
	}
	return c.JSON(utils.SuccessResponse(lists))
}

func (lc *LeadController) GetLeadList(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	listID := utils.ParseUint(c.Params("id"))

	var list models.LeadList
	if err := lc.DB.Where("id = ? AND user_id = ?", listID, userID).Preload("Leads").First(&list).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead list not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead list", err)
	}
	return c.JSON(utils.SuccessResponse(list))
}

func (lc *LeadController) DeleteLeadList(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	listID := utils.ParseUint(c.Params("id"))

	var list models.LeadList
	if err := lc.DB.Where("id = ? AND user_id = ?", listID, userID).First(&list).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead list not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead list", err)
	}

	var referencing int64
	lc.DB.Model(&models.Campaign{}).
		Where("lead_list_id = ? AND status = ?", list.ID, models.CampaignStatusActive).
		Count(&referencing)
	if referencing > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead list is used by an active campaign", nil)
	}

	err := lc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lead_list_id = ?", list.ID).Delete(&models.Lead{}).Error; err != nil {
			return err
		}
		return tx.Delete(&list).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete lead list", err)
	}

	return c.JSON(fiber.Map{
		"message": "Lead list deleted",
	})
}

type CreateLeadRequest struct {
	LeadListID uint   `json:"lead_list_id" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Company    string `json:"company"`
	Category   string `json:"category"`
	City       string `json:"city"`
	Website    string `json:"website"`
	Phone      string `json:"phone"`
}

func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)

	var req CreateLeadRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	var list models.LeadList
	if err := lc.DB.Where("id = ? AND user_id = ?", req.LeadListID, userID).First(&list).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Lead list not found", nil)
	}

	lead := models.Lead{
		LeadListID: list.ID,
		UserID:     userID,
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Company:    req.Company,
		Category:   req.Category,
		City:       req.City,
		Website:    req.Website,
		Phone:      req.Phone,
		Source:     "manual",
	}

	err := lc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&lead).Error; err != nil {
			return err
		}
		return tx.Model(&list).Update("lead_count", gorm.Expr("lead_count + ?", 1)).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

// MarkDoNotContact permanently excludes the lead from every future send
func (lc *LeadController) MarkDoNotContact(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	leadID := utils.ParseUint(c.Params("id"))

	res := lc.DB.Model(&models.Lead{}).
		Where("id = ? AND user_id = ?", leadID, userID).
		Update("is_do_not_contact", true)
	if res.Error != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", res.Error)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}

	return c.JSON(fiber.Map{
		"message": "Lead marked do-not-contact",
	})
}

// ImportLeads bulk-loads leads from an uploaded CSV. The header row maps
// columns to lead fields; rows without a valid email are skipped.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	userID := c.Locals("userID").(uint)
	listID := utils.ParseUint(c.Query("list_id"))

	if listID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Lead list ID is required for import", nil)
	}

	var list models.LeadList
	if err := lc.DB.Where("id = ? AND user_id = ?", listID, userID).First(&list).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead list not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead list", err)
	}

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}
	if file.Size > 5<<20 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File too large (max 5MB)", nil)
	}

	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	reader := csv.NewReader(src)
	records, err := reader.ReadAll()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to parse CSV file", err)
	}
	if len(records) < 2 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "CSV file must have at least a header and one row", nil)
	}

	header := records[0]
	rows := records[1:]

	var leads []models.Lead
	skipped := 0
	for _, row := range rows {
		if len(row) != len(header) {
			skipped++
			continue
		}

		data := make(map[string]string, len(header))
		for i, col := range header {
			data[strings.ToLower(strings.TrimSpace(col))] = strings.TrimSpace(row[i])
		}

		email := strings.ToLower(data["email"])
		if email == "" || checkmail.ValidateFormat(email) != nil {
			skipped++
			continue
		}

		leads = append(leads, models.Lead{
			LeadListID: list.ID,
			UserID:     userID,
			Email:      email,
			FirstName:  data["first_name"],
			LastName:   data["last_name"],
			Company:    data["company"],
			Category:   data["category"],
			City:       data["city"],
			Website:    data["website"],
			Phone:      data["phone"],
			Source:     "csv",
		})
	}

	if len(leads) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No valid leads found in file", nil)
	}

	err = lc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(leads, 100).Error; err != nil {
			return err
		}
		return tx.Model(&list).Update("lead_count", gorm.Expr("lead_count + ?", len(leads))).Error
	})
	if err != nil {
		lc.Logger.Printf("lead import into list %d failed: %v", list.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to import leads", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"imported": len(leads),
		"skipped":  skipped,
	}))
}
