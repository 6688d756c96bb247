package controller

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"outreachly/models"
	"outreachly/store"
	"outreachly/utils"
)

type LeadController struct {
	DB       *gorm.DB
	Store    store.Store
	Logger   *logrus.Entry
	validate *validator.Validate
}

func NewLeadController(db *gorm.DB, st store.Store, logger *logrus.Entry) *LeadController {
	return &LeadController{
		DB:       db,
		Store:    st,
		Logger:   logger,
		validate: validator.New(),
	}
}

type leadInput struct {
	Email              string   `json:"email" validate:"required,email"`
	FirstName          string   `json:"first_name"`
	LastName           string   `json:"last_name"`
	Company            string   `json:"company"`
	Position           string   `json:"position"`
	Industry           string   `json:"industry"`
	CompanyDescription string   `json:"company_description"`
	PainPoints         []string `json:"pain_points"`
}

// ImportLeads accepts a JSON array of leads, scores each one, and stores
// them. Rows with an unusable email are reported back, not silently dropped.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Leads []leadInput `json:"leads" validate:"required,min=1,dive"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := lc.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	imported, skipped := lc.importRows(user.ID, input.Leads, "json")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"imported": imported,
		"skipped":  skipped,
	})
}

// ImportLeadsCSV accepts a multipart CSV upload. The first row must be a
// header; recognized columns are email, first_name, last_name, company,
// position, industry, company_description and pain_points (semicolon
// separated).
func (lc *LeadController) ImportLeadsCSV(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing file upload",
		})
	}
	f, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to open upload",
		})
	}
	defer f.Close()

	rows, err := parseLeadCSV(f)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	imported, skipped := lc.importRows(user.ID, rows, "csv")
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"imported": imported,
		"skipped":  skipped,
	})
}

func (lc *LeadController) importRows(userID uint, rows []leadInput, source string) (imported int, skipped []fiber.Map) {
	for _, row := range rows {
		if err := utils.VerifyLeadEmail(row.Email); err != nil {
			if errors.Is(err, utils.ErrDataIntegrity) {
				skipped = append(skipped, fiber.Map{"email": row.Email, "reason": err.Error()})
				continue
			}
			// Verification backends being down is not the lead's fault.
			lc.Logger.WithError(err).WithField("email", row.Email).Warn("email verification unavailable, importing anyway")
		}

		lead := models.Lead{
			UserID:             userID,
			Email:              strings.ToLower(strings.TrimSpace(row.Email)),
			FirstName:          row.FirstName,
			LastName:           row.LastName,
			Company:            row.Company,
			Position:           row.Position,
			Industry:           row.Industry,
			CompanyDescription: row.CompanyDescription,
			PainPoints:         row.PainPoints,
			Source:             source,
		}
		lead.Score = utils.ScoreLead(&lead)

		err := lc.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "company", "position", "industry", "company_description", "pain_points", "score"}),
		}).Create(&lead).Error
		if err != nil {
			lc.Logger.WithError(err).WithField("email", lead.Email).Error("failed to store lead")
			skipped = append(skipped, fiber.Map{"email": row.Email, "reason": "storage error"})
			continue
		}
		imported++
	}
	return imported, skipped
}

// EnrollLeads attaches leads to a campaign by creating their sequence
// states. Unsubscribed and do-not-contact leads are refused; re-enrolling
// an already-enrolled lead is a no-op.
func (lc *LeadController) EnrollLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaignID, err := c.ParamsInt("id")
	if err != nil || campaignID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	var input struct {
		LeadIDs []uint `json:"lead_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := lc.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	campaign, err := lc.Store.GetCampaign(c.Context(), uint(campaignID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Campaign not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load campaign",
		})
	}
	if campaign.UserID != user.ID {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	var enrolled int
	var skipped []fiber.Map
	for _, leadID := range input.LeadIDs {
		lead, err := lc.Store.GetLead(c.Context(), leadID)
		if err != nil {
			skipped = append(skipped, fiber.Map{"lead_id": leadID, "reason": "not found"})
			continue
		}
		if lead.UserID != user.ID {
			skipped = append(skipped, fiber.Map{"lead_id": leadID, "reason": "not found"})
			continue
		}
		if lead.IsUnsubscribed || lead.IsDoNotContact {
			skipped = append(skipped, fiber.Map{"lead_id": leadID, "reason": "opted out"})
			continue
		}

		state := models.SequenceState{
			CampaignID:       campaign.ID,
			LeadID:           lead.ID,
			CurrentStepIndex: -1,
			Status:           models.StatusPending,
		}
		res := lc.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&state)
		if res.Error != nil {
			lc.Logger.WithError(res.Error).WithField("lead_id", leadID).Error("failed to enroll lead")
			skipped = append(skipped, fiber.Map{"lead_id": leadID, "reason": "storage error"})
			continue
		}
		if res.RowsAffected == 0 {
			skipped = append(skipped, fiber.Map{"lead_id": leadID, "reason": "already enrolled"})
			continue
		}
		enrolled++
	}

	if enrolled > 0 {
		if err := lc.Store.IncrCampaignStat(c.Context(), campaign.ID, "enrolled_count", enrolled); err != nil {
			lc.Logger.WithError(err).Warn("failed to bump enrolled count")
		}
	}

	return c.JSON(fiber.Map{
		"enrolled": enrolled,
		"skipped":  skipped,
	})
}

func (lc *LeadController) ListLeads(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var leads []models.Lead
	if err := lc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&leads).Error; err != nil {
		lc.Logger.WithError(err).Error("failed to list leads")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list leads",
		})
	}
	return c.JSON(fiber.Map{"leads": leads})
}

func parseLeadCSV(r io.Reader) ([]leadInput, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.New("failed to read CSV header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["email"]; !ok {
		return nil, errors.New("CSV header must include an email column")
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var rows []leadInput
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.New("malformed CSV row")
		}

		row := leadInput{
			Email:              field(record, "email"),
			FirstName:          field(record, "first_name"),
			LastName:           field(record, "last_name"),
			Company:            field(record, "company"),
			Position:           field(record, "position"),
			Industry:           field(record, "industry"),
			CompanyDescription: field(record, "company_description"),
		}
		if pp := field(record, "pain_points"); pp != "" {
			for _, p := range strings.Split(pp, ";") {
				if p = strings.TrimSpace(p); p != "" {
					row.PainPoints = append(row.PainPoints, p)
				}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
