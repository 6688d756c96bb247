package controller

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"outreachly/config"
	"outreachly/models"
	"outreachly/store"
)

type CampaignController struct {
	DB       *gorm.DB
	Store    store.Store
	Logger   *logrus.Entry
	validate *validator.Validate
}

func NewCampaignController(db *gorm.DB, st store.Store, logger *logrus.Entry) *CampaignController {
	return &CampaignController{
		DB:       db,
		Store:    st,
		Logger:   logger,
		validate: validator.New(),
	}
}

type stepInput struct {
	StepNumber   int    `json:"step_number"`
	TemplateID   string `json:"template_id" validate:"required"`
	Channel      string `json:"channel"`
	Prompt       string `json:"prompt"`
	DelayHours   int    `json:"delay_hours" validate:"gte=0"`
	SilenceHours int    `json:"silence_hours" validate:"gte=0"`
}

type campaignInput struct {
	Name         string      `json:"name" validate:"required"`
	Description  string      `json:"description"`
	MaxFollowUps *int        `json:"max_follow_ups"`
	Steps        []stepInput `json:"steps" validate:"required,min=1,dive"`
}

// CreateCampaign stores a new campaign in draft status. The sequence
// definition is validated up front so a broken campaign can never start.
func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input campaignInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := cc.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	campaign := models.Campaign{
		UserID:      user.ID,
		Name:        input.Name,
		Description: input.Description,
		Status:      models.CampaignDraft,
	}
	if input.MaxFollowUps != nil {
		campaign.MaxFollowUps = *input.MaxFollowUps
	}
	for _, s := range input.Steps {
		channel := s.Channel
		if channel == "" {
			channel = "email"
		}
		if s.SilenceHours == 0 {
			s.SilenceHours = config.AppConfig.Engine.FollowUpDelayHours
		}
		campaign.Steps = append(campaign.Steps, models.SequenceStep{
			StepNumber:   s.StepNumber,
			TemplateID:   s.TemplateID,
			Channel:      channel,
			Prompt:       s.Prompt,
			DelayHours:   s.DelayHours,
			SilenceHours: s.SilenceHours,
		})
	}

	if err := campaign.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := cc.DB.Create(&campaign).Error; err != nil {
		cc.Logger.WithError(err).Error("failed to create campaign")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(campaign)
}

func (cc *CampaignController) ListCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaigns []models.Campaign
	if err := cc.DB.Where("user_id = ?", user.ID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_number ASC") }).
		Order("created_at DESC").
		Find(&campaigns).Error; err != nil {
		cc.Logger.WithError(err).Error("failed to list campaigns")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list campaigns",
		})
	}

	return c.JSON(fiber.Map{"campaigns": campaigns})
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.loadOwnedCampaign(c)
	if campaign == nil {
		return resp
	}
	return c.JSON(campaign)
}

// StartCampaign activates a draft or paused campaign.
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.loadOwnedCampaign(c)
	if campaign == nil {
		return resp
	}

	if campaign.Status != models.CampaignDraft && campaign.Status != models.CampaignPaused {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Campaign cannot be started from status " + campaign.Status,
		})
	}
	if err := campaign.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	now := time.Now()
	campaign.Status = models.CampaignActive
	if campaign.StartedAt == nil {
		campaign.StartedAt = &now
	}
	if err := cc.Store.SaveCampaign(c.Context(), campaign); err != nil {
		cc.Logger.WithError(err).Error("failed to start campaign")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start campaign",
		})
	}

	return c.JSON(fiber.Map{"message": "Campaign started", "campaign": campaign})
}

func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	campaign, resp := cc.loadOwnedCampaign(c)
	if campaign == nil {
		return resp
	}

	if campaign.Status != models.CampaignActive {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Only active campaigns can be paused",
		})
	}

	campaign.Status = models.CampaignPaused
	if err := cc.Store.SaveCampaign(c.Context(), campaign); err != nil {
		cc.Logger.WithError(err).Error("failed to pause campaign")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to pause campaign",
		})
	}

	return c.JSON(fiber.Map{"message": "Campaign paused", "campaign": campaign})
}

// CampaignStats reports the aggregate counters plus the live status
// breakdown of every enrollment.
func (cc *CampaignController) CampaignStats(c *fiber.Ctx) error {
	campaign, resp := cc.loadOwnedCampaign(c)
	if campaign == nil {
		return resp
	}

	type statusCount struct {
		Status string `json:"status"`
		Count  int64  `json:"count"`
	}
	var breakdown []statusCount
	if err := cc.DB.Model(&models.SequenceState{}).
		Select("status, COUNT(*) as count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&breakdown).Error; err != nil {
		cc.Logger.WithError(err).Error("failed to aggregate enrollment statuses")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load campaign stats",
		})
	}

	var manualReview int64
	cc.DB.Model(&models.SequenceState{}).
		Where("campaign_id = ? AND manual_review = ?", campaign.ID, true).
		Count(&manualReview)

	return c.JSON(fiber.Map{
		"campaign_id":       campaign.ID,
		"status":            campaign.Status,
		"enrolled_count":    campaign.EnrolledCount,
		"sent_count":        campaign.SentCount,
		"reply_count":       campaign.ReplyCount,
		"booked_count":      campaign.BookedCount,
		"unsubscribe_count": campaign.UnsubscribeCount,
		"dead_count":        campaign.DeadCount,
		"manual_review":     manualReview,
		"by_status":         breakdown,
	})
}

// loadOwnedCampaign fetches the campaign in the :id param and enforces
// ownership. It writes the error response itself.
func (cc *CampaignController) loadOwnedCampaign(c *fiber.Ctx) (*models.Campaign, error) {
	user := c.Locals("user").(*models.User)

	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid campaign id",
		})
	}

	campaign, err := cc.Store.GetCampaign(c.Context(), uint(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Campaign not found",
			})
		}
		cc.Logger.WithError(err).Error("failed to load campaign")
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load campaign",
		})
	}
	if campaign.UserID != user.ID {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}
	return campaign, nil
}
