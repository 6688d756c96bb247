package controller

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outreachly/engine"
)

// ReplyWebhookController accepts replies pushed by an external mail
// provider, as an alternative to the IMAP poller. Both paths converge on
// the same handler and the same Message-ID dedupe.
type ReplyWebhookController struct {
	Handler  *engine.ReplyHandler
	Logger   *logrus.Entry
	validate *validator.Validate
}

func NewReplyWebhookController(handler *engine.ReplyHandler, logger *logrus.Entry) *ReplyWebhookController {
	return &ReplyWebhookController{
		Handler:  handler,
		Logger:   logger,
		validate: validator.New(),
	}
}

func (rc *ReplyWebhookController) HandleReply(c *fiber.Ctx) error {
	var input struct {
		CampaignID uint   `json:"campaign_id" validate:"required"`
		LeadID     uint   `json:"lead_id" validate:"required"`
		MessageID  string `json:"message_id" validate:"required"`
		Subject    string `json:"subject"`
		Body       string `json:"body" validate:"required"`
		ReceivedAt string `json:"received_at"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := rc.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	var receivedAt time.Time
	if input.ReceivedAt != "" {
		t, err := time.Parse(time.RFC3339, input.ReceivedAt)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "received_at must be RFC3339",
			})
		}
		receivedAt = t
	}

	if err := rc.Handler.HandleReply(c.Context(), engine.ReplyEvent{
		CampaignID: input.CampaignID,
		LeadID:     input.LeadID,
		MessageID:  input.MessageID,
		Subject:    input.Subject,
		Body:       input.Body,
		ReceivedAt: receivedAt,
	}); err != nil {
		rc.Logger.WithError(err).WithFields(logrus.Fields{
			"campaign_id": input.CampaignID,
			"lead_id":     input.LeadID,
		}).Error("failed to process reply webhook")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process reply",
		})
	}

	return c.SendStatus(fiber.StatusAccepted)
}
