package controller

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"outreachly/config"
	"outreachly/models"
	"outreachly/utils"
)

// AuthController issues API tokens. Account provisioning is gated behind
// the admin API key; there is no self-service signup.
type AuthController struct {
	DB       *gorm.DB
	Logger   *logrus.Entry
	validate *validator.Validate
}

func NewAuthController(db *gorm.DB, logger *logrus.Entry) *AuthController {
	return &AuthController{
		DB:       db,
		Logger:   logger,
		validate: validator.New(),
	}
}

// IssueToken creates the account if needed and returns a bearer token for
// it. Requires the X-Admin-Key header.
func (ac *AuthController) IssueToken(c *fiber.Ctx) error {
	if config.AppConfig.AdminAPIKey == "" || c.Get("X-Admin-Key") != config.AppConfig.AdminAPIKey {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid admin key",
		})
	}

	var input struct {
		Email string `json:"email" validate:"required,email"`
		Name  string `json:"name"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := ac.validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Validation failed",
			"details": err.Error(),
		})
	}

	var user models.User
	if err := ac.DB.Where("email = ?", input.Email).
		Attrs(models.User{Name: input.Name, IsActive: true}).
		FirstOrCreate(&user, models.User{Email: input.Email}).Error; err != nil {
		ac.Logger.WithError(err).Error("failed to provision account")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to provision account",
		})
	}

	token, err := utils.GenerateJWTToken(&user, 24*time.Hour)
	if err != nil {
		ac.Logger.WithError(err).Error("failed to sign token")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to issue token",
		})
	}

	return c.JSON(fiber.Map{
		"token":   token,
		"user_id": user.ID,
	})
}
