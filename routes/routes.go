package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "outreachly/controllers"
	"outreachly/engine"
	"outreachly/middleware"
	"outreachly/store"
)

// SetupRoutes wires every HTTP and websocket endpoint.
func SetupRoutes(app *fiber.App, db *gorm.DB, st store.Store, replies *engine.ReplyHandler, events *engine.Broadcaster, log *logrus.Logger) {
	authController := controller.NewAuthController(db, log.WithField("component", "auth"))
	campaignController := controller.NewCampaignController(db, st, log.WithField("component", "campaigns"))
	leadController := controller.NewLeadController(db, st, log.WithField("component", "leads"))
	replyController := controller.NewReplyWebhookController(replies, log.WithField("component", "replies"))

	app.Post("/auth/token", authController.IssueToken)

	// Reply push from the mail provider; authenticated by the provider's
	// shared-secret header at the proxy layer, not by a user token.
	app.Post("/webhooks/replies", replyController.HandleReply)

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	campaign := api.Group("/campaigns")
	campaign.Post("/", campaignController.CreateCampaign)
	campaign.Get("/", campaignController.ListCampaigns)
	campaign.Get("/:id", campaignController.GetCampaign)
	campaign.Post("/:id/start", campaignController.StartCampaign)
	campaign.Post("/:id/resume", campaignController.StartCampaign)
	campaign.Post("/:id/pause", campaignController.PauseCampaign)
	campaign.Get("/:id/stats", campaignController.CampaignStats)
	campaign.Post("/:id/leads", leadController.EnrollLeads)

	lead := api.Group("/leads")
	lead.Post("/", leadController.ImportLeads)
	lead.Post("/csv", leadController.ImportLeadsCSV)
	lead.Get("/", leadController.ListLeads)

	// Live event stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(controller.CampaignEventsWS(events, log.WithField("component", "ws"))))
}
