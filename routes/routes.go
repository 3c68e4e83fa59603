package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	controller "coldpilot/controllers"
	"coldpilot/engine"
	"coldpilot/middleware"
	"coldpilot/models"
)

// Dependencies carries the shared engine components the handlers use
type Dependencies struct {
	DB        *gorm.DB
	Warmup    *engine.WarmupTracker
	Recorder  *engine.TrackingRecorder
	Runner    *engine.CampaignRunner
	Transport interface{ Test(*models.Sender) error }
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	requestLog := logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})

	senderController := controller.NewSenderController(deps.DB, deps.Warmup, deps.Transport,
		log.New(os.Stdout, "SENDER: ", log.LstdFlags))
	campaignController := controller.NewCampaignController(deps.DB, deps.Runner,
		log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	leadController := controller.NewLeadController(deps.DB,
		log.New(os.Stdout, "LEAD: ", log.LstdFlags))
	trackingController := controller.NewTrackingController(deps.Recorder,
		log.New(os.Stdout, "TRACKING: ", log.LstdFlags))

	// Public tracking endpoints; rate limited, never authenticated
	public := app.Group("", middleware.TrackingRateLimiter())
	public.Get("/track/:trackingID/open", trackingController.HandleOpen)
	public.Get("/unsubscribe/:trackingID", trackingController.HandleUnsubscribe)
	public.Post("/unsubscribe/:trackingID", trackingController.HandleUnsubscribe)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), requestLog)

	// Sender routes
	senders := api.Group("/senders")
	senders.Post("/", senderController.CreateSender)
	senders.Get("/", senderController.GetSenders)
	senders.Get("/:id", senderController.GetSender)
	senders.Put("/:id", senderController.UpdateSender)
	senders.Delete("/:id", senderController.DeleteSender)
	senders.Post("/:id/test", senderController.TestSender)
	senders.Post("/:id/warmup/start", senderController.StartWarmup)
	senders.Post("/:id/warmup/skip", senderController.SkipWarmup)
	senders.Post("/:id/warmup/pause", senderController.PauseWarmup)
	senders.Post("/:id/warmup/resume", senderController.ResumeWarmup)
	senders.Get("/:id/warmup/status", senderController.WarmupStatus)

	// Campaign routes
	campaigns := api.Group("/campaigns")
	campaigns.Post("/", campaignController.CreateCampaign)
	campaigns.Get("/", campaignController.GetCampaigns)
	campaigns.Get("/:id", campaignController.GetCampaign)
	campaigns.Put("/:id", campaignController.UpdateCampaign)
	campaigns.Delete("/:id", campaignController.DeleteCampaign)
	campaigns.Post("/:id/send", campaignController.SendCampaign)
	campaigns.Post("/:id/pause", campaignController.PauseCampaign)
	campaigns.Post("/:id/cancel", campaignController.CancelCampaign)
	campaigns.Get("/:id/stats", campaignController.GetCampaignStats)

	// Websocket progress stream; the upgrade check must run before the
	// websocket handler sees the connection
	api.Use("/campaigns/:id/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/campaigns/:id/progress", websocket.New(campaignController.HandleCampaignProgressWS))

	// Lead routes
	leads := api.Group("/leads")
	leads.Post("/", leadController.CreateLead)
	leads.Post("/import", leadController.ImportLeads)
	leads.Post("/:id/do-not-contact", leadController.MarkDoNotContact)

	leadLists := api.Group("/lead-lists")
	leadLists.Post("/", leadController.CreateLeadList)
	leadLists.Get("/", leadController.GetLeadLists)
	leadLists.Get("/:id", leadController.GetLeadList)
	leadLists.Delete("/:id", leadController.DeleteLeadList)

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
}
