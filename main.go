package main

import (
	"context"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"

	"coldpilot/config"
	"coldpilot/engine"
	"coldpilot/mailer"
	"coldpilot/middleware"
	"coldpilot/routes"
	"coldpilot/worker"
)

func main() {
	logger := log.New(os.Stdout, "COLDPILOT: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Engine wiring
	engineCfg := engine.DefaultConfig()
	engineCfg.CleanDayDelta = config.AppConfig.ReputationCleanDay
	engineCfg.ErrorDayDelta = config.AppConfig.ReputationErrorDay
	engineCfg.BounceDelta = config.AppConfig.ReputationBounce
	engineCfg.ReplyDelta = config.AppConfig.ReputationReply

	baseURL := config.AppConfig.BaseURL
	transport := mailer.NewSMTPTransport()

	warmup := engine.NewWarmupTracker(config.DB, engineCfg,
		log.New(os.Stdout, "WARMUP: ", log.LstdFlags))
	recorder := engine.NewTrackingRecorder(config.DB, engineCfg,
		log.New(os.Stdout, "TRACKING: ", log.LstdFlags))
	sequences := engine.NewSequenceEngine(config.DB, baseURL,
		log.New(os.Stdout, "SEQUENCE: ", log.LstdFlags))
	batch := engine.NewBatchSender(config.DB, transport, warmup, sequences,
		log.New(os.Stdout, "BATCH: ", log.LstdFlags))

	// Workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	campaignWorker := worker.NewCampaignWorker(config.DB, batch, sequences,
		config.AppConfig.CampaignSweepInterval,
		log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	go campaignWorker.Start(ctx)

	warmupWorker := worker.NewWarmupWorker(config.DB, warmup,
		config.AppConfig.WarmupTickInterval,
		log.New(os.Stdout, "WARMUP: ", log.LstdFlags))
	go warmupWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(config.DB, recorder,
		config.AppConfig.ReplyPollInterval,
		log.New(os.Stdout, "REPLY: ", log.LstdFlags))
	go replyWorker.Start(ctx)

	// The runner hands started campaigns to the campaign worker
	resolver := engine.NewLeadResolver(config.DB)
	runner := engine.NewCampaignRunner(config.DB, warmup, resolver, campaignWorker, baseURL,
		log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))

	// Setup routes
	routes.SetupRoutes(app, routes.Dependencies{
		DB:        config.DB,
		Warmup:    warmup,
		Recorder:  recorder,
		Runner:    runner,
		Transport: transport,
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
