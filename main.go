package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/time/rate"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outreachly/config"
	"outreachly/engine"
	"outreachly/middleware"
	"outreachly/models"
	"outreachly/routes"
	"outreachly/store"
	"outreachly/utils"
	"outreachly/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadConfig(); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if config.AppConfig.Environment == "development" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		log.SetLevel(logrus.DebugLevel)
	}

	if dsn := config.AppConfig.SentryDSN; dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			log.WithError(err).Warn("sentry init failed, continuing without it")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := config.ConnectDB(); err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	if err := models.Migrate(config.DB); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}

	st := store.NewGormStore(config.DB)
	eng := config.AppConfig.Engine

	var quota engine.SendQuota
	if config.AppConfig.Redis.Enabled {
		redisQuota := utils.NewRedisSendQuota(
			config.AppConfig.Redis.Address,
			config.AppConfig.Redis.Password,
			config.AppConfig.Redis.DB,
		)
		defer redisQuota.Close()
		quota = redisQuota
	} else {
		log.Warn("redis disabled, daily send quota is process-local")
		quota = utils.NewMemorySendQuota()
	}

	generator := utils.NewGeminiClient(
		config.AppConfig.Gemini.APIKey,
		config.AppConfig.Gemini.Model,
		config.AppConfig.Gemini.BaseURL,
		eng.ExternalCallTimeout,
	)
	cache := utils.NewContentCache(utils.ContentCacheConfig{
		TTL:        eng.AICacheTTL,
		Capacity:   eng.AICacheCapacity,
		RateLimit:  rate.Limit(eng.AIRateLimit),
		RateBurst:  eng.AIRateBurst,
		Blocking:   eng.AIBlockingMode,
		MaxRetries: eng.AIMaxRetries,
		BaseDelay:  eng.AIRetryBaseDelay,
	}, log.WithField("component", "content_cache"))

	sender := utils.NewSMTPSender(
		config.AppConfig.SMTP.Host,
		config.AppConfig.SMTP.Port,
		config.AppConfig.SMTP.Username,
		config.AppConfig.SMTP.Password,
	)
	var meetings utils.MeetingScheduler
	if config.AppConfig.Calendly.Token != "" {
		meetings = utils.NewCalendlyClient(
			config.AppConfig.Calendly.Token,
			config.AppConfig.Calendly.BaseURL,
			config.AppConfig.Calendly.EventTypeURI,
			eng.ExternalCallTimeout,
		)
	} else {
		log.Warn("calendly token not set, interested replies will park in Replied")
	}

	locks := engine.NewKeyedLocks()
	events := engine.NewBroadcaster()

	scheduler := engine.NewScheduler(st, quota, engine.SchedulerConfig{
		BusinessHoursStart:  eng.BusinessHoursStart,
		BusinessHoursEnd:    eng.BusinessHoursEnd,
		Location:            config.AppConfig.BusinessLocation(),
		DailySendLimit:      eng.DailySendLimit,
		CampaignConcurrency: eng.CampaignConcurrency,
	}, log.WithField("component", "scheduler"))

	orchestrator := engine.NewOrchestrator(st, scheduler, cache, generator, sender, locks, events, engine.OrchestratorConfig{
		TickInterval:        eng.TickInterval,
		WorkerPoolSize:      eng.WorkerPoolSize,
		SendMaxRetries:      eng.SendMaxRetries,
		ExternalCallTimeout: eng.ExternalCallTimeout,
		FromEmail:           config.AppConfig.SMTP.FromEmail,
		FromName:            config.AppConfig.SMTP.FromName,
	}, log.WithField("component", "orchestrator"))

	analyzer := utils.NewResponseAnalyzer(generator, eng.ExternalCallTimeout, log.WithField("component", "analyzer"))
	replies := engine.NewReplyHandler(st, analyzer, meetings, locks, events,
		log.WithField("component", "replies"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go orchestrator.Run(ctx)

	if config.AppConfig.IMAP.Address != "" {
		replyWorker := worker.NewReplyWorker(config.AppConfig.IMAP, st, replies,
			eng.ReplyPollInterval, log.WithField("component", "reply_worker"))
		go replyWorker.Start(ctx)
	} else {
		log.Warn("imap not configured, relying on the reply webhook only")
	}

	app := fiber.New()
	app.Use(middleware.CORS())

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	routes.SetupRoutes(app, config.DB, st, replies, events, log)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	log.WithField("port", config.AppConfig.ServerPort).Info("server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}
