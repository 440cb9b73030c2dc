package server

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/mansoorceksport/esimpay/internal/config"
	"github.com/mansoorceksport/esimpay/internal/handler"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/imsi"
	"github.com/mansoorceksport/esimpay/internal/logging"
	"github.com/mansoorceksport/esimpay/internal/metrics"
	"github.com/mansoorceksport/esimpay/internal/middleware"
	"github.com/mansoorceksport/esimpay/internal/repository"
	"github.com/mansoorceksport/esimpay/internal/service"
	"github.com/mansoorceksport/esimpay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
)

// AppDependencies holds the dependencies required to start the application.
// Gateway, Provider and Archive are built from Config when left nil.
type AppDependencies struct {
	Config      *config.Config
	MongoDB     *mongo.Database
	RedisClient *redis.Client
	AuthClient  service.FirebaseAuthClient
	Logger      *zerolog.Logger

	Gateway  service.Gateway
	Provider service.DataProvider
	Archive  service.WebhookArchive
}

// NewApp creates and configures the Fiber application with the given dependencies
func NewApp(deps AppDependencies) *fiber.App {
	cfg := deps.Config
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}

	// Initialize repositories
	paymentRepo := repository.NewMongoPaymentRepository(deps.MongoDB)
	esimRepo := repository.NewMongoEsimRepository(deps.MongoDB)
	userRepo := repository.NewMongoUserRepository(deps.MongoDB)
	redisRepo := repository.NewRedisCacheRepository(deps.RedisClient)

	// Upstream clients
	gateway := deps.Gateway
	if gateway == nil {
		gateway = epay.NewClient(epay.Config{
			OAuthURL:          cfg.Epay.OAuthURL,
			APIURL:            cfg.Epay.APIURL,
			ClientID:          cfg.Epay.ClientID,
			ClientSecret:      cfg.Epay.ClientSecret,
			TerminalID:        cfg.Epay.TerminalID,
			Timeout:           cfg.Epay.Timeout,
			RequestsPerSecond: cfg.Epay.RequestsPerSecond,
		}, logging.Component(log, "epay"))
	}

	provider := deps.Provider
	if provider == nil {
		provider = imsi.NewClient(imsi.Config{
			BaseURL:  cfg.IMSI.BaseURL,
			Username: cfg.IMSI.Username,
			Password: cfg.IMSI.Password,
			Timeout:  cfg.IMSI.Timeout,
		}, logging.Component(log, "imsi"))
	}

	archive := deps.Archive
	if archive == nil && cfg.S3.Endpoint != "" {
		s3Archive, err := repository.NewS3WebhookArchive(context.Background(), cfg.S3)
		if err != nil {
			log.Warn().Err(err).Msg("webhook archive disabled: failed to initialize S3")
		} else {
			archive = s3Archive
		}
	}

	// Initialize services
	settler := service.NewSettler(paymentRepo, esimRepo, provider, logging.Component(log, "settlement"))

	paymentService := service.NewPaymentService(
		service.PaymentConfig{
			PostLinkBaseURL:        cfg.Epay.PostLinkBaseURL,
			CheckoutBaseURL:        cfg.Epay.CheckoutBaseURL,
			PaymentPageJS:          cfg.Epay.PaymentPageJS,
			DefaultBackLink:        cfg.Epay.DefaultBackLink,
			DefaultFailureBackLink: cfg.Epay.DefaultFailureBackLink,
		},
		paymentRepo,
		userRepo,
		esimRepo,
		gateway,
		settler,
		archive,
		logging.Component(log, "payment"),
	)

	autopayEngine := service.NewAutopayEngine(cfg.Autopay, esimRepo, gateway, paymentService, logging.Component(log, "autopay"))
	tariffService := service.NewTariffService(cfg.Tariff.RatesURL, cfg.Tariff.CacheTTL, redisRepo, logging.Component(log, "tariff"))
	esimService := service.NewEsimService(esimRepo, userRepo, provider, tariffService, autopayEngine, logging.Component(log, "esim"))
	authService := service.NewAuthService(userRepo, deps.AuthClient, cfg.JWT, logging.Component(log, "auth"))

	// Initialize handlers
	httpLog := logging.Component(log, "http")
	authHandler := handler.NewAuthHandler(authService, httpLog)
	paymentHandler := handler.NewPaymentHandler(paymentService, userRepo, httpLog)
	webhookHandler := handler.NewWebhookHandler(paymentService, logging.Component(log, "webhook"))
	esimHandler := handler.NewEsimHandler(esimService, userRepo, httpLog)
	adminHandler := handler.NewAdminHandler(paymentService, esimService, httpLog)

	metrics.MustRegister()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "eSIM Payments API",
		BodyLimit:    int(cfg.Server.BodyLimitKB * 1024),
		ErrorHandler: customErrorHandler(httpLog),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(telemetry.FiberMiddleware())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Correlation-ID",
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "esimpay",
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API v1 routes
	v1 := app.Group("/v1")

	// Auth endpoints (public)
	auth := v1.Group("/auth")
	auth.Post("/login", authHandler.LoginOrRegister)

	// Gateway callbacks and the checkout page are public; the checkout token
	// is the capability.
	v1.Post("/payments/webhook", webhookHandler.HandleEpay)
	v1.Get("/payments/checkout/:id", paymentHandler.Checkout)

	// ===========================================
	// CUSTOMER API - requires a session token
	// ===========================================
	session := middleware.VerifySessionToken(cfg.JWT.Secret)

	payments := v1.Group("/payments", session)
	payments.Post("/initiate", paymentHandler.Initiate)
	payments.Post("/card-save", paymentHandler.CardSave)
	payments.Post("/recurrent",
		middleware.IdempotencyMiddleware(deps.RedisClient, cfg.Server.IdempotencyTTL),
		paymentHandler.Recurrent,
	)
	payments.Get("/saved-cards", paymentHandler.SavedCards)
	payments.Delete("/saved-cards/:id", paymentHandler.DeactivateCard)
	payments.Get("/status/:id", paymentHandler.Status)
	payments.Get("/", paymentHandler.List)

	esims := v1.Group("/esims", session)
	esims.Get("/", esimHandler.List)
	esims.Get("/:id/usage", esimHandler.Usage)

	// ===========================================
	// ADMIN API - requires X-Admin-Key
	// ===========================================
	admin := v1.Group("/admin", middleware.RequireAdminKey(cfg.Admin.APIKeyHash))
	admin.Post("/payments/:id/charge", adminHandler.Charge)
	admin.Post("/payments/:id/refund", adminHandler.Refund)
	admin.Get("/payments/verify/:invoice", adminHandler.Verify)
	admin.Get("/payments/health", adminHandler.Health)
	admin.Post("/esims/:id/autopay", adminHandler.RunAutopay)

	return app
}

func customErrorHandler(log *zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}

		log.Error().Err(err).Str("path", c.Path()).Int("status", code).Msg("unhandled error")
		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   message,
		})
	}
}
