package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mansoorceksport/esimpay/internal/config"
	"github.com/mansoorceksport/esimpay/internal/logging"
	"github.com/mansoorceksport/esimpay/internal/middleware"
	"github.com/mansoorceksport/esimpay/internal/server"
	"github.com/mansoorceksport/esimpay/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.New(cfg.Log)
	log.Info().Str("port", cfg.Server.Port).Msg("starting eSIM payments service")

	ctx := context.Background()

	// Initialize OpenTelemetry (for Grafana Cloud)
	otelProvider, err := telemetry.Initialize(ctx, telemetry.ConfigFrom(cfg.OTEL), logging.Component(log, "telemetry"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize OpenTelemetry")
	}
	if otelProvider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelProvider.Shutdown(shutdownCtx)
		}()
	}

	// Initialize Firebase
	firebaseApp, err := middleware.InitFirebase(
		ctx,
		cfg.Firebase.ProjectID,
		cfg.Firebase.PrivateKey,
		cfg.Firebase.ClientEmail,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize Firebase")
	}

	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to get Firebase Auth client")
	}
	log.Info().Msg("Firebase initialized")

	// Connect to MongoDB with OpenTelemetry instrumentation
	ctxMongo, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mongoOpts := options.Client().ApplyURI(cfg.MongoDB.URI)
	if cfg.OTEL.Enabled {
		mongoOpts.SetMonitor(otelmongo.NewMonitor())
	}

	mongoClient, err := mongo.Connect(ctxMongo, mongoOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Error().Err(err).Msg("error disconnecting from MongoDB")
		}
	}()

	if err := mongoClient.Ping(ctxMongo, nil); err != nil {
		log.Fatal().Err(err).Msg("failed to ping MongoDB")
	}
	log.Info().Str("database", cfg.MongoDB.Database).Msg("MongoDB connected")

	mongoDB := mongoClient.Database(cfg.MongoDB.Database)

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	log.Info().Msg("Redis connected")

	app := server.NewApp(server.AppDependencies{
		Config:      cfg,
		MongoDB:     mongoDB,
		RedisClient: redisClient,
		AuthClient:  authClient,
		Logger:      log,
	})

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("shutting down gracefully")
		_ = app.ShutdownWithTimeout(30 * time.Second)
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("server listening")
	if err := app.Listen(":" + cfg.Server.Port); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}
