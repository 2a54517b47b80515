package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/driftline/uploadd/cmd/uploadd/routes"
	"github.com/driftline/uploadd/internal/common"
	"github.com/driftline/uploadd/internal/notify"
	"github.com/driftline/uploadd/internal/session"
	"github.com/driftline/uploadd/internal/storage"
	"github.com/driftline/uploadd/internal/upload"
	"github.com/driftline/uploadd/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()

	setupLogging(cfg.Logging)

	log.Info().Msg("starting uploadd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The database and redis connections are only dialed when the selected
	// session backend needs them.
	var gormDB *gorm.DB
	if cfg.Sessions.Backend == "postgres" {
		db, err := common.NewDatabase(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		gormDB = db.DB
	}

	var redisClient *redis.Client
	if cfg.Sessions.Backend == "redis" {
		client, err := common.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		redisClient = client
	}

	sessionStore, err := session.NewFactory(&cfg.Sessions).CreateStore(gormDB, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session store")
	}

	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	stager, err := storageFactory.CreateStager()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize chunk staging")
	}
	objectStore, err := storageFactory.CreateObjectStore(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object storage")
	}

	notifier := notify.FromConfig(&cfg.Notify)

	uploadService := upload.NewService(sessionStore, stager, objectStore, notifier, &cfg.Upload, cfg.Storage.KeyPrefix)

	sweeper := upload.NewSweeper(sessionStore, stager, &cfg.Upload)
	go sweeper.Run(ctx)

	router := setupRouter(uploadService, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	// Give in-flight uploads a chance to reach a clean chunk boundary.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func setupRouter(uploadService *upload.Service, cfg *config.Config) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "uploadd",
			"time":    time.Now().UTC(),
		})
	})

	api := router.Group("/api/v1")
	routes.UploadRoutes(api, uploadService, &cfg.Upload)

	return router
}

// requestLogger logs each request through zerolog instead of gin's default
// writer.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// corsMiddleware opens the endpoint to browser clients. The upload headers
// must be explicitly exposed or scripts cannot read the offsets back.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "POST, HEAD, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Upload-Length, Upload-Offset, Upload-Metadata, Tus-Resumable")
		c.Header("Access-Control-Expose-Headers", "Location, Upload-Offset, Upload-Length, Upload-Metadata, Tus-Resumable, Tus-Version, Tus-Extension, Tus-Max-Size")

		c.Next()
	}
}
