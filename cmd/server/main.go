package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/cache"
	"github.com/capsulecabs/seat-inventory-backend/internal/config"
	"github.com/capsulecabs/seat-inventory-backend/internal/database"
	"github.com/capsulecabs/seat-inventory-backend/internal/handlers"
	"github.com/capsulecabs/seat-inventory-backend/internal/middleware"
	"github.com/capsulecabs/seat-inventory-backend/internal/services"
	"github.com/capsulecabs/seat-inventory-backend/pkg/clock"
	"github.com/capsulecabs/seat-inventory-backend/pkg/jwt"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting Capsule Cabs Seat Inventory Backend")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	// Initialize the availability cache (optional)
	availCache := cache.New(cfg.Redis, logger)
	if availCache != nil {
		defer availCache.Close()
		logger.Info("Availability cache enabled")
	}

	// Initialize repositories
	inventoryRepo := database.NewSeatInventoryRepository(db, logger, cfg.Hold.MaxTxRetries)
	routeRepo := database.NewRouteRepository(db)

	// Initialize services
	logger.Info("Initializing services...")
	systemClock := clock.System{}
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	availabilityService := services.NewAvailabilityService(inventoryRepo, routeRepo, logger)
	lockingService := services.NewLockingService(inventoryRepo, availabilityService, availCache, systemClock, logger, cfg.Hold)
	segmentSyncService := services.NewSegmentSyncService(inventoryRepo, routeRepo, availabilityService, availCache, systemClock, logger, cfg.Hold.DefaultTTL)
	sweeperService := services.NewSweeperService(inventoryRepo, systemClock, logger, cfg.Hold)

	// Initialize handlers
	seatLockHandler := handlers.NewSeatLockHandler(lockingService, segmentSyncService, sweeperService, logger)
	availabilityHandler := handlers.NewAvailabilityHandler(availabilityService, availCache, logger)

	// Start the background expiry sweeper
	sweeperService.Start()
	defer sweeperService.Stop()

	// Setup router
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Server.EnableRequestLog {
		router.Use(middleware.RequestLogger(logger))
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", availabilityHandler.Health)

	api := router.Group("/api/v1")
	{
		// Read-only availability; no auth needed for browsing
		api.GET("/routes/:routeId/seats", availabilityHandler.GetSeats)
		api.GET("/routes/:routeId/seats/summary", availabilityHandler.GetSummary)

		authed := api.Group("")
		authed.Use(middleware.AuthMiddleware(jwtService))
		{
			authed.GET("/routes/:routeId/seats/holds", availabilityHandler.GetMyHolds)
			authed.POST("/seat-locks/acquire", seatLockHandler.AcquireSeats)
			authed.POST("/seat-locks/promote", seatLockHandler.PromoteSeats)
			authed.POST("/seat-locks/release", seatLockHandler.ReleaseSeats)
			authed.POST("/bookings/cancel", seatLockHandler.CancelBooking)

			// Booking layer and operator endpoints
			internal := authed.Group("")
			internal.Use(middleware.RequireRole("operator"))
			{
				internal.POST("/seat-locks/block", seatLockHandler.BlockSeats)
				internal.POST("/seat-locks/unblock", seatLockHandler.UnblockSeats)
				internal.POST("/seat-locks/sync-segments", seatLockHandler.SyncSegments)
				internal.POST("/seat-locks/sweep", seatLockHandler.TriggerSweep)
			}
		}
	}

	// Start server with graceful shutdown
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Infof("Server listening on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}
