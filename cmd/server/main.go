package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facturapp/factura-backend/config"
	"github.com/facturapp/factura-backend/internal/app/controller"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/app/service"
	"github.com/facturapp/factura-backend/internal/db"
	"github.com/facturapp/factura-backend/internal/live"
	"github.com/facturapp/factura-backend/internal/middleware"
	"github.com/facturapp/factura-backend/internal/outbox"
	"github.com/facturapp/factura-backend/internal/router"
	"github.com/facturapp/factura-backend/internal/scheduler"
	"github.com/facturapp/factura-backend/internal/storage"
	ws "github.com/facturapp/factura-backend/internal/websocket"
	"github.com/facturapp/factura-backend/pkg/logger"
	appredis "github.com/facturapp/factura-backend/pkg/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", err)
	}

	// Initialize logger
	logLevel := logger.LevelForEnvironment(cfg.Server.Environment)
	logFormat := "console"
	if cfg.Server.Environment == "production" {
		logFormat = "json"
	}
	logger.Initialize(logger.Config{
		Level:       logLevel,
		Format:      logFormat,
		EnableColor: logFormat == "console",
	})

	logger.Info("Starting Factura Backend Server", logger.Fields{
		"environment": cfg.Server.Environment,
		"port":        cfg.Server.Port,
		"log_level":   logLevel,
		"store":       cfg.Store.Backend,
		"sync_mirror": cfg.Store.SyncMirror,
	})

	// Initialize database
	if err := db.Initialize(&cfg.Database); err != nil {
		logger.Fatal("Failed to initialize database", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", err)
		}
	}()

	// Run migrations
	if err := db.Migrate(); err != nil {
		logger.Fatal("Failed to run migrations", err)
	}

	// Redis backs the token blacklist and the document store. Without it
	// logged out tokens stay valid until they expire.
	needsRedis := cfg.Store.Backend == config.BackendDocument || cfg.Store.SyncMirror
	var blacklist *appredis.TokenBlacklist
	if err := appredis.Init(&cfg.Redis); err != nil {
		if needsRedis {
			logger.Fatal("Redis is required by the configured invoice store", err)
		}
		logger.Warn("Redis unavailable, token revocation disabled", logger.Fields{
			"error": err.Error(),
		})
	} else {
		blacklist = appredis.NewTokenBlacklist(appredis.GetClient())
		defer func() {
			if err := appredis.Close(); err != nil {
				logger.Error("Failed to close Redis connection", err)
			}
		}()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize repositories
	userRepo := repository.NewUserRepository(db.GetDB())
	var invoiceRepo repository.InvoiceRepository
	var relay *outbox.Relay
	var outboxScheduler *scheduler.OutboxScheduler
	switch {
	case cfg.Store.Backend == config.BackendDocument:
		invoiceRepo = repository.NewDocumentInvoiceRepository(appredis.GetClient())
	case cfg.Store.SyncMirror:
		invoiceRepo = repository.NewInvoiceRepositoryWithOutbox(db.GetDB())
		outboxRepo := repository.NewOutboxRepository(db.GetDB())
		relay = outbox.NewRelay(outboxRepo, repository.NewDocumentInvoiceRepository(appredis.GetClient()), cfg.Outbox)
		go relay.Run(ctx)
		relay.Kick()

		outboxScheduler = scheduler.NewOutboxScheduler(relay, outboxRepo, cfg.Outbox.Interval)
		if err := outboxScheduler.Start(); err != nil {
			logger.Fatal("Failed to start outbox scheduler", err)
		}
	default:
		invoiceRepo = repository.NewInvoiceRepository(db.GetDB())
	}

	// Live views
	events := live.NewEvents()
	feed, err := live.NewFeed(invoiceRepo, events)
	if err != nil {
		logger.Fatal("Failed to start live feed", err)
	}
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Export storage
	var uploader service.ExportUploader
	if cfg.S3.Enabled() {
		uploader = storage.NewS3Storage(cfg.S3)
		logger.Info("Export uploads enabled", logger.Fields{
			"bucket": cfg.S3.Bucket,
			"region": cfg.S3.Region,
		})
	}

	// Initialize services
	var revoker service.TokenRevoker
	var revocations middleware.RevocationChecker
	if blacklist != nil {
		revoker = blacklist
		revocations = blacklist
	}
	authService := service.NewAuthService(
		userRepo,
		revoker,
		cfg.JWT.Secret,
		cfg.JWT.AccessTokenExpiry,
		cfg.JWT.RefreshTokenExpiry,
	)
	authService.AddSignOutListener(feed)

	var kicker service.OutboxKicker
	if relay != nil {
		kicker = relay
	}
	invoiceService := service.NewInvoiceService(invoiceRepo, events, kicker)
	exportService := service.NewExportService(invoiceRepo, uploader)

	// Initialize controllers
	checks := map[string]controller.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.GetDB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if blacklist != nil {
		checks["redis"] = func(ctx context.Context) error {
			return appredis.GetClient().Ping(ctx).Err()
		}
	}
	authController := controller.NewAuthController(authService)
	invoiceController := controller.NewInvoiceController(invoiceService, exportService)
	taxController := controller.NewTaxController()
	liveController := controller.NewLiveController(feed, hub, cfg.CORS.AllowedOrigins)
	healthController := controller.NewHealthController(checks)

	// Initialize middleware
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret, revocations)

	// Setup router
	r := router.NewRouter(
		authController,
		invoiceController,
		taxController,
		liveController,
		healthController,
		authMiddleware,
		cfg,
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           r.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server started successfully", logger.Fields{
			"address": srv.Addr,
			"pid":     os.Getpid(),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", err)
	}

	if outboxScheduler != nil {
		outboxScheduler.Stop()
	}
	stop()
	feed.Close()
	if err := events.Close(); err != nil {
		logger.Error("Failed to close change events", err)
	}
	if relay != nil {
		if _, err := relay.Drain(shutdownCtx); err != nil {
			logger.Warn("Outbox not fully drained on shutdown", logger.Fields{
				"error": err.Error(),
			})
		}
	}

	logger.Info("Server stopped successfully")
}
