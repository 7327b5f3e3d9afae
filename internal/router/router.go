package router

import (
	"time"

	"github.com/facturapp/factura-backend/config"
	"github.com/facturapp/factura-backend/internal/app/controller"
	"github.com/facturapp/factura-backend/internal/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

type Router struct {
	authController    *controller.AuthController
	invoiceController *controller.InvoiceController
	taxController     *controller.TaxController
	liveController    *controller.LiveController
	healthController  *controller.HealthController
	authMiddleware    *middleware.AuthMiddleware
	config            *config.Config
}

func NewRouter(
	authController *controller.AuthController,
	invoiceController *controller.InvoiceController,
	taxController *controller.TaxController,
	liveController *controller.LiveController,
	healthController *controller.HealthController,
	authMiddleware *middleware.AuthMiddleware,
	cfg *config.Config,
) *Router {
	return &Router{
		authController:    authController,
		invoiceController: invoiceController,
		taxController:     taxController,
		liveController:    liveController,
		healthController:  healthController,
		authMiddleware:    authMiddleware,
		config:            cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	gin.SetMode(r.config.Server.GinMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.LoggingMiddleware())
	router.Use(corsMiddleware(r.config.CORS.AllowedOrigins))

	router.GET("/health", r.healthController.Health)

	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/register", r.authController.Register)
			auth.POST("/login", r.authController.Login)
			auth.POST("/refresh", r.authController.Refresh)
			auth.POST("/logout", r.authMiddleware.Authenticate(), r.authController.Logout)
			auth.GET("/me", r.authMiddleware.Authenticate(), r.authController.GetMe)
		}

		taxes := v1.Group("/tax")
		{
			taxes.GET("/rates", r.taxController.GetRates)
			taxes.GET("/preview", r.taxController.Preview)
		}

		invoices := v1.Group("/invoices", r.authMiddleware.Authenticate())
		{
			invoices.GET("", r.invoiceController.ListInvoices)
			invoices.POST("", r.invoiceController.SaveInvoice)
			invoices.POST("/export", r.invoiceController.ExportInvoices)
			invoices.GET("/live", r.liveController.WatchList)
			invoices.GET("/:id", r.invoiceController.GetInvoice)
			invoices.PUT("/:id", r.invoiceController.UpdateInvoice)
			invoices.PATCH("/:id", r.invoiceController.PatchInvoice)
			invoices.DELETE("/:id", r.invoiceController.DeleteInvoice)
			invoices.GET("/:id/draft", r.invoiceController.GetDraft)
			invoices.GET("/:id/document", r.invoiceController.GetDocument)
			invoices.GET("/:id/live", r.liveController.WatchInvoice)
		}
	}

	return router
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Cache-Control", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	switch {
	case lo.Contains(allowedOrigins, "*"):
		cfg.AllowOriginFunc = func(string) bool { return true }
	case len(allowedOrigins) == 0:
		cfg.AllowOriginFunc = func(string) bool { return false }
	default:
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}
