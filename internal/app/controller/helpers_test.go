package controller

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/app/service"
	"github.com/facturapp/factura-backend/internal/db"
	apperrors "github.com/facturapp/factura-backend/internal/errors"
	"github.com/facturapp/factura-backend/internal/live"
	"github.com/facturapp/factura-backend/internal/middleware"
	appredis "github.com/facturapp/factura-backend/pkg/redis"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type testAPI struct {
	router      *gin.Engine
	authService service.AuthService
	feed        *live.Feed
}

// setupTestAPI wires the full HTTP stack on sqlite and miniredis.
func setupTestAPI(t *testing.T) *testAPI {
	gin.SetMode(gin.TestMode)

	testDB, err := db.SetupTestDB()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	blacklist := appredis.NewTokenBlacklist(client)

	invoiceRepo := repository.NewInvoiceRepository(testDB)
	events := live.NewEvents()
	feed, err := live.NewFeed(invoiceRepo, events)
	require.NoError(t, err)

	authService := service.NewAuthService(
		repository.NewUserRepository(testDB),
		blacklist,
		testSecret,
		15*time.Minute,
		7*24*time.Hour,
	)
	authService.AddSignOutListener(feed)

	invoiceService := service.NewInvoiceService(invoiceRepo, events, nil)
	exportService := service.NewExportService(invoiceRepo, nil)

	authCtrl := NewAuthController(authService)
	invoiceCtrl := NewInvoiceController(invoiceService, exportService)
	taxCtrl := NewTaxController()
	authMiddleware := middleware.NewAuthMiddleware(testSecret, blacklist)

	router := gin.New()
	router.POST("/auth/register", authCtrl.Register)
	router.POST("/auth/login", authCtrl.Login)
	router.POST("/auth/refresh", authCtrl.Refresh)
	router.POST("/auth/logout", authMiddleware.Authenticate(), authCtrl.Logout)
	router.GET("/auth/me", authMiddleware.Authenticate(), authCtrl.GetMe)
	router.GET("/tax/rates", taxCtrl.GetRates)
	router.GET("/tax/preview", taxCtrl.Preview)

	invoices := router.Group("/invoices", authMiddleware.Authenticate())
	invoices.GET("", invoiceCtrl.ListInvoices)
	invoices.POST("", invoiceCtrl.SaveInvoice)
	invoices.POST("/export", invoiceCtrl.ExportInvoices)
	invoices.GET("/:id", invoiceCtrl.GetInvoice)
	invoices.PUT("/:id", invoiceCtrl.UpdateInvoice)
	invoices.PATCH("/:id", invoiceCtrl.PatchInvoice)
	invoices.DELETE("/:id", invoiceCtrl.DeleteInvoice)
	invoices.GET("/:id/draft", invoiceCtrl.GetDraft)
	invoices.GET("/:id/document", invoiceCtrl.GetDocument)

	t.Cleanup(func() {
		feed.Close()
		events.Close()
		client.Close()
		db.CleanupTestDB(testDB)
	})
	return &testAPI{router: router, authService: authService, feed: feed}
}

// do sends a JSON request; token may be empty.
func (api *testAPI) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Buffer
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewBuffer(raw)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	return w
}

// signUp registers a user and returns its access token.
func (api *testAPI) signUp(t *testing.T, email string) (string, string) {
	user, tokens, err := api.authService.Register(email, "password123")
	require.NoError(t, err)
	return user.ID, tokens.AccessToken
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), w.Body.String())
	return response
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var response apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), w.Body.String())
	return response
}

