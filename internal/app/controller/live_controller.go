package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/facturapp/factura-backend/internal/app/repository"
	apperrors "github.com/facturapp/factura-backend/internal/errors"
	"github.com/facturapp/factura-backend/internal/live"
	"github.com/facturapp/factura-backend/internal/middleware"
	ws "github.com/facturapp/factura-backend/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type LiveController struct {
	feed     *live.Feed
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewLiveController accepts websocket handshakes from allowedOrigins; "*"
// allows any origin.
func NewLiveController(feed *live.Feed, hub *ws.Hub, allowedOrigins []string) *LiveController {
	return &LiveController{
		feed: feed,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || lo.Contains(allowedOrigins, "*") || lo.Contains(allowedOrigins, origin)
			},
		},
	}
}

// WatchList streams the caller's invoice list
// GET /api/v1/invoices/live
func (ctrl *LiveController) WatchList(c *gin.Context) {
	ctrl.watch(c, "")
}

// WatchInvoice streams one invoice
// GET /api/v1/invoices/:id/live
func (ctrl *LiveController) WatchInvoice(c *gin.Context) {
	ctrl.watch(c, c.Param("id"))
}

func (ctrl *LiveController) watch(c *gin.Context, id string) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)
	list := id == ""

	// the subscription outlives the handshake request
	ctx := context.Background()
	if _, claims, ok := middleware.GetAccessToken(c); ok {
		ctx = live.WithSession(ctx, claims.SessionID)
	}
	var sub *live.Subscription
	var err error
	if list {
		sub, err = ctrl.feed.WatchList(ctx, userID)
	} else {
		sub, err = ctrl.feed.WatchOne(ctx, userID, id)
	}
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotAuthenticated):
			apperrors.Unauthorized(c, "")
		case errors.Is(err, repository.ErrInvalidID):
			apperrors.BadRequest(c, apperrors.ValidationInvalidID, "Falta el identificador de la factura.")
		default:
			apperrors.RespondWithError(c, http.StatusServiceUnavailable, apperrors.InternalServerError, "Las vistas en directo no están disponibles.")
		}
		return
	}

	conn, err := ctrl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade to WebSocket", err)
		sub.Cancel()
		return
	}

	log.Info("Live view opened", map[string]interface{}{
		"user_id":    userID,
		"invoice_id": id,
	})
	ws.NewClient(ctrl.hub, conn, userID, sub, list).Serve()
}
