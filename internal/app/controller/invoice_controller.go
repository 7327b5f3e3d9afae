package controller

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/app/service"
	apperrors "github.com/facturapp/factura-backend/internal/errors"
	"github.com/facturapp/factura-backend/internal/middleware"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/facturapp/factura-backend/pkg/tax"
	"github.com/gin-gonic/gin"
)

// NewDraftID asks GET /invoices/:id/draft for an empty form.
const NewDraftID = "new"

type InvoiceController struct {
	invoiceService service.InvoiceService
	exportService  service.ExportService
}

func NewInvoiceController(invoiceService service.InvoiceService, exportService service.ExportService) *InvoiceController {
	return &InvoiceController{
		invoiceService: invoiceService,
		exportService:  exportService,
	}
}

// PatchInvoiceRequest merges the present fields into the invoice stored at
// Version.
type PatchInvoiceRequest struct {
	Version int64 `json:"version"`
	model.InvoicePatch
}

type ExportRequest struct {
	IDs    []string `json:"ids"`
	Format string   `json:"format"`
	Upload bool     `json:"upload"`
}

// respondInvoiceError writes the status and code for an invoice operation
// error. The message is the one the form shows.
func respondInvoiceError(c *gin.Context, log *logger.Logger, err error) {
	message := service.UserMessage(err)
	var storeErr *service.StoreError
	switch {
	case errors.Is(err, repository.ErrNotAuthenticated):
		apperrors.Unauthorized(c, message)
	case errors.Is(err, repository.ErrInvalidID):
		apperrors.BadRequest(c, apperrors.ValidationInvalidID, "Falta el identificador de la factura.")
	case errors.Is(err, service.ErrPartiesRequired),
		errors.Is(err, service.ErrNumberRequired),
		errors.Is(err, service.ErrVersionRequired),
		errors.Is(err, service.ErrEmptyPatch):
		apperrors.BadRequest(c, apperrors.ValidationRequired, message)
	case errors.Is(err, tax.ErrInvalidRate):
		apperrors.BadRequest(c, apperrors.ValidationInvalidRate, message)
	case errors.Is(err, service.ErrInvalidType):
		apperrors.BadRequest(c, apperrors.ValidationInvalidType, message)
	case errors.Is(err, repository.ErrInvoiceNotFound):
		apperrors.NotFound(c, apperrors.InvoiceNotFound, message)
	case errors.Is(err, repository.ErrVersionConflict):
		apperrors.Conflict(c, apperrors.InvoiceVersionConflict, message)
	case errors.As(err, &storeErr):
		log.Error("Invoice store failure", err)
		code := apperrors.InvoiceSaveFailed
		if storeErr.Action == service.ActionDelete {
			code = apperrors.InvoiceDeleteFailed
		}
		apperrors.RespondWithError(c, http.StatusInternalServerError, code, message)
	default:
		log.Error("Invoice operation failed", err)
		apperrors.ParseAndRespond(c, http.StatusInternalServerError, err, "invoice")
	}
}

// normalizeType accepts the Spanish labels for the invoice type.
func normalizeType(t *model.InvoiceType) {
	if t == nil {
		return
	}
	if parsed, ok := model.ParseInvoiceType(string(*t)); ok {
		*t = parsed
	}
}

// ListInvoices returns the caller's invoices, newest first
// GET /api/v1/invoices
func (ctrl *InvoiceController) ListInvoices(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	invoices, err := ctrl.invoiceService.List(c.Request.Context(), userID)
	if err != nil {
		respondInvoiceError(c, log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoices": invoices,
		"count":    len(invoices),
	})
}

// GetInvoice returns one invoice
// GET /api/v1/invoices/:id
func (ctrl *InvoiceController) GetInvoice(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	invoice, err := ctrl.invoiceService.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondInvoiceError(c, log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoice": invoice,
	})
}

// GetDraft returns the form state of an invoice, or an empty form for "new"
// GET /api/v1/invoices/:id/draft
func (ctrl *InvoiceController) GetDraft(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	id := c.Param("id")
	if id == NewDraftID {
		id = ""
	}

	draft, err := ctrl.invoiceService.Draft(c.Request.Context(), userID, id)
	if err != nil {
		respondInvoiceError(c, log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"draft": draft,
		"rates": tax.Rates(),
	})
}

// SaveInvoice creates an invoice, or rewrites it when the body carries an id
// POST /api/v1/invoices
func (ctrl *InvoiceController) SaveInvoice(c *gin.Context) {
	ctrl.save(c, "")
}

// UpdateInvoice rewrites every form field of the invoice
// PUT /api/v1/invoices/:id
func (ctrl *InvoiceController) UpdateInvoice(c *gin.Context) {
	ctrl.save(c, c.Param("id"))
}

func (ctrl *InvoiceController) save(c *gin.Context, pathID string) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	var draft model.InvoiceDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		log.Warn("Invalid invoice form", map[string]interface{}{
			"error": err.Error(),
		})
		apperrors.BadRequest(c, apperrors.ValidationInvalidInput, "Los datos de la factura no son válidos.")
		return
	}
	if pathID != "" {
		draft.ID = pathID
	}
	normalizeType(&draft.Type)

	result, err := ctrl.invoiceService.Save(c.Request.Context(), userID, &draft)
	if err != nil {
		respondInvoiceError(c, log, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}

// PatchInvoice merges the given fields
// PATCH /api/v1/invoices/:id
func (ctrl *InvoiceController) PatchInvoice(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	var req PatchInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn("Invalid invoice patch", map[string]interface{}{
			"error": err.Error(),
		})
		apperrors.BadRequest(c, apperrors.ValidationInvalidInput, "Los datos de la factura no son válidos.")
		return
	}
	normalizeType(req.Type)

	invoice, err := ctrl.invoiceService.Patch(c.Request.Context(), userID, c.Param("id"), req.Version, &req.InvoicePatch)
	if err != nil {
		respondInvoiceError(c, log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoice": invoice,
		"message": service.MsgInvoiceUpdated,
	})
}

// DeleteInvoice removes an invoice. Deleting a missing invoice succeeds.
// DELETE /api/v1/invoices/:id
func (ctrl *InvoiceController) DeleteInvoice(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	if err := ctrl.invoiceService.Delete(c.Request.Context(), userID, c.Param("id")); err != nil {
		respondInvoiceError(c, log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": service.MsgInvoiceDeleted,
	})
}

// GetDocument returns the printable page of an invoice. With ?upload=true the
// page is stored and a download link is returned instead.
// GET /api/v1/invoices/:id/document
func (ctrl *InvoiceController) GetDocument(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	file, err := ctrl.exportService.Document(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondInvoiceError(c, log, err)
		return
	}
	ctrl.deliver(c, userID, file, c.Query("upload") == "true")
}

// ExportInvoices renders the selected invoices as CSV or XLSX
// POST /api/v1/invoices/export
func (ctrl *InvoiceController) ExportInvoices(c *gin.Context) {
	log := middleware.GetLoggerFromContext(c)
	userID, _ := middleware.GetUserID(c)

	var req ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, apperrors.ValidationInvalidInput, "Selecciona las facturas a exportar.")
		return
	}
	format := service.ExportFormat(req.Format)
	if format == "" {
		format = service.ExportCSV
	}

	file, err := ctrl.exportService.Export(c.Request.Context(), userID, req.IDs, format)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptySelection):
			apperrors.BadRequest(c, apperrors.ExportEmptySelection, "Selecciona al menos una factura.")
		case errors.Is(err, service.ErrUnknownFormat):
			apperrors.BadRequest(c, apperrors.ExportInvalidFormat, "Formato de exportación no soportado.")
		default:
			log.Error("Export failed", err, map[string]interface{}{
				"format": req.Format,
			})
			apperrors.ParseAndRespond(c, http.StatusInternalServerError, err, "invoice export")
		}
		return
	}
	ctrl.deliver(c, userID, file, req.Upload)
}

// deliver sends the file inline or uploads it and returns the link.
func (ctrl *InvoiceController) deliver(c *gin.Context, userID string, file *service.ExportFile, upload bool) {
	log := middleware.GetLoggerFromContext(c)

	if !upload {
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, file.Filename))
		c.Data(http.StatusOK, file.ContentType, file.Body)
		return
	}

	stored, err := ctrl.exportService.Upload(c.Request.Context(), userID, file)
	if err != nil {
		if errors.Is(err, service.ErrUploadDisabled) {
			apperrors.RespondWithError(c, http.StatusServiceUnavailable, apperrors.ExportUploadFailed, "La subida de exportaciones no está disponible.")
			return
		}
		log.Error("Export upload failed", err, map[string]interface{}{
			"filename": file.Filename,
		})
		apperrors.RespondWithError(c, http.StatusBadGateway, apperrors.ExportUploadFailed, "No se pudo subir el archivo.")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"filename":   file.Filename,
		"key":        stored.Key,
		"url":        stored.DownloadURL,
		"expires_at": stored.ExpiresAt,
	})
}
