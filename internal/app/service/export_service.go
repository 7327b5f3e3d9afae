package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/storage"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/facturapp/factura-backend/pkg/tax"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

const (
	ExportSheet = "Facturas"
	missingText = "N/A"
)

// ExportColumns is the header of the tabular exports.
var ExportColumns = []string{"Fecha", "Número Factura", "Base Imponible", "IVA", "Total", "Emisor", "Receptor"}

var (
	ErrEmptySelection = errors.New("no invoices selected")
	ErrUnknownFormat  = errors.New("unknown export format")
	ErrUploadDisabled = errors.New("export upload is not configured")
)

// ExportFile is a rendered export ready to be sent or stored.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportUploader stores a rendered export and returns where to fetch it.
type ExportUploader interface {
	Upload(ctx context.Context, ownerID, filename, contentType string, body []byte) (*storage.StoredExport, error)
}

type ExportService interface {
	// Export renders the selected invoices, in list order.
	Export(ctx context.Context, ownerID string, ids []string, format ExportFormat) (*ExportFile, error)
	// Document renders a single invoice as a printable text page.
	Document(ctx context.Context, ownerID, id string) (*ExportFile, error)
	// Upload stores the file and returns a download link.
	Upload(ctx context.Context, ownerID string, file *ExportFile) (*storage.StoredExport, error)
}

type exportService struct {
	repo     repository.InvoiceRepository
	uploader ExportUploader
}

// NewExportService builds the export service. uploader may be nil.
func NewExportService(repo repository.InvoiceRepository, uploader ExportUploader) ExportService {
	return &exportService{repo: repo, uploader: uploader}
}

func (s *exportService) Export(ctx context.Context, ownerID string, ids []string, format ExportFormat) (*ExportFile, error) {
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	if format != ExportCSV && format != ExportXLSX {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	all, err := s.repo.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	selected := lo.Filter(all, func(inv model.Invoice, _ int) bool {
		return lo.Contains(ids, inv.ID)
	})
	if len(selected) == 0 {
		return nil, ErrEmptySelection
	}

	logger.Info("Exporting invoices", logger.Fields{
		"owner_id": ownerID,
		"format":   format,
		"count":    len(selected),
	})

	stamp := time.Now().Format("20060102-150405")
	if format == ExportCSV {
		body, err := RenderCSV(selected)
		if err != nil {
			return nil, err
		}
		return &ExportFile{
			Filename:    fmt.Sprintf("facturas-%s.csv", stamp),
			ContentType: "text/csv; charset=utf-8",
			Body:        body,
		}, nil
	}

	body, err := RenderXLSX(selected)
	if err != nil {
		return nil, err
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("facturas-%s.xlsx", stamp),
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Body:        body,
	}, nil
}

func (s *exportService) Document(ctx context.Context, ownerID, id string) (*ExportFile, error) {
	inv, err := s.repo.FindByID(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return &ExportFile{
		Filename:    fmt.Sprintf("factura-%s.txt", sanitizeFilename(inv.Number)),
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(RenderDocument(inv)),
	}, nil
}

func (s *exportService) Upload(ctx context.Context, ownerID string, file *ExportFile) (*storage.StoredExport, error) {
	if s.uploader == nil {
		return nil, ErrUploadDisabled
	}
	return s.uploader.Upload(ctx, ownerID, file.Filename, file.ContentType, file.Body)
}

func orMissing(s string) string {
	if strings.TrimSpace(s) == "" {
		return missingText
	}
	return s
}

func exportRow(inv model.Invoice) []string {
	return []string{
		orMissing(inv.IssueDate),
		orMissing(inv.Number),
		inv.TaxableBase.StringFixed(2),
		inv.TaxAmount.StringFixed(2),
		inv.Total.StringFixed(2),
		orMissing(inv.IssuerName),
		orMissing(inv.RecipientName),
	}
}

// RenderCSV writes the header plus one row per invoice.
func RenderCSV(invoices []model.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ExportColumns); err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		if err := w.Write(exportRow(inv)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderXLSX writes the same table as RenderCSV into the Facturas sheet, with
// amounts as numbers.
func RenderXLSX(invoices []model.Invoice) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), ExportSheet); err != nil {
		return nil, err
	}

	header := lo.ToAnySlice(ExportColumns)
	if err := f.SetSheetRow(ExportSheet, "A1", &header); err != nil {
		return nil, err
	}

	for i, inv := range invoices {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []interface{}{
			orMissing(inv.IssueDate),
			orMissing(inv.Number),
			inv.TaxableBase.InexactFloat64(),
			inv.TaxAmount.InexactFloat64(),
			inv.Total.InexactFloat64(),
			orMissing(inv.IssuerName),
			orMissing(inv.RecipientName),
		}
		if err := f.SetSheetRow(ExportSheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderDocument is the printable single invoice page.
func RenderDocument(inv *model.Invoice) string {
	lines := []string{
		"Factura N.º: " + inv.Number,
		"Fecha: " + inv.IssueDate,
		fmt.Sprintf("Emisor: %s (%s)", inv.IssuerName, inv.IssuerTaxID),
		fmt.Sprintf("Receptor: %s (%s)", inv.RecipientName, inv.RecipientTaxID),
		"Dirección del Emisor: " + inv.IssuerAddress,
		"Dirección del Receptor: " + inv.RecipientAddress,
		"Base Imponible: " + euros(inv.TaxableBase),
		"IVA: " + euros(inv.TaxAmount),
		"Total: " + euros(inv.Total),
		"Tipo de Factura: " + inv.Type.Label(),
	}
	return strings.Join(lines, "\n") + "\n"
}

func euros(d decimal.Decimal) string {
	return tax.FormatAmount(d) + "€"
}

func sanitizeFilename(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return "sin-numero"
	}
	return s
}
