package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/facturapp/factura-backend/config"
	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/app/service"
	"github.com/facturapp/factura-backend/internal/db"
	"github.com/facturapp/factura-backend/pkg/tax"
	"github.com/xuri/excelize/v2"
)

// Imports invoices from a spreadsheet laid out like the XLSX export.
func main() {
	if len(os.Args) < 3 {
		log.Fatal("Usage: go run cmd/seed/main.go <xlsx_file_path> <owner_email> [-y]")
	}

	filePath := os.Args[1]
	ownerEmail := strings.ToLower(strings.TrimSpace(os.Args[2]))
	assumeYes := len(os.Args) > 3 && os.Args[3] == "-y"

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	if err := db.Initialize(&cfg.Database); err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal("Failed to run migrations:", err)
	}

	owner, err := repository.NewUserRepository(db.GetDB()).FindByEmail(ownerEmail)
	if err != nil {
		log.Fatalf("Owner %s not found: %v", ownerEmail, err)
	}

	fmt.Printf("Reading XLSX file: %s\n", filePath)
	invoices, skipped, err := readInvoicesFromXLSX(filePath, owner.ID)
	if err != nil {
		log.Fatal("Failed to read XLSX:", err)
	}

	fmt.Printf("Invoices to import: %d (skipped rows: %d)\n", len(invoices), skipped)
	if len(invoices) == 0 {
		return
	}

	if !assumeYes {
		fmt.Print("Do you want to proceed with the import? (yes/no): ")
		var confirm string
		fmt.Scanln(&confirm)
		if confirm != "yes" && confirm != "y" {
			fmt.Println("Import cancelled.")
			return
		}
	}

	// the outbox keeps a configured mirror in step with the import
	repo := repository.NewInvoiceRepository(db.GetDB())
	if cfg.Store.SyncMirror {
		repo = repository.NewInvoiceRepositoryWithOutbox(db.GetDB())
	}

	ctx := context.Background()
	imported := 0
	for i := range invoices {
		if err := repo.Create(ctx, &invoices[i]); err != nil {
			log.Fatalf("Failed to import invoice %s: %v", invoices[i].Number, err)
		}
		imported++
	}

	fmt.Println("Import completed successfully!")
	fmt.Printf("Total invoices imported: %d\n", imported)
}

func readInvoicesFromXLSX(filePath, ownerID string) ([]model.Invoice, int, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open XLSX file: %w", err)
	}
	defer f.Close()

	sheetName := service.ExportSheet
	if idx, _ := f.GetSheetIndex(sheetName); idx < 0 {
		sheetName = f.GetSheetName(0)
	}
	if sheetName == "" {
		return nil, 0, fmt.Errorf("no sheets found in XLSX file")
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, 0, fmt.Errorf("no data found in XLSX file")
	}

	var invoices []model.Invoice
	skipped := 0

	// first row is the header
	for i, row := range rows[1:] {
		inv, err := parseRow(row, ownerID)
		if err != nil {
			fmt.Printf("Row %d skipped: %v\n", i+2, err)
			skipped++
			continue
		}
		invoices = append(invoices, *inv)
	}
	return invoices, skipped, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	v := strings.TrimSpace(row[i])
	if v == "N/A" {
		return ""
	}
	return v
}

// parseRow reads one row in ExportColumns order.
func parseRow(row []string, ownerID string) (*model.Invoice, error) {
	issuer, recipient := cell(row, 5), cell(row, 6)
	if issuer == "" || recipient == "" {
		return nil, service.ErrPartiesRequired
	}

	base, err := tax.ParseAmount(cell(row, 2))
	if err != nil {
		return nil, fmt.Errorf("base imponible: %w", err)
	}
	taxAmount, err := tax.ParseAmount(cell(row, 3))
	if err != nil {
		return nil, fmt.Errorf("IVA: %w", err)
	}
	total, err := tax.ParseAmount(cell(row, 4))
	if err != nil {
		return nil, fmt.Errorf("total: %w", err)
	}

	rate, err := tax.RateOf(base, taxAmount)
	if err != nil {
		return nil, err
	}
	breakdown := tax.Compute(base, rate)
	if !breakdown.Tax.Equal(taxAmount.Round(2)) || !breakdown.Total.Equal(total.Round(2)) {
		return nil, fmt.Errorf("amounts do not add up: %s + %s != %s", base, taxAmount, total)
	}

	number := cell(row, 1)
	if number == "" {
		return nil, service.ErrNumberRequired
	}

	return &model.Invoice{
		OwnerID:       ownerID,
		Number:        number,
		IssueDate:     cell(row, 0),
		Type:          model.InvoiceTypeIssued,
		IssuerName:    issuer,
		RecipientName: recipient,
		TaxableBase:   breakdown.Base,
		TaxAmount:     breakdown.Tax,
		Total:         breakdown.Total,
	}, nil
}
