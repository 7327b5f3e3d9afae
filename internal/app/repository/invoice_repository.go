package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/facturapp/factura-backend/internal/app/model"
)

var (
	ErrNotAuthenticated = errors.New("no authenticated principal")
	ErrInvalidID        = errors.New("invoice id is required")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrVersionConflict  = errors.New("invoice was modified by someone else")
	ErrUnknownField     = errors.New("field cannot be updated")
)

// InvoiceRepository is the per-user invoice collection. Both backends honour
// the same contract.
type InvoiceRepository interface {
	// List returns the owner's invoices, newest first.
	List(ctx context.Context, ownerID string) ([]model.Invoice, error)
	FindByID(ctx context.Context, ownerID, id string) (*model.Invoice, error)
	// Create assigns an id when missing and starts the version at 1.
	Create(ctx context.Context, invoice *model.Invoice) error
	// Update writes only the named fields, provided invoice.Version still
	// matches the stored one. On success invoice holds the stored record.
	Update(ctx context.Context, invoice *model.Invoice, fields []string) error
	// Delete succeeds whether or not the invoice exists.
	Delete(ctx context.Context, ownerID, id string) error
}

func checkOwner(ownerID string) error {
	if ownerID == "" {
		return ErrNotAuthenticated
	}
	return nil
}

func checkKey(ownerID, id string) error {
	if err := checkOwner(ownerID); err != nil {
		return err
	}
	if id == "" {
		return ErrInvalidID
	}
	return nil
}

func checkFields(fields []string) error {
	for _, f := range fields {
		if !isEditable(f) {
			return fmt.Errorf("%w: %s", ErrUnknownField, f)
		}
	}
	return nil
}

func isEditable(field string) bool {
	for _, f := range model.EditableFields {
		if f == field {
			return true
		}
	}
	return false
}

// fieldValue returns the value of an editable field.
func fieldValue(inv *model.Invoice, field string) interface{} {
	switch field {
	case model.FieldNumber:
		return inv.Number
	case model.FieldIssueDate:
		return inv.IssueDate
	case model.FieldType:
		return string(inv.Type)
	case model.FieldIssuerName:
		return inv.IssuerName
	case model.FieldIssuerTaxID:
		return inv.IssuerTaxID
	case model.FieldIssuerAddress:
		return inv.IssuerAddress
	case model.FieldRecipientName:
		return inv.RecipientName
	case model.FieldRecipientTaxID:
		return inv.RecipientTaxID
	case model.FieldRecipientAddress:
		return inv.RecipientAddress
	case model.FieldTaxableBase:
		return inv.TaxableBase
	case model.FieldTaxAmount:
		return inv.TaxAmount
	case model.FieldTotal:
		return inv.Total
	}
	return nil
}
