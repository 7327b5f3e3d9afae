package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/live"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/facturapp/factura-backend/pkg/tax"
	"github.com/google/uuid"
)

// Messages shown to the user after an invoice operation.
const (
	MsgInvoiceCreated   = "Factura creada con éxito"
	MsgInvoiceUpdated   = "Factura actualizada con éxito"
	MsgInvoiceDeleted   = "Factura eliminada con éxito"
	MsgPartiesRequired  = "Los campos Emisor y Receptor son obligatorios."
	MsgNumberRequired   = "El número de factura es obligatorio."
	MsgVersionConflict  = "La factura ha sido modificada por otra sesión. Recárgala e inténtalo de nuevo."
	MsgInvoiceNotFound  = "Factura no encontrada."
	MsgInvalidRate      = "El tipo de IVA debe ser 0, 4, 10 o 21."
	MsgInvalidType      = "El tipo de factura debe ser Issued o Received."
	MsgVersionRequired  = "Falta la versión de la factura."
	MsgNothingToUpdate  = "No hay cambios que guardar."
	MsgNotAuthenticated = "Debes iniciar sesión."
)

var (
	ErrPartiesRequired = errors.New("issuer and recipient names are required")
	ErrNumberRequired  = errors.New("invoice number is required")
	ErrInvalidType     = errors.New("invalid invoice type")
	ErrVersionRequired = errors.New("invoice version is required for updates")
	ErrEmptyPatch      = errors.New("patch has no fields")
)

// StoreAction names the operation a StoreError came from.
type StoreAction string

const (
	ActionSave   StoreAction = "guardar"
	ActionDelete StoreAction = "eliminar"
)

// StoreError is a backing store failure surfaced to the user as a message.
type StoreError struct {
	Action StoreAction
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("Error al %s la factura: %v", e.Action, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ChangePublisher announces committed mutations to live views.
type ChangePublisher interface {
	Publish(ev live.ChangeEvent) error
}

// OutboxKicker asks the mirror relay to run soon.
type OutboxKicker interface {
	Kick()
}

// SaveResult is the outcome of a form save.
type SaveResult struct {
	Invoice *model.Invoice `json:"invoice"`
	Created bool           `json:"created"`
	Message string         `json:"message"`
}

type InvoiceService interface {
	List(ctx context.Context, ownerID string) ([]model.Invoice, error)
	Get(ctx context.Context, ownerID, id string) (*model.Invoice, error)
	// Draft returns the form state for id, or a fresh form when id is empty.
	Draft(ctx context.Context, ownerID, id string) (*model.InvoiceDraft, error)
	// Save adds the draft when it has no id and rewrites every form field otherwise.
	Save(ctx context.Context, ownerID string, draft *model.InvoiceDraft) (*SaveResult, error)
	// Patch merges only the given fields into the stored invoice.
	Patch(ctx context.Context, ownerID, id string, version int64, patch *model.InvoicePatch) (*model.Invoice, error)
	Delete(ctx context.Context, ownerID, id string) error
}

type invoiceService struct {
	repo      repository.InvoiceRepository
	publisher ChangePublisher
	outbox    OutboxKicker
}

// NewInvoiceService wires the lifecycle. publisher and outbox may be nil.
func NewInvoiceService(repo repository.InvoiceRepository, publisher ChangePublisher, outbox OutboxKicker) InvoiceService {
	return &invoiceService{
		repo:      repo,
		publisher: publisher,
		outbox:    outbox,
	}
}

func (s *invoiceService) List(ctx context.Context, ownerID string) ([]model.Invoice, error) {
	return s.repo.List(ctx, ownerID)
}

func (s *invoiceService) Get(ctx context.Context, ownerID, id string) (*model.Invoice, error) {
	return s.repo.FindByID(ctx, ownerID, id)
}

func (s *invoiceService) Draft(ctx context.Context, ownerID, id string) (*model.InvoiceDraft, error) {
	if ownerID == "" {
		return nil, repository.ErrNotAuthenticated
	}
	if id == "" {
		return &model.InvoiceDraft{
			Number:  uuid.NewString(),
			Type:    model.InvoiceTypeIssued,
			TaxRate: int(tax.RateExempt),
		}, nil
	}

	inv, err := s.repo.FindByID(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return DraftFromInvoice(inv), nil
}

// DraftFromInvoice recovers the form state of a stored invoice, including the
// rate its tax was computed with. Amounts no rate can produce, such as
// hand-edited rows, open with the exempt rate selected.
func DraftFromInvoice(inv *model.Invoice) *model.InvoiceDraft {
	rate, err := tax.RateOf(inv.TaxableBase, inv.TaxAmount)
	if err != nil {
		logger.Warn("Stored amounts match no tax rate", logger.Fields{
			"invoice_id":   inv.ID,
			"taxable_base": inv.TaxableBase.String(),
			"tax_amount":   inv.TaxAmount.String(),
		})
		rate = tax.RateExempt
	}
	return &model.InvoiceDraft{
		ID:               inv.ID,
		Version:          inv.Version,
		Number:           inv.Number,
		IssueDate:        inv.IssueDate,
		Type:             inv.Type,
		IssuerName:       inv.IssuerName,
		IssuerTaxID:      inv.IssuerTaxID,
		IssuerAddress:    inv.IssuerAddress,
		RecipientName:    inv.RecipientName,
		RecipientTaxID:   inv.RecipientTaxID,
		RecipientAddress: inv.RecipientAddress,
		TaxableBase:      inv.TaxableBase,
		TaxRate:          int(rate),
	}
}

func (s *invoiceService) Save(ctx context.Context, ownerID string, draft *model.InvoiceDraft) (*SaveResult, error) {
	if ownerID == "" {
		return nil, repository.ErrNotAuthenticated
	}
	inv, err := buildInvoice(ownerID, draft)
	if err != nil {
		logger.Warn("Invoice save rejected", logger.Fields{
			"owner_id": ownerID,
			"reason":   err.Error(),
		})
		return nil, err
	}

	if !inv.Persisted() {
		if err := s.repo.Create(ctx, inv); err != nil {
			return nil, &StoreError{Action: ActionSave, Err: err}
		}
		logger.Info("Invoice created", logger.Fields{
			"owner_id":   ownerID,
			"invoice_id": inv.ID,
			"number":     inv.Number,
		})
		s.changed(live.ChangeEvent{OwnerID: ownerID, InvoiceID: inv.ID, Op: live.OpCreated, Version: inv.Version})
		return &SaveResult{Invoice: inv, Created: true, Message: MsgInvoiceCreated}, nil
	}

	if draft.Version <= 0 {
		return nil, ErrVersionRequired
	}
	inv.Version = draft.Version
	if err := s.repo.Update(ctx, inv, model.EditableFields); err != nil {
		return nil, wrapUpdateError(err)
	}
	logger.Info("Invoice updated", logger.Fields{
		"owner_id":   ownerID,
		"invoice_id": inv.ID,
		"version":    inv.Version,
	})
	s.changed(live.ChangeEvent{OwnerID: ownerID, InvoiceID: inv.ID, Op: live.OpUpdated, Version: inv.Version})
	return &SaveResult{Invoice: inv, Message: MsgInvoiceUpdated}, nil
}

// buildInvoice validates the form and computes the tax breakdown.
func buildInvoice(ownerID string, draft *model.InvoiceDraft) (*model.Invoice, error) {
	issuer := strings.TrimSpace(draft.IssuerName)
	recipient := strings.TrimSpace(draft.RecipientName)
	if issuer == "" || recipient == "" {
		return nil, ErrPartiesRequired
	}

	rate, err := tax.ParseRate(draft.TaxRate)
	if err != nil {
		return nil, err
	}

	invoiceType := draft.Type
	if invoiceType == "" {
		invoiceType = model.InvoiceTypeIssued
	}
	if !invoiceType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, invoiceType)
	}

	number := strings.TrimSpace(draft.Number)
	if number == "" {
		number = uuid.NewString()
	}

	breakdown := tax.Compute(draft.TaxableBase, rate)
	return &model.Invoice{
		ID:               draft.ID,
		OwnerID:          ownerID,
		Number:           number,
		IssueDate:        strings.TrimSpace(draft.IssueDate),
		Type:             invoiceType,
		IssuerName:       issuer,
		IssuerTaxID:      strings.TrimSpace(draft.IssuerTaxID),
		IssuerAddress:    strings.TrimSpace(draft.IssuerAddress),
		RecipientName:    recipient,
		RecipientTaxID:   strings.TrimSpace(draft.RecipientTaxID),
		RecipientAddress: strings.TrimSpace(draft.RecipientAddress),
		TaxableBase:      breakdown.Base,
		TaxAmount:        breakdown.Tax,
		Total:            breakdown.Total,
	}, nil
}

func (s *invoiceService) Patch(ctx context.Context, ownerID, id string, version int64, patch *model.InvoicePatch) (*model.Invoice, error) {
	if ownerID == "" {
		return nil, repository.ErrNotAuthenticated
	}
	if id == "" {
		return nil, repository.ErrInvalidID
	}
	if patch == nil || patch.Empty() {
		return nil, ErrEmptyPatch
	}
	if version <= 0 {
		return nil, ErrVersionRequired
	}

	inv := &model.Invoice{ID: id, OwnerID: ownerID, Version: version}
	var fields []string
	setString := func(field string, dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
			fields = append(fields, field)
		}
	}

	setString(model.FieldNumber, &inv.Number, patch.Number)
	setString(model.FieldIssueDate, &inv.IssueDate, patch.IssueDate)
	setString(model.FieldIssuerName, &inv.IssuerName, patch.IssuerName)
	setString(model.FieldIssuerTaxID, &inv.IssuerTaxID, patch.IssuerTaxID)
	setString(model.FieldIssuerAddress, &inv.IssuerAddress, patch.IssuerAddress)
	setString(model.FieldRecipientName, &inv.RecipientName, patch.RecipientName)
	setString(model.FieldRecipientTaxID, &inv.RecipientTaxID, patch.RecipientTaxID)
	setString(model.FieldRecipientAddress, &inv.RecipientAddress, patch.RecipientAddress)

	if patch.Number != nil && inv.Number == "" {
		return nil, ErrNumberRequired
	}
	if (patch.IssuerName != nil && inv.IssuerName == "") || (patch.RecipientName != nil && inv.RecipientName == "") {
		return nil, ErrPartiesRequired
	}
	if patch.Type != nil {
		if !patch.Type.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidType, *patch.Type)
		}
		inv.Type = *patch.Type
		fields = append(fields, model.FieldType)
	}

	if patch.TaxableBase != nil || patch.TaxRate != nil {
		breakdown, err := s.recompute(ctx, ownerID, id, patch)
		if err != nil {
			return nil, err
		}
		inv.TaxableBase = breakdown.Base
		inv.TaxAmount = breakdown.Tax
		inv.Total = breakdown.Total
		fields = append(fields, model.FieldTaxableBase, model.FieldTaxAmount, model.FieldTotal)
	}

	if err := s.repo.Update(ctx, inv, fields); err != nil {
		return nil, wrapUpdateError(err)
	}

	logger.Info("Invoice patched", logger.Fields{
		"owner_id":   ownerID,
		"invoice_id": id,
		"fields":     fields,
		"version":    inv.Version,
	})
	s.changed(live.ChangeEvent{OwnerID: ownerID, InvoiceID: id, Op: live.OpUpdated, Version: inv.Version})
	return inv, nil
}

// recompute takes the half of (base, rate) the patch does not carry from the
// stored invoice.
func (s *invoiceService) recompute(ctx context.Context, ownerID, id string, patch *model.InvoicePatch) (tax.Breakdown, error) {
	var rate tax.Rate
	if patch.TaxRate != nil {
		r, err := tax.ParseRate(*patch.TaxRate)
		if err != nil {
			return tax.Breakdown{}, err
		}
		rate = r
	}
	if patch.TaxableBase != nil && patch.TaxRate != nil {
		return tax.Compute(*patch.TaxableBase, rate), nil
	}

	current, err := s.repo.FindByID(ctx, ownerID, id)
	if err != nil {
		return tax.Breakdown{}, err
	}
	base := current.TaxableBase
	if patch.TaxableBase != nil {
		base = *patch.TaxableBase
	}
	if patch.TaxRate == nil {
		if rate, err = tax.RateOf(current.TaxableBase, current.TaxAmount); err != nil {
			return tax.Breakdown{}, err
		}
	}
	return tax.Compute(base, rate), nil
}

func (s *invoiceService) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		if errors.Is(err, repository.ErrNotAuthenticated) || errors.Is(err, repository.ErrInvalidID) {
			return err
		}
		return &StoreError{Action: ActionDelete, Err: err}
	}

	logger.Info("Invoice deleted", logger.Fields{
		"owner_id":   ownerID,
		"invoice_id": id,
	})
	s.changed(live.ChangeEvent{OwnerID: ownerID, InvoiceID: id, Op: live.OpDeleted})
	return nil
}

func wrapUpdateError(err error) error {
	switch {
	case errors.Is(err, repository.ErrVersionConflict),
		errors.Is(err, repository.ErrInvoiceNotFound),
		errors.Is(err, repository.ErrNotAuthenticated),
		errors.Is(err, repository.ErrInvalidID):
		return err
	}
	return &StoreError{Action: ActionSave, Err: err}
}

func (s *invoiceService) changed(ev live.ChangeEvent) {
	if s.publisher != nil {
		if err := s.publisher.Publish(ev); err != nil {
			// the write is committed, live views catch up on the next change
			logger.Warn("Change event not published", logger.Fields{
				"invoice_id": ev.InvoiceID,
				"error":      err.Error(),
			})
		}
	}
	if s.outbox != nil {
		s.outbox.Kick()
	}
}

// UserMessage is the text shown for an invoice operation error.
func UserMessage(err error) string {
	var storeErr *StoreError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPartiesRequired):
		return MsgPartiesRequired
	case errors.Is(err, ErrNumberRequired):
		return MsgNumberRequired
	case errors.Is(err, ErrInvalidType):
		return MsgInvalidType
	case errors.Is(err, ErrVersionRequired):
		return MsgVersionRequired
	case errors.Is(err, ErrEmptyPatch):
		return MsgNothingToUpdate
	case errors.Is(err, tax.ErrInvalidRate):
		return MsgInvalidRate
	case errors.Is(err, repository.ErrNotAuthenticated):
		return MsgNotAuthenticated
	case errors.Is(err, repository.ErrVersionConflict):
		return MsgVersionConflict
	case errors.Is(err, repository.ErrInvoiceNotFound):
		return MsgInvoiceNotFound
	case errors.As(err, &storeErr):
		return storeErr.Error()
	}
	return err.Error()
}
