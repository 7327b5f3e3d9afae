package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type invoiceRepository struct {
	db     *gorm.DB
	outbox bool
}

// NewInvoiceRepository returns the relational invoice store.
func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

// NewInvoiceRepositoryWithOutbox returns the relational store that also
// records every mutation in the outbox, in the same transaction.
func NewInvoiceRepositoryWithOutbox(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db, outbox: true}
}

func (r *invoiceRepository) List(ctx context.Context, ownerID string) ([]model.Invoice, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}
	logger.Debug("Listing invoices from database", logger.Fields{
		"owner_id": ownerID,
	})

	var invoices []model.Invoice
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&invoices).Error
	if err != nil {
		logger.Error("Failed to list invoices from database", err, logger.Fields{
			"owner_id": ownerID,
		})
		return nil, err
	}

	logger.Debug("Invoices listed from database", logger.Fields{
		"owner_id": ownerID,
		"count":    len(invoices),
	})
	return invoices, nil
}

func (r *invoiceRepository) FindByID(ctx context.Context, ownerID, id string) (*model.Invoice, error) {
	if err := checkKey(ownerID, id); err != nil {
		return nil, err
	}

	var invoice model.Invoice
	err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		logger.Error("Failed to find invoice in database", err, logger.Fields{
			"owner_id":   ownerID,
			"invoice_id": id,
		})
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	if err := checkOwner(invoice.OwnerID); err != nil {
		return err
	}
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	invoice.Version = 1

	logger.Debug("Creating invoice in database", logger.Fields{
		"owner_id":   invoice.OwnerID,
		"invoice_id": invoice.ID,
		"number":     invoice.Number,
	})

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(invoice).Error; err != nil {
			return err
		}
		return r.enqueue(tx, model.OutboxOpUpsert, invoice, nil)
	})
	if err != nil {
		logger.Error("Failed to create invoice in database", err, logger.Fields{
			"owner_id":   invoice.OwnerID,
			"invoice_id": invoice.ID,
		})
		return err
	}

	logger.Debug("Invoice created in database", logger.Fields{
		"invoice_id": invoice.ID,
	})
	return nil
}

func (r *invoiceRepository) Update(ctx context.Context, invoice *model.Invoice, fields []string) error {
	if err := checkKey(invoice.OwnerID, invoice.ID); err != nil {
		return err
	}
	if err := checkFields(fields); err != nil {
		return err
	}

	logger.Debug("Updating invoice in database", logger.Fields{
		"invoice_id": invoice.ID,
		"version":    invoice.Version,
		"fields":     fields,
	})

	updates := map[string]interface{}{
		model.FieldVersion:   invoice.Version + 1,
		model.FieldUpdatedAt: time.Now(),
	}
	for _, f := range fields {
		updates[f] = fieldValue(invoice, f)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Invoice{}).
			Where("id = ? AND owner_id = ? AND version = ?", invoice.ID, invoice.OwnerID, invoice.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return r.missOrConflict(tx, invoice.OwnerID, invoice.ID)
		}

		if err := tx.Where("id = ? AND owner_id = ?", invoice.ID, invoice.OwnerID).First(invoice).Error; err != nil {
			return err
		}
		return r.enqueue(tx, model.OutboxOpUpsert, invoice, fields)
	})
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrInvoiceNotFound) {
			logger.Error("Failed to update invoice in database", err, logger.Fields{
				"invoice_id": invoice.ID,
			})
		}
		return err
	}

	logger.Debug("Invoice updated in database", logger.Fields{
		"invoice_id": invoice.ID,
		"version":    invoice.Version,
	})
	return nil
}

func (r *invoiceRepository) missOrConflict(tx *gorm.DB, ownerID, id string) error {
	var count int64
	if err := tx.Model(&model.Invoice{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrInvoiceNotFound
	}
	return ErrVersionConflict
}

func (r *invoiceRepository) Delete(ctx context.Context, ownerID, id string) error {
	if err := checkKey(ownerID, id); err != nil {
		return err
	}

	logger.Debug("Deleting invoice from database", logger.Fields{
		"owner_id":   ownerID,
		"invoice_id": id,
	})

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&model.Invoice{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return r.enqueue(tx, model.OutboxOpDelete, &model.Invoice{ID: id, OwnerID: ownerID}, nil)
	})
	if err != nil {
		logger.Error("Failed to delete invoice from database", err, logger.Fields{
			"invoice_id": id,
		})
		return err
	}
	return nil
}

func (r *invoiceRepository) enqueue(tx *gorm.DB, op model.OutboxOp, invoice *model.Invoice, fields []string) error {
	if !r.outbox {
		return nil
	}

	entry := &model.OutboxEntry{
		ID:        uuid.NewString(),
		Op:        op,
		OwnerID:   invoice.OwnerID,
		InvoiceID: invoice.ID,
		Fields:    model.FieldList(fields),
		Status:    model.OutboxStatusPending,
	}
	if op == model.OutboxOpUpsert {
		payload, err := json.Marshal(invoice)
		if err != nil {
			return err
		}
		entry.Payload = string(payload)
	}
	return tx.Create(entry).Error
}
