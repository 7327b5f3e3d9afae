package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// DocumentInvoiceRepository keeps one redis hash per invoice under the owner's
// collection, plus a sorted set of ids scored by creation time.
type DocumentInvoiceRepository struct {
	client *redis.Client
}

func NewDocumentInvoiceRepository(client *redis.Client) *DocumentInvoiceRepository {
	return &DocumentInvoiceRepository{client: client}
}

func collectionKey(ownerID string) string {
	return fmt.Sprintf("users:%s:invoices", ownerID)
}

func documentKey(ownerID, id string) string {
	return fmt.Sprintf("users:%s:invoices:%s", ownerID, id)
}

func (r *DocumentInvoiceRepository) List(ctx context.Context, ownerID string) ([]model.Invoice, error) {
	if err := checkOwner(ownerID); err != nil {
		return nil, err
	}

	ids, err := r.client.ZRevRange(ctx, collectionKey(ownerID), 0, -1).Result()
	if err != nil {
		logger.Error("Failed to list invoice documents", err, logger.Fields{
			"owner_id": ownerID,
		})
		return nil, err
	}
	if len(ids) == 0 {
		return []model.Invoice{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, documentKey(ownerID, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	invoices := make([]model.Invoice, 0, len(ids))
	for i, cmd := range cmds {
		doc := cmd.Val()
		if len(doc) == 0 {
			// index entry without a document
			logger.Warn("Dangling invoice index entry", logger.Fields{
				"owner_id":   ownerID,
				"invoice_id": ids[i],
			})
			continue
		}
		inv, err := decodeInvoice(doc)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}

	logger.Debug("Invoice documents listed", logger.Fields{
		"owner_id": ownerID,
		"count":    len(invoices),
	})
	return invoices, nil
}

func (r *DocumentInvoiceRepository) FindByID(ctx context.Context, ownerID, id string) (*model.Invoice, error) {
	if err := checkKey(ownerID, id); err != nil {
		return nil, err
	}
	return r.load(ctx, r.client, ownerID, id)
}

func (r *DocumentInvoiceRepository) load(ctx context.Context, c redis.Cmdable, ownerID, id string) (*model.Invoice, error) {
	doc, err := c.HGetAll(ctx, documentKey(ownerID, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, ErrInvoiceNotFound
	}
	return decodeInvoice(doc)
}

func (r *DocumentInvoiceRepository) Create(ctx context.Context, invoice *model.Invoice) error {
	if err := checkOwner(invoice.OwnerID); err != nil {
		return err
	}
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	now := time.Now()
	invoice.Version = 1
	invoice.CreatedAt = now
	invoice.UpdatedAt = now

	logger.Debug("Creating invoice document", logger.Fields{
		"owner_id":   invoice.OwnerID,
		"invoice_id": invoice.ID,
	})

	if err := r.write(ctx, invoice); err != nil {
		logger.Error("Failed to create invoice document", err, logger.Fields{
			"invoice_id": invoice.ID,
		})
		return err
	}
	return nil
}

// Put stores the invoice exactly as given, replacing any previous document.
// The mirror relay uses it to copy records from the primary store.
func (r *DocumentInvoiceRepository) Put(ctx context.Context, invoice *model.Invoice) error {
	if err := checkKey(invoice.OwnerID, invoice.ID); err != nil {
		return err
	}
	return r.write(ctx, invoice)
}

func (r *DocumentInvoiceRepository) write(ctx context.Context, invoice *model.Invoice) error {
	key := documentKey(invoice.OwnerID, invoice.ID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeInvoice(invoice))
		pipe.ZAdd(ctx, collectionKey(invoice.OwnerID), redis.Z{
			Score:  float64(invoice.CreatedAt.UnixMicro()),
			Member: invoice.ID,
		})
		return nil
	})
	return err
}

func (r *DocumentInvoiceRepository) Update(ctx context.Context, invoice *model.Invoice, fields []string) error {
	if err := checkKey(invoice.OwnerID, invoice.ID); err != nil {
		return err
	}
	if err := checkFields(fields); err != nil {
		return err
	}

	key := documentKey(invoice.OwnerID, invoice.ID)
	values := make(map[string]interface{}, len(fields)+2)
	for _, f := range fields {
		values[f] = encodeValue(fieldValue(invoice, f))
	}
	values[model.FieldVersion] = strconv.FormatInt(invoice.Version+1, 10)
	values[model.FieldUpdatedAt] = time.Now().UTC().Format(time.RFC3339Nano)

	logger.Debug("Merging invoice document", logger.Fields{
		"invoice_id": invoice.ID,
		"version":    invoice.Version,
		"fields":     fields,
	})

	var stored *model.Invoice
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, model.FieldVersion).Int64()
		if errors.Is(err, redis.Nil) {
			return ErrInvoiceNotFound
		}
		if err != nil {
			return err
		}
		if current != invoice.Version {
			return ErrVersionConflict
		}

		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			return nil
		}); err != nil {
			return err
		}
		stored, err = r.load(ctx, r.client, invoice.OwnerID, invoice.ID)
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		if !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrInvoiceNotFound) {
			logger.Error("Failed to merge invoice document", err, logger.Fields{
				"invoice_id": invoice.ID,
			})
		}
		return err
	}

	*invoice = *stored
	return nil
}

func (r *DocumentInvoiceRepository) Delete(ctx context.Context, ownerID, id string) error {
	if err := checkKey(ownerID, id); err != nil {
		return err
	}

	logger.Debug("Deleting invoice document", logger.Fields{
		"owner_id":   ownerID,
		"invoice_id": id,
	})

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, documentKey(ownerID, id))
		pipe.ZRem(ctx, collectionKey(ownerID), id)
		return nil
	})
	if err != nil {
		logger.Error("Failed to delete invoice document", err, logger.Fields{
			"invoice_id": id,
		})
	}
	return err
}

func encodeValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case decimal.Decimal:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func encodeInvoice(inv *model.Invoice) map[string]interface{} {
	doc := map[string]interface{}{
		model.FieldID:        inv.ID,
		model.FieldOwnerID:   inv.OwnerID,
		model.FieldVersion:   strconv.FormatInt(inv.Version, 10),
		model.FieldCreatedAt: inv.CreatedAt.UTC().Format(time.RFC3339Nano),
		model.FieldUpdatedAt: inv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, f := range model.EditableFields {
		doc[f] = encodeValue(fieldValue(inv, f))
	}
	return doc
}

func decodeInvoice(doc map[string]string) (*model.Invoice, error) {
	inv := &model.Invoice{
		ID:               doc[model.FieldID],
		OwnerID:          doc[model.FieldOwnerID],
		Number:           doc[model.FieldNumber],
		IssueDate:        doc[model.FieldIssueDate],
		Type:             model.InvoiceType(doc[model.FieldType]),
		IssuerName:       doc[model.FieldIssuerName],
		IssuerTaxID:      doc[model.FieldIssuerTaxID],
		IssuerAddress:    doc[model.FieldIssuerAddress],
		RecipientName:    doc[model.FieldRecipientName],
		RecipientTaxID:   doc[model.FieldRecipientTaxID],
		RecipientAddress: doc[model.FieldRecipientAddress],
	}

	var err error
	if inv.TaxableBase, err = decodeDecimal(doc, model.FieldTaxableBase); err != nil {
		return nil, err
	}
	if inv.TaxAmount, err = decodeDecimal(doc, model.FieldTaxAmount); err != nil {
		return nil, err
	}
	if inv.Total, err = decodeDecimal(doc, model.FieldTotal); err != nil {
		return nil, err
	}
	if v := doc[model.FieldVersion]; v != "" {
		if inv.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invoice %s: bad version %q: %w", inv.ID, v, err)
		}
	}
	if inv.CreatedAt, err = decodeTime(doc, model.FieldCreatedAt); err != nil {
		return nil, err
	}
	if inv.UpdatedAt, err = decodeTime(doc, model.FieldUpdatedAt); err != nil {
		return nil, err
	}
	return inv, nil
}

func decodeDecimal(doc map[string]string, field string) (decimal.Decimal, error) {
	v := doc[field]
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invoice %s: bad %s %q: %w", doc[model.FieldID], field, v, err)
	}
	return d, nil
}

func decodeTime(doc map[string]string, field string) (time.Time, error) {
	v := doc[field]
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invoice %s: bad %s %q: %w", doc[model.FieldID], field, v, err)
	}
	return t, nil
}
