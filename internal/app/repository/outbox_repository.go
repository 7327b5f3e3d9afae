package repository

import (
	"context"
	"time"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/pkg/logger"
	"gorm.io/gorm"
)

type OutboxRepository interface {
	// Pending returns up to limit undelivered entries in write order.
	Pending(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	MarkDone(ctx context.Context, seq uint64) error
	MarkFailed(ctx context.Context, seq uint64, cause error) error
	CountPending(ctx context.Context) (int64, error)
}

type outboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Pending(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	var entries []model.OutboxEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("seq").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		logger.Error("Failed to load pending outbox entries", err)
		return nil, err
	}
	return entries, nil
}

func (r *outboxRepository) MarkDone(ctx context.Context, seq uint64) error {
	now := time.Now()
	err := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("seq = ?", seq).
		Updates(map[string]interface{}{
			"status":       model.OutboxStatusDone,
			"processed_at": now,
			"last_error":   "",
		}).Error
	if err != nil {
		logger.Error("Failed to mark outbox entry done", err, logger.Fields{
			"seq": seq,
		})
	}
	return err
}

func (r *outboxRepository) MarkFailed(ctx context.Context, seq uint64, cause error) error {
	err := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("seq = ?", seq).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
	if err != nil {
		logger.Error("Failed to record outbox failure", err, logger.Fields{
			"seq": seq,
		})
	}
	return err
}

func (r *outboxRepository) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.OutboxEntry{}).
		Where("status = ?", model.OutboxStatusPending).
		Count(&count).Error
	return count, err
}
