// Package outbox copies committed invoice writes from the SQL store to the
// document mirror.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/facturapp/factura-backend/config"
	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/pkg/logger"
)

const defaultMaxElapsed = 10 * time.Second

// Mirror is the store receiving relayed writes.
type Mirror interface {
	Put(ctx context.Context, invoice *model.Invoice) error
	Delete(ctx context.Context, ownerID, id string) error
}

// Relay applies pending outbox entries to the mirror in write order. It stops
// at the first entry that cannot be applied so the mirror never sees writes
// out of order.
type Relay struct {
	entries    repository.OutboxRepository
	mirror     Mirror
	batchSize  int
	maxElapsed time.Duration

	kick    chan struct{}
	running sync.Mutex
}

func NewRelay(entries repository.OutboxRepository, mirror Mirror, cfg config.OutboxConfig) *Relay {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	// backoff treats zero as "retry forever"
	maxElapsed := cfg.MaxElapsedTime
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	return &Relay{
		entries:    entries,
		mirror:     mirror,
		batchSize:  batch,
		maxElapsed: maxElapsed,
		kick:       make(chan struct{}, 1),
	}
}

// Kick asks Run to drain soon. It never blocks.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drains whenever kicked until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.kick:
			if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Outbox drain stopped", logger.Fields{
					"error": err.Error(),
				})
			}
		}
	}
}

// Drain relays pending entries until none are left or one fails, and returns
// how many were delivered.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	r.running.Lock()
	defer r.running.Unlock()

	delivered := 0
	for {
		batch, err := r.entries.Pending(ctx, r.batchSize)
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			entry := &batch[i]
			if err := r.deliver(ctx, entry); err != nil {
				if markErr := r.entries.MarkFailed(ctx, entry.Seq, err); markErr != nil {
					logger.Error("Failed to record outbox failure", markErr, logger.Fields{
						"seq": entry.Seq,
					})
				}
				return delivered, fmt.Errorf("outbox entry %d: %w", entry.Seq, err)
			}
			if err := r.entries.MarkDone(ctx, entry.Seq); err != nil {
				return delivered, err
			}
			delivered++
		}

		if len(batch) < r.batchSize {
			break
		}
	}

	if delivered > 0 {
		logger.Info("Outbox relayed", logger.Fields{
			"delivered": delivered,
		})
	}
	return delivered, nil
}

func (r *Relay) deliver(ctx context.Context, entry *model.OutboxEntry) error {
	apply, err := r.operation(entry)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = r.maxElapsed

	return backoff.RetryNotify(
		func() error { return apply(ctx) },
		backoff.WithContext(policy, ctx),
		func(err error, wait time.Duration) {
			logger.Debug("Retrying outbox entry", logger.Fields{
				"seq":   entry.Seq,
				"error": err.Error(),
				"wait":  wait.String(),
			})
		},
	)
}

func (r *Relay) operation(entry *model.OutboxEntry) (func(context.Context) error, error) {
	switch entry.Op {
	case model.OutboxOpUpsert:
		var invoice model.Invoice
		if err := json.Unmarshal([]byte(entry.Payload), &invoice); err != nil {
			return nil, fmt.Errorf("bad outbox payload: %w", err)
		}
		return func(ctx context.Context) error {
			return retryable(r.mirror.Put(ctx, &invoice))
		}, nil
	case model.OutboxOpDelete:
		return func(ctx context.Context) error {
			return retryable(r.mirror.Delete(ctx, entry.OwnerID, entry.InvoiceID))
		}, nil
	}
	return nil, fmt.Errorf("unknown outbox op %q", entry.Op)
}

// retryable stops backoff on errors a retry cannot fix.
func retryable(err error) error {
	if errors.Is(err, repository.ErrInvalidID) || errors.Is(err, repository.ErrNotAuthenticated) {
		return backoff.Permanent(err)
	}
	return err
}
