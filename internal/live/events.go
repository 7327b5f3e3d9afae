package live

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/facturapp/factura-backend/pkg/logger"
)

// TopicInvoicesChanged carries one ChangeEvent per committed invoice mutation.
const TopicInvoicesChanged = "invoices.changed"

type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
	OpDeleted ChangeOp = "deleted"
)

type ChangeEvent struct {
	OwnerID   string   `json:"owner_id"`
	InvoiceID string   `json:"invoice_id"`
	Op        ChangeOp `json:"op"`
	Version   int64    `json:"version,omitempty"`
}

// Events is the in-process change bus.
type Events struct {
	pubsub *gochannel.GoChannel
}

func NewEvents() *Events {
	return &Events{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				// late subscribers load a fresh snapshot, no replay needed
				Persistent:                     false,
				BlockPublishUntilSubscriberAck: false,
				OutputChannelBuffer:            256,
			},
			watermill.NewStdLogger(false, false),
		),
	}
}

func (e *Events) Publish(ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("owner_id", ev.OwnerID)
	if err := e.pubsub.Publish(TopicInvoicesChanged, msg); err != nil {
		logger.Error("Failed to publish change event", err, logger.Fields{
			"owner_id":   ev.OwnerID,
			"invoice_id": ev.InvoiceID,
			"op":         ev.Op,
		})
		return err
	}
	return nil
}

// Subscribe delivers decoded events until ctx is done or the bus is closed.
func (e *Events) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	messages, err := e.pubsub.Subscribe(ctx, TopicInvoicesChanged)
	if err != nil {
		return nil, err
	}

	out := make(chan ChangeEvent, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev ChangeEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn("Dropping malformed change event", logger.Fields{
					"message_id": msg.UUID,
					"error":      err.Error(),
				})
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				msg.Ack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (e *Events) Close() error {
	return e.pubsub.Close()
}
