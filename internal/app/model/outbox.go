package model

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type OutboxOp string

const (
	OutboxOpUpsert OutboxOp = "upsert" // mirror must hold Payload
	OutboxOpDelete OutboxOp = "delete" // mirror must drop the invoice
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusDone    OutboxStatus = "done"
)

// OutboxEntry is written in the same transaction as the invoice mutation it
// describes and relayed to the mirror store afterwards.
type OutboxEntry struct {
	Seq         uint64       `gorm:"primaryKey;autoIncrement" json:"seq"`                                // relay order
	ID          string       `gorm:"type:varchar(36);uniqueIndex;not null" json:"id"`
	Op          OutboxOp     `gorm:"type:varchar(16);not null" json:"op"`
	OwnerID     string       `gorm:"type:varchar(36);not null" json:"owner_id"`
	InvoiceID   string       `gorm:"type:varchar(36);not null;index" json:"invoice_id"`
	Fields      FieldList    `json:"fields"`                                                             // merged fields, empty for full writes
	Payload     string       `gorm:"type:text" json:"payload"`                                           // invoice JSON after the write
	Status      OutboxStatus `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Attempts    int          `gorm:"not null;default:0" json:"attempts"`
	LastError   string       `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ProcessedAt *time.Time   `json:"processed_at,omitempty"`
}

func (OutboxEntry) TableName() string {
	return "invoice_outbox"
}

// FieldList is a postgres text[]; other dialects store the same array literal as text.
type FieldList []string

func (f FieldList) Value() (driver.Value, error) {
	return pq.StringArray(f).Value()
}

func (f *FieldList) Scan(src interface{}) error {
	return (*pq.StringArray)(f).Scan(src)
}

func (FieldList) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}
