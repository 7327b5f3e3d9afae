package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceType string // direction of the invoice

const (
	InvoiceTypeIssued   InvoiceType = "Issued"   // sent to a client
	InvoiceTypeReceived InvoiceType = "Received" // received from a supplier
)

func (t InvoiceType) Valid() bool {
	return t == InvoiceTypeIssued || t == InvoiceTypeReceived
}

// Label is the Spanish name printed on documents and exports.
func (t InvoiceType) Label() string {
	switch t {
	case InvoiceTypeIssued:
		return "Emitida"
	case InvoiceTypeReceived:
		return "Recibida"
	}
	return string(t)
}

// ParseInvoiceType accepts both the API names and the Spanish labels.
func ParseInvoiceType(s string) (InvoiceType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "issued", "emitida":
		return InvoiceTypeIssued, true
	case "received", "recibida":
		return InvoiceTypeReceived, true
	}
	return "", false
}

// Column / document field names. The SQL columns, the redis hash fields and
// the JSON keys all share these names so merge updates can name fields once.
const (
	FieldID               = "id"
	FieldOwnerID          = "owner_id"
	FieldNumber           = "number"
	FieldIssueDate        = "issue_date"
	FieldType             = "type"
	FieldIssuerName       = "issuer_name"
	FieldIssuerTaxID      = "issuer_tax_id"
	FieldIssuerAddress    = "issuer_address"
	FieldRecipientName    = "recipient_name"
	FieldRecipientTaxID   = "recipient_tax_id"
	FieldRecipientAddress = "recipient_address"
	FieldTaxableBase      = "taxable_base"
	FieldTaxAmount        = "tax_amount"
	FieldTotal            = "total"
	FieldVersion          = "version"
	FieldCreatedAt        = "created_at"
	FieldUpdatedAt        = "updated_at"
)

// EditableFields are the fields a form save rewrites.
var EditableFields = []string{
	FieldNumber,
	FieldIssueDate,
	FieldType,
	FieldIssuerName,
	FieldIssuerTaxID,
	FieldIssuerAddress,
	FieldRecipientName,
	FieldRecipientTaxID,
	FieldRecipientAddress,
	FieldTaxableBase,
	FieldTaxAmount,
	FieldTotal,
}

type Invoice struct {
	ID               string          `gorm:"primaryKey;type:varchar(36)" json:"id"`                     // empty until persisted
	OwnerID          string          `gorm:"type:varchar(36);not null;index" json:"owner_id"`           // principal the invoice belongs to
	Number           string          `gorm:"type:varchar(64);not null" json:"number"`                   // invoice number
	IssueDate        string          `gorm:"type:varchar(32)" json:"issue_date"`                        // free-form issue date
	Type             InvoiceType     `gorm:"type:varchar(16);default:'Issued'" json:"type"`             // Issued or Received
	IssuerName       string          `gorm:"type:varchar(255);not null" json:"issuer_name"`             // issuing company
	IssuerTaxID      string          `gorm:"type:varchar(32)" json:"issuer_tax_id"`                     // issuer NIF
	IssuerAddress    string          `gorm:"type:text" json:"issuer_address"`
	RecipientName    string          `gorm:"type:varchar(255);not null" json:"recipient_name"`          // client
	RecipientTaxID   string          `gorm:"type:varchar(32)" json:"recipient_tax_id"`                  // recipient NIF
	RecipientAddress string          `gorm:"type:text" json:"recipient_address"`
	TaxableBase      decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"taxable_base"` // base imponible
	TaxAmount        decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"tax_amount"`   // IVA
	Total            decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0" json:"total"`        // base + IVA
	Version          int64           `gorm:"not null;default:1" json:"version"`                         // bumped on every update
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}

// Persisted reports whether the invoice already has an identity.
func (i *Invoice) Persisted() bool {
	return i.ID != ""
}

// InvoiceDraft is the form state. Callers pass it explicitly; there is no
// shared "invoice being edited" slot.
type InvoiceDraft struct {
	ID               string          `json:"id"`
	Version          int64           `json:"version"`
	Number           string          `json:"number"`
	IssueDate        string          `json:"issue_date"`
	Type             InvoiceType     `json:"type"`
	IssuerName       string          `json:"issuer_name"`
	IssuerTaxID      string          `json:"issuer_tax_id"`
	IssuerAddress    string          `json:"issuer_address"`
	RecipientName    string          `json:"recipient_name"`
	RecipientTaxID   string          `json:"recipient_tax_id"`
	RecipientAddress string          `json:"recipient_address"`
	TaxableBase      decimal.Decimal `json:"taxable_base"`
	TaxRate          int             `json:"tax_rate"`
}

// InvoicePatch carries only the fields to merge into a stored invoice.
type InvoicePatch struct {
	Number           *string          `json:"number"`
	IssueDate        *string          `json:"issue_date"`
	Type             *InvoiceType     `json:"type"`
	IssuerName       *string          `json:"issuer_name"`
	IssuerTaxID      *string          `json:"issuer_tax_id"`
	IssuerAddress    *string          `json:"issuer_address"`
	RecipientName    *string          `json:"recipient_name"`
	RecipientTaxID   *string          `json:"recipient_tax_id"`
	RecipientAddress *string          `json:"recipient_address"`
	TaxableBase      *decimal.Decimal `json:"taxable_base"`
	TaxRate          *int             `json:"tax_rate"`
}

// Empty reports whether the patch would not change anything.
func (p *InvoicePatch) Empty() bool {
	return p.Number == nil && p.IssueDate == nil && p.Type == nil &&
		p.IssuerName == nil && p.IssuerTaxID == nil && p.IssuerAddress == nil &&
		p.RecipientName == nil && p.RecipientTaxID == nil && p.RecipientAddress == nil &&
		p.TaxableBase == nil && p.TaxRate == nil
}
