package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/db"
	"github.com/facturapp/factura-backend/internal/live"
	"github.com/facturapp/factura-backend/pkg/tax"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []live.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(ev live.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type countingKicker struct {
	kicks int
}

func (k *countingKicker) Kick() {
	k.kicks++
}

// countingRepo counts writes reaching the store.
type countingRepo struct {
	repository.InvoiceRepository
	writes int
}

func (r *countingRepo) Create(ctx context.Context, inv *model.Invoice) error {
	r.writes++
	return r.InvoiceRepository.Create(ctx, inv)
}

func (r *countingRepo) Update(ctx context.Context, inv *model.Invoice, fields []string) error {
	r.writes++
	return r.InvoiceRepository.Update(ctx, inv, fields)
}

type failingRepo struct {
	repository.InvoiceRepository
	err error
}

func (r *failingRepo) Create(context.Context, *model.Invoice) error { return r.err }

func (r *failingRepo) Delete(context.Context, string, string) error { return r.err }

func setupInvoiceService(t *testing.T) (InvoiceService, *countingRepo, *recordingPublisher, *countingKicker) {
	testDB, err := db.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.CleanupTestDB(testDB) })

	repo := &countingRepo{InvoiceRepository: repository.NewInvoiceRepository(testDB)}
	publisher := &recordingPublisher{}
	kicker := &countingKicker{}
	return NewInvoiceService(repo, publisher, kicker), repo, publisher, kicker
}

func validDraft() *model.InvoiceDraft {
	return &model.InvoiceDraft{
		Number:        "F-2024-001",
		IssueDate:     "2024-03-01",
		IssuerName:    "ACME S.L.",
		IssuerTaxID:   "B12345678",
		RecipientName: "Cliente S.A.",
		TaxableBase:   decimal.NewFromInt(100),
		TaxRate:       21,
	}
}

func TestInvoiceService_SaveCreates(t *testing.T) {
	svc, _, publisher, kicker := setupInvoiceService(t)
	ctx := context.Background()

	result, err := svc.Save(ctx, "u1", validDraft())
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.Equal(t, MsgInvoiceCreated, result.Message)
	assert.NotEmpty(t, result.Invoice.ID)
	assert.Equal(t, int64(1), result.Invoice.Version)
	assert.Equal(t, model.InvoiceTypeIssued, result.Invoice.Type)
	assert.True(t, decimal.NewFromInt(21).Equal(result.Invoice.TaxAmount))
	assert.True(t, decimal.NewFromInt(121).Equal(result.Invoice.Total))

	require.Len(t, publisher.events, 1)
	assert.Equal(t, live.OpCreated, publisher.events[0].Op)
	assert.Equal(t, result.Invoice.ID, publisher.events[0].InvoiceID)
	assert.Equal(t, 1, kicker.kicks)
}

func TestInvoiceService_SaveRequiresParties(t *testing.T) {
	svc, repo, publisher, _ := setupInvoiceService(t)

	tests := []struct {
		name   string
		mutate func(d *model.InvoiceDraft)
	}{
		{"missing issuer", func(d *model.InvoiceDraft) { d.IssuerName = "" }},
		{"blank recipient", func(d *model.InvoiceDraft) { d.RecipientName = "   " }},
		{"both missing", func(d *model.InvoiceDraft) { d.IssuerName, d.RecipientName = "", "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draft := validDraft()
			tt.mutate(draft)

			_, err := svc.Save(context.Background(), "u1", draft)
			assert.ErrorIs(t, err, ErrPartiesRequired)
			assert.Equal(t, MsgPartiesRequired, UserMessage(err))
		})
	}
	assert.Zero(t, repo.writes)
	assert.Empty(t, publisher.events)
}

func TestInvoiceService_SaveValidation(t *testing.T) {
	svc, repo, _, _ := setupInvoiceService(t)
	ctx := context.Background()

	draft := validDraft()
	draft.TaxRate = 7
	_, err := svc.Save(ctx, "u1", draft)
	assert.ErrorIs(t, err, tax.ErrInvalidRate)

	draft = validDraft()
	draft.Type = "proforma"
	_, err = svc.Save(ctx, "u1", draft)
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = svc.Save(ctx, "", validDraft())
	assert.ErrorIs(t, err, repository.ErrNotAuthenticated)

	assert.Zero(t, repo.writes)
}

func TestInvoiceService_SaveDefaults(t *testing.T) {
	svc, _, _, _ := setupInvoiceService(t)

	draft := validDraft()
	draft.Number = " "
	draft.TaxRate = 0
	result, err := svc.Save(context.Background(), "u1", draft)
	require.NoError(t, err)

	assert.Len(t, result.Invoice.Number, 36)
	assert.True(t, result.Invoice.TaxAmount.IsZero())
	assert.True(t, result.Invoice.Total.Equal(result.Invoice.TaxableBase))
}

func TestInvoiceService_SaveUpdates(t *testing.T) {
	svc, _, publisher, _ := setupInvoiceService(t)
	ctx := context.Background()

	created, err := svc.Save(ctx, "u1", validDraft())
	require.NoError(t, err)

	draft, err := svc.Draft(ctx, "u1", created.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, 21, draft.TaxRate)

	draft.TaxRate = 10
	draft.RecipientName = "Otro Cliente"
	updated, err := svc.Save(ctx, "u1", draft)
	require.NoError(t, err)

	assert.False(t, updated.Created)
	assert.Equal(t, MsgInvoiceUpdated, updated.Message)
	assert.Equal(t, int64(2), updated.Invoice.Version)
	assert.Equal(t, "Otro Cliente", updated.Invoice.RecipientName)
	assert.True(t, decimal.NewFromInt(10).Equal(updated.Invoice.TaxAmount))
	assert.Equal(t, live.OpUpdated, publisher.events[len(publisher.events)-1].Op)

	// the draft still carries version 1
	_, err = svc.Save(ctx, "u1", draft)
	assert.ErrorIs(t, err, repository.ErrVersionConflict)
	assert.Equal(t, MsgVersionConflict, UserMessage(err))

	draft.Version = 0
	_, err = svc.Save(ctx, "u1", draft)
	assert.ErrorIs(t, err, ErrVersionRequired)
}

func TestInvoiceService_Draft(t *testing.T) {
	svc, _, _, _ := setupInvoiceService(t)
	ctx := context.Background()

	fresh, err := svc.Draft(ctx, "u1", "")
	require.NoError(t, err)
	assert.Empty(t, fresh.ID)
	assert.NotEmpty(t, fresh.Number)
	assert.Equal(t, model.InvoiceTypeIssued, fresh.Type)
	assert.Equal(t, 0, fresh.TaxRate)

	_, err = svc.Draft(ctx, "u1", "missing")
	assert.ErrorIs(t, err, repository.ErrInvoiceNotFound)

	_, err = svc.Draft(ctx, "", "")
	assert.ErrorIs(t, err, repository.ErrNotAuthenticated)
}

func TestInvoiceService_DraftRecoversRateOfSmallAmounts(t *testing.T) {
	svc, repo, _, _ := setupInvoiceService(t)
	ctx := context.Background()

	draft := validDraft()
	draft.TaxableBase = decimal.RequireFromString("0.05")
	draft.TaxRate = 10
	created, err := svc.Save(ctx, "u1", draft)
	require.NoError(t, err)
	require.True(t, decimal.RequireFromString("0.01").Equal(created.Invoice.TaxAmount))

	form, err := svc.Draft(ctx, "u1", created.Invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, form.TaxRate)

	base := decimal.NewFromInt(100)
	patched, err := svc.Patch(ctx, "u1", created.Invoice.ID, 1, &model.InvoicePatch{TaxableBase: &base})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(10).Equal(patched.TaxAmount), "tax %s", patched.TaxAmount)

	// amounts no rate produces still open, with the exempt rate
	odd := &model.Invoice{
		OwnerID:       "u1",
		Number:        "IMP-1",
		Type:          model.InvoiceTypeIssued,
		IssuerName:    "ACME",
		RecipientName: "Cliente",
		TaxableBase:   decimal.NewFromInt(100),
		TaxAmount:     decimal.NewFromInt(7),
		Total:         decimal.NewFromInt(107),
	}
	require.NoError(t, repo.InvoiceRepository.Create(ctx, odd))

	form, err = svc.Draft(ctx, "u1", odd.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, form.TaxRate)
	assert.Equal(t, "IMP-1", form.Number)
}

func TestInvoiceService_Patch(t *testing.T) {
	svc, _, _, _ := setupInvoiceService(t)
	ctx := context.Background()

	created, err := svc.Save(ctx, "u1", validDraft())
	require.NoError(t, err)
	id := created.Invoice.ID

	base := decimal.NewFromInt(200)
	patched, err := svc.Patch(ctx, "u1", id, 1, &model.InvoicePatch{TaxableBase: &base})
	require.NoError(t, err)
	assert.Equal(t, int64(2), patched.Version)
	assert.True(t, decimal.NewFromInt(42).Equal(patched.TaxAmount), "keeps the stored rate")
	assert.True(t, decimal.NewFromInt(242).Equal(patched.Total))
	assert.Equal(t, "ACME S.L.", patched.IssuerName)

	rate := 4
	patched, err = svc.Patch(ctx, "u1", id, 2, &model.InvoicePatch{TaxRate: &rate})
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(8).Equal(patched.TaxAmount))
	assert.True(t, decimal.NewFromInt(200).Equal(patched.TaxableBase))

	recipient := "Nuevo"
	patched, err = svc.Patch(ctx, "u1", id, 3, &model.InvoicePatch{RecipientName: &recipient})
	require.NoError(t, err)
	assert.Equal(t, "Nuevo", patched.RecipientName)
	assert.True(t, decimal.NewFromInt(208).Equal(patched.Total))
}

func TestInvoiceService_PatchErrors(t *testing.T) {
	svc, _, _, _ := setupInvoiceService(t)
	ctx := context.Background()

	created, err := svc.Save(ctx, "u1", validDraft())
	require.NoError(t, err)
	id := created.Invoice.ID

	blank := " "
	badRate := 15
	badType := model.InvoiceType("proforma")
	name := "X"

	tests := []struct {
		name    string
		id      string
		version int64
		patch   *model.InvoicePatch
		wantErr error
	}{
		{"empty patch", id, 1, &model.InvoicePatch{}, ErrEmptyPatch},
		{"nil patch", id, 1, nil, ErrEmptyPatch},
		{"no version", id, 0, &model.InvoicePatch{IssuerName: &name}, ErrVersionRequired},
		{"blank number", id, 1, &model.InvoicePatch{Number: &blank}, ErrNumberRequired},
		{"blank issuer", id, 1, &model.InvoicePatch{IssuerName: &blank}, ErrPartiesRequired},
		{"bad rate", id, 1, &model.InvoicePatch{TaxRate: &badRate}, tax.ErrInvalidRate},
		{"bad type", id, 1, &model.InvoicePatch{Type: &badType}, ErrInvalidType},
		{"stale version", id, 5, &model.InvoicePatch{IssuerName: &name}, repository.ErrVersionConflict},
		{"missing invoice", "missing", 1, &model.InvoicePatch{IssuerName: &name}, repository.ErrInvoiceNotFound},
		{"no id", "", 1, &model.InvoicePatch{IssuerName: &name}, repository.ErrInvalidID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Patch(ctx, "u1", tt.id, tt.version, tt.patch)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestInvoiceService_Delete(t *testing.T) {
	svc, _, publisher, _ := setupInvoiceService(t)
	ctx := context.Background()

	created, err := svc.Save(ctx, "u1", validDraft())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "u1", created.Invoice.ID))
	require.NoError(t, svc.Delete(ctx, "u1", created.Invoice.ID))

	_, err = svc.Get(ctx, "u1", created.Invoice.ID)
	assert.ErrorIs(t, err, repository.ErrInvoiceNotFound)
	assert.Equal(t, live.OpDeleted, publisher.events[len(publisher.events)-1].Op)

	assert.ErrorIs(t, svc.Delete(ctx, "u1", ""), repository.ErrInvalidID)
}

func TestInvoiceService_StoreErrors(t *testing.T) {
	boom := errors.New("connection reset")
	svc := NewInvoiceService(&failingRepo{err: boom}, nil, nil)
	ctx := context.Background()

	_, err := svc.Save(ctx, "u1", validDraft())
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, ActionSave, storeErr.Action)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "Error al guardar la factura: connection reset", UserMessage(err))

	err = svc.Delete(ctx, "u1", "id")
	assert.Equal(t, "Error al eliminar la factura: connection reset", UserMessage(err))
}

func TestInvoiceService_PublishFailureDoesNotFailSave(t *testing.T) {
	testDB, err := db.SetupTestDB()
	require.NoError(t, err)
	defer db.CleanupTestDB(testDB)

	publisher := &recordingPublisher{err: errors.New("bus closed")}
	svc := NewInvoiceService(repository.NewInvoiceRepository(testDB), publisher, nil)

	result, err := svc.Save(context.Background(), "u1", validDraft())
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Len(t, publisher.events, 1)
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrPartiesRequired, MsgPartiesRequired},
		{ErrNumberRequired, MsgNumberRequired},
		{ErrEmptyPatch, MsgNothingToUpdate},
		{tax.ErrInvalidRate, MsgInvalidRate},
		{repository.ErrNotAuthenticated, MsgNotAuthenticated},
		{repository.ErrInvoiceNotFound, MsgInvoiceNotFound},
		{errors.New("other"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UserMessage(tt.err))
	}
}
