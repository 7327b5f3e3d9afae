package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/facturapp/factura-backend/config"
	"github.com/facturapp/factura-backend/internal/app/model"
	"github.com/facturapp/factura-backend/internal/app/repository"
	"github.com/facturapp/factura-backend/internal/db"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = config.OutboxConfig{
	BatchSize:      2,
	MaxElapsedTime: 200 * time.Millisecond,
}

type relayFixture struct {
	primary repository.InvoiceRepository
	mirror  *repository.DocumentInvoiceRepository
	entries repository.OutboxRepository
}

func setupRelay(t *testing.T) *relayFixture {
	testDB, err := db.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.CleanupTestDB(testDB) })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &relayFixture{
		primary: repository.NewInvoiceRepositoryWithOutbox(testDB),
		mirror:  repository.NewDocumentInvoiceRepository(client),
		entries: repository.NewOutboxRepository(testDB),
	}
}

func newInvoice(number string) *model.Invoice {
	return &model.Invoice{
		OwnerID:       "u1",
		Number:        number,
		Type:          model.InvoiceTypeIssued,
		IssuerName:    "ACME",
		RecipientName: "Cliente",
		TaxableBase:   decimal.NewFromInt(100),
		TaxAmount:     decimal.NewFromInt(21),
		Total:         decimal.NewFromInt(121),
	}
}

// flakyMirror fails the first failures calls.
type flakyMirror struct {
	Mirror
	failures int
	calls    int
}

func (m *flakyMirror) Put(ctx context.Context, invoice *model.Invoice) error {
	m.calls++
	if m.calls <= m.failures {
		return errors.New("mirror unavailable")
	}
	return m.Mirror.Put(ctx, invoice)
}

func TestRelay_DrainReplaysWritesInOrder(t *testing.T) {
	fx := setupRelay(t)
	ctx := context.Background()

	first := newInvoice("F-1")
	second := newInvoice("F-2")
	third := newInvoice("F-3")
	require.NoError(t, fx.primary.Create(ctx, first))
	require.NoError(t, fx.primary.Create(ctx, second))
	require.NoError(t, fx.primary.Create(ctx, third))

	first.RecipientName = "Otro"
	require.NoError(t, fx.primary.Update(ctx, first, []string{model.FieldRecipientName}))
	require.NoError(t, fx.primary.Delete(ctx, "u1", second.ID))

	relay := NewRelay(fx.entries, fx.mirror, testConfig)
	delivered, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, delivered)

	pending, err := fx.entries.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	mirrored, err := fx.mirror.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mirrored, 2)

	got, err := fx.mirror.FindByID(ctx, "u1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Otro", got.RecipientName)
	assert.Equal(t, int64(2), got.Version)

	_, err = fx.mirror.FindByID(ctx, "u1", second.ID)
	assert.ErrorIs(t, err, repository.ErrInvoiceNotFound)

	delivered, err = relay.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, delivered)
}

func TestRelay_RetriesTransientFailures(t *testing.T) {
	fx := setupRelay(t)
	ctx := context.Background()

	inv := newInvoice("F-1")
	require.NoError(t, fx.primary.Create(ctx, inv))

	mirror := &flakyMirror{Mirror: fx.mirror, failures: 2}
	delivered, err := NewRelay(fx.entries, mirror, testConfig).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 3, mirror.calls)

	_, err = fx.mirror.FindByID(ctx, "u1", inv.ID)
	assert.NoError(t, err)
}

func TestRelay_StopsAtFirstFailure(t *testing.T) {
	fx := setupRelay(t)
	ctx := context.Background()

	require.NoError(t, fx.primary.Create(ctx, newInvoice("F-1")))
	require.NoError(t, fx.primary.Create(ctx, newInvoice("F-2")))

	mirror := &flakyMirror{Mirror: fx.mirror, failures: 1 << 30}
	delivered, err := NewRelay(fx.entries, mirror, testConfig).Drain(ctx)
	require.Error(t, err)
	assert.Zero(t, delivered)

	pending, err := fx.entries.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "mirror unavailable")
	assert.Zero(t, pending[1].Attempts, "later entries are not attempted")

	// once the mirror recovers the backlog drains in order
	delivered, err = NewRelay(fx.entries, fx.mirror, testConfig).Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
}

// rejectingMirror refuses every write with err.
type rejectingMirror struct {
	Mirror
	err   error
	calls int
}

func (m *rejectingMirror) Put(ctx context.Context, invoice *model.Invoice) error {
	m.calls++
	return m.err
}

func TestRelay_PermanentFailuresAreNotRetried(t *testing.T) {
	fx := setupRelay(t)
	ctx := context.Background()

	require.NoError(t, fx.primary.Create(ctx, newInvoice("F-1")))

	mirror := &rejectingMirror{Mirror: fx.mirror, err: repository.ErrInvalidID}
	cfg := config.OutboxConfig{BatchSize: 2, MaxElapsedTime: time.Minute}

	start := time.Now()
	_, err := NewRelay(fx.entries, mirror, cfg).Drain(ctx)
	require.ErrorIs(t, err, repository.ErrInvalidID)
	assert.Equal(t, 1, mirror.calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewRelay_BoundsRetries(t *testing.T) {
	fx := setupRelay(t)

	relay := NewRelay(fx.entries, fx.mirror, config.OutboxConfig{})
	assert.Equal(t, defaultMaxElapsed, relay.maxElapsed)
	assert.Equal(t, 100, relay.batchSize)
}

func TestRelay_RunDrainsOnKick(t *testing.T) {
	fx := setupRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewRelay(fx.entries, fx.mirror, testConfig)
	go relay.Run(ctx)

	inv := newInvoice("F-1")
	require.NoError(t, fx.primary.Create(context.Background(), inv))
	relay.Kick()
	relay.Kick()

	assert.Eventually(t, func() bool {
		_, err := fx.mirror.FindByID(context.Background(), "u1", inv.ID)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}
