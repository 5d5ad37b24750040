package stockcount

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/shared"
)

type idempotencyStub struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (s *idempotencyStub) CheckAndInsert(ctx context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *idempotencyStub) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

func TestScanMergesRepeatedReadsBySameUser(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	f.scan(t, adj.ID, "1001", counter, 3)

	got, err := f.svc.Get(context.Background(), adj.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	line := lineFor(t, got, widgetID, 0)
	require.Len(t, line.Events, 1)
	require.True(t, line.Events[0].Qty.Equal(dec("3")))
	require.True(t, line.Counted.Equal(dec("3")))
	require.Equal(t, 3, f.metrics.scans["ok"])
}

func TestScanKeepsUsersApart(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	f.scan(t, adj.ID, "1001", counter, 2)
	f.scan(t, adj.ID, "1001", counter2, 1)
	f.scan(t, adj.ID, "1001", counter, 1)

	got, err := f.svc.Get(context.Background(), adj.ID)
	require.NoError(t, err)
	line := lineFor(t, got, widgetID, 0)
	require.Len(t, line.Events, 2)
	require.True(t, line.Counted.Equal(dec("4")))
}

func TestScanOpensNewEventAfterOtherProduct(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	f.scan(t, adj.ID, "1001", counter, 1)
	f.scan(t, adj.ID, "1005", counter, 1)
	f.scan(t, adj.ID, "1001", counter, 1)

	got, err := f.svc.Get(context.Background(), adj.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 2)
	widget := lineFor(t, got, widgetID, 0)
	require.Len(t, widget.Events, 2)
	require.True(t, widget.Counted.Equal(dec("2")))
}

func TestScanConcurrentUsers(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for _, user := range []int64{counter, counter2, approver} {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := f.svc.Scan(context.Background(), ScanInput{AdjustmentID: adj.ID, Barcode: "1001", UserID: user})
				errs <- err
			}
		}(user)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := f.svc.Get(context.Background(), adj.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 1)
	require.True(t, lineFor(t, got, widgetID, 0).Counted.Equal(dec("30")))
}

func TestScanNormalizesBarcode(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	_, err := f.svc.Scan(context.Background(), ScanInput{AdjustmentID: adj.ID, Barcode: " １００１\n", UserID: counter})
	require.NoError(t, err)
}

func TestScanRejectsUnknownBarcode(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	_, err := f.svc.Scan(context.Background(), ScanInput{AdjustmentID: adj.ID, Barcode: "9999", UserID: counter})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, f.metrics.scans["rejected"])
}

func TestScanRequiresDraft(t *testing.T) {
	f := newFixture(t)
	f.repo.seedQuant(widgetID, locationID, 1, "5", base)
	adj := f.create(t)
	f.scan(t, adj.ID, "1001", counter, 1)
	_, err := f.svc.Confirm(context.Background(), adj.ID, counter, false)
	require.NoError(t, err)

	_, err = f.svc.Scan(context.Background(), ScanInput{AdjustmentID: adj.ID, Barcode: "1001", UserID: counter})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestScanRejectsConsolidatedParent(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	f.countKitComponents(t, adj.ID)
	f.consolidate(t, adj.ID)

	_, err := f.svc.Scan(context.Background(), ScanInput{AdjustmentID: adj.ID, Barcode: "1003", UserID: counter})
	require.ErrorIs(t, err, ErrDisallowedProduct)
	require.Contains(t, err.Error(), "[BOX] Bolt Box")
}

func TestScanBlocksKitParentsWhenConfigured(t *testing.T) {
	f := newFixtureWithConfig(t, Config{AdjustmentLocationID: lossLocation, BlockKitParents: true})
	adj := f.create(t)

	_, err := f.svc.Scan(context.Background(), ScanInput{AdjustmentID: adj.ID, Barcode: "1003", UserID: counter})
	require.ErrorIs(t, err, ErrDisallowedProduct)

	f.scan(t, adj.ID, "1002", counter, 1)
}

func TestAddCountEnforcesLotConsistency(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	ctx := context.Background()

	_, err := f.svc.AddCount(ctx, CountInput{AdjustmentID: adj.ID, ProductID: widgetID, LotID: 1, Qty: dec("4"), UserID: counter})
	require.NoError(t, err)
	_, err = f.svc.AddCount(ctx, CountInput{AdjustmentID: adj.ID, ProductID: widgetID, LotID: 2, Qty: dec("1"), UserID: counter})
	require.NoError(t, err)

	_, err = f.svc.AddCount(ctx, CountInput{AdjustmentID: adj.ID, ProductID: widgetID, Qty: dec("1"), UserID: counter})
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.Scan(ctx, ScanInput{AdjustmentID: adj.ID, Barcode: "1001", UserID: counter})
	require.ErrorIs(t, err, ErrValidation)

	got, err := f.svc.Get(ctx, adj.ID)
	require.NoError(t, err)
	require.Len(t, got.Lines, 2)
	require.True(t, lineFor(t, got, widgetID, 1).Counted.Equal(dec("4")))
}

func TestAddCountConvertsUnits(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	_, err := f.svc.AddCount(context.Background(), CountInput{AdjustmentID: adj.ID, ProductID: widgetID, UnitID: doz, Qty: dec("2"), UserID: counter})
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), adj.ID)
	require.NoError(t, err)
	require.True(t, lineFor(t, got, widgetID, 0).Counted.Equal(dec("24")))
}

func TestAddCountRejectsNegativeQuantity(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	_, err := f.svc.AddCount(context.Background(), CountInput{AdjustmentID: adj.ID, ProductID: widgetID, Qty: dec("-1"), UserID: counter})
	require.ErrorIs(t, err, ErrValidation)
}

func TestScanIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	store := &idempotencyStub{keys: map[string]bool{}}
	f.svc.idempotency = store
	adj := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Scan(ctx, ScanInput{AdjustmentID: adj.ID, Barcode: "1001", UserID: counter, IdempotencyKey: "k1"})
	require.NoError(t, err)
	_, err = f.svc.Scan(ctx, ScanInput{AdjustmentID: adj.ID, Barcode: "1001", UserID: counter, IdempotencyKey: "k1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	_, err = f.svc.Scan(ctx, ScanInput{AdjustmentID: adj.ID, Barcode: "nope", UserID: counter, IdempotencyKey: "k2"})
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, store.keys["stockcount:scan:1:100:k2"], "failed scan releases its key")

	got, err := f.svc.Get(ctx, adj.ID)
	require.NoError(t, err)
	require.True(t, lineFor(t, got, widgetID, 0).Counted.Equal(dec("1")))
}

func TestUpdateAndDeleteEvents(t *testing.T) {
	f := newFixture(t)
	adj := f.create(t)
	ctx := context.Background()
	evt, err := f.svc.AddCount(ctx, CountInput{AdjustmentID: adj.ID, ProductID: widgetID, Qty: dec("4"), UserID: counter})
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateEvent(ctx, adj.ID, evt.ID, dec("6")))
	got, err := f.svc.Get(ctx, adj.ID)
	require.NoError(t, err)
	require.True(t, lineFor(t, got, widgetID, 0).Counted.Equal(dec("6")))

	require.ErrorIs(t, f.svc.UpdateEvent(ctx, adj.ID, evt.ID, dec("-1")), ErrValidation)
	require.ErrorIs(t, f.svc.UpdateEvent(ctx, adj.ID, 999, dec("1")), ErrNotFound)

	require.NoError(t, f.svc.DeleteEvent(ctx, adj.ID, evt.ID))
	got, err = f.svc.Get(ctx, adj.ID)
	require.NoError(t, err)
	require.Empty(t, got.Lines)
}
