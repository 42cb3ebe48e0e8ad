package api

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/price-ledger/catalog"
	"github.com/pricewatch/price-ledger/catalog/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDriftScheduler_DisabledReturnsImmediately(t *testing.T) {
	ds := NewDriftScheduler(catalog.NewAuditor(store.NewMemory()), 0, quietLogger())

	require.NoError(t, ds.Run(context.Background()))
	assert.Nil(t, ds.Last())
}

func TestDriftScheduler_RunsUntilCanceled(t *testing.T) {
	// GIVEN: A scheduler on a short interval
	ds := NewDriftScheduler(catalog.NewAuditor(store.NewMemory()), 10*time.Millisecond, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ds.Run(ctx) }()

	// WHEN: It has had time to run at least once, then is canceled
	require.Eventually(t, func() bool { return ds.Last() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	// THEN: It stops without error and kept a clean report
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	last := ds.Last()
	assert.NoError(t, last.Err)
	assert.Empty(t, last.Drifts)
}

func TestDriftScheduler_RunNowRecordsDrift(t *testing.T) {
	// GIVEN: A product whose ledger says 500 while its listing says 700
	mem := store.NewMemory()
	ctx := context.Background()
	product, err := mem.SaveProduct(ctx, catalog.Product{Name: "A", Visible: true})
	require.NoError(t, err)
	seller, err := mem.SaveSeller(ctx, catalog.Seller{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, mem.WithTx(ctx, func(tx catalog.Tx) error {
		if _, err := tx.InsertListing(ctx, catalog.Listing{ProductID: product, SellerID: seller, URL: "u", Price: 700}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, catalog.HistoryEntry{
			ID: "h1", ProductID: product, SellerID: seller, NewPrice: catalog.PricePtr(500), Difference: 500,
		})
	}))

	ds := NewDriftScheduler(catalog.NewAuditor(mem), time.Hour, quietLogger())

	// WHEN: A check runs
	run := ds.RunNow(ctx)

	// THEN: The drift is returned and kept as the last run
	require.NoError(t, run.Err)
	require.Len(t, run.Drifts, 1)
	assert.Equal(t, product, run.Drifts[0].ProductID)
	assert.Equal(t, catalog.Price(500), *run.Drifts[0].Recorded)
	assert.Equal(t, catalog.Price(700), *run.Drifts[0].Actual)
	assert.Len(t, ds.Last().Drifts, 1)
}
