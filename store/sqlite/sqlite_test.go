/*
sqlite_test.go - Tests for the SQLite store

Tests for:
- The shared engine suite against ":memory:"
- Append-only enforcement on price_history
- Reset (used by demo scenarios)
- Decimal percentage round-trip
*/
package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/price-ledger/catalog"
	"github.com/pricewatch/price-ledger/catalog/catalogtest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEngine_SQLiteStore(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) catalogtest.Backend {
		return newTestStore(t)
	})
}

func TestPriceHistory_IsAppendOnly(t *testing.T) {
	// GIVEN: A product with one history entry
	store := newTestStore(t)
	f := catalogtest.NewFixture(t, store)
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)
	require.Len(t, f.History(t, product), 1)

	ctx := context.Background()

	// WHEN: Someone edits or deletes the ledger directly
	_, updateErr := store.db.ExecContext(ctx, `UPDATE price_history SET new_price = 1`)
	_, deleteErr := store.db.ExecContext(ctx, `DELETE FROM price_history`)

	// THEN: Both are rejected and the entry survives
	require.Error(t, updateErr)
	assert.Contains(t, updateErr.Error(), "append-only")
	require.Error(t, deleteErr)
	assert.Contains(t, deleteErr.Error(), "append-only")

	history := f.History(t, product)
	require.Len(t, history, 1)
	assert.Equal(t, catalog.Price(1000), *history[0].NewPrice)
}

func TestReset_ClearsEverythingAndRestartsIDs(t *testing.T) {
	// GIVEN: A populated store
	store := newTestStore(t)
	f := catalogtest.NewFixture(t, store)
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)

	// WHEN: It is reset
	require.NoError(t, store.Reset(context.Background()))

	// THEN: No products remain and ids start from 1 again
	ids, err := store.ProductIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	again := f.Product(t, "B")
	assert.Equal(t, catalog.ProductID(1), again)
	assert.Empty(t, f.History(t, again))
}

func TestHistory_RoundTripsEveryField(t *testing.T) {
	// GIVEN: A drop that produces a fractional percentage
	store := newTestStore(t)
	f := catalogtest.NewFixture(t, store)
	at := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)
	f.Engine.Now = func() time.Time { return at }

	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 3)
	y := f.Seller(t, "y")
	f.List(t, product, y, 1)

	// WHEN: The ledger is read back
	history := f.History(t, product)

	// THEN: Every column survives storage
	require.Len(t, history, 2)
	e := history[1]
	assert.Equal(t, product, e.ProductID)
	assert.Equal(t, y, e.SellerID)
	assert.Equal(t, catalog.Price(3), *e.OldPrice)
	assert.Equal(t, catalog.Price(1), *e.NewPrice)
	assert.Equal(t, int64(-2), e.Difference)
	require.True(t, e.Percentage.Valid)
	assert.Equal(t, "-66.67", e.Percentage.Decimal.StringFixed(2))
	assert.True(t, at.Equal(e.CreatedAt))
	assert.False(t, history[0].Percentage.Valid)
}

func TestSaveProduct_UpsertsByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.SaveProduct(ctx, catalog.Product{Name: "old", Visible: true})
	require.NoError(t, err)

	_, err = store.SaveProduct(ctx, catalog.Product{ID: id, Name: "new", Visible: false})
	require.NoError(t, err)

	p, err := store.GetProduct(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "new", p.Name)
	assert.False(t, p.Visible)

	missing, err := store.GetProduct(ctx, id+1)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
