package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/price-ledger/catalog"
	"github.com/pricewatch/price-ledger/catalog/catalogtest"
	"github.com/pricewatch/price-ledger/catalog/store"
)

func TestEngine_MemoryStore(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) catalogtest.Backend {
		return store.NewMemory()
	})
}

func TestEngine_CanceledContextWritesNothing(t *testing.T) {
	// GIVEN: A product with one listing
	f := catalogtest.NewFixture(t, store.NewMemory())
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: A cheaper listing is created with a dead context
	_, err := f.Engine.CreateListing(ctx, catalog.CreateListingInput{
		ProductID: product, SellerID: f.Seller(t, "y"), Price: 10, URL: "https://y.example.com",
	})

	// THEN: The call fails and the ledger is untouched
	require.Error(t, err)
	assert.Equal(t, 1, f.Count(t, product))
	assert.Len(t, f.History(t, product), 1)
	assert.Len(t, f.Recorder.Changes(), 1)
}

func TestAuditor_ReportsDrift(t *testing.T) {
	// GIVEN: A listing written behind the engine's back
	mem := store.NewMemory()
	f := catalogtest.NewFixture(t, mem)
	product := f.Product(t, "A")
	x := f.Seller(t, "x")
	l := f.List(t, product, x, 1000)

	err := mem.WithTx(f.Ctx, func(tx catalog.Tx) error {
		next := *l
		next.Price = 400
		return tx.UpdateListing(f.Ctx, next)
	})
	require.NoError(t, err)

	// WHEN: The auditor runs
	drifts, err := catalog.NewAuditor(mem).Check(f.Ctx)
	require.NoError(t, err)

	// THEN: The product is reported with both prices
	require.Len(t, drifts, 1)
	assert.Equal(t, product, drifts[0].ProductID)
	assert.Equal(t, catalog.Price(1000), *drifts[0].Recorded)
	assert.Equal(t, catalog.Price(400), *drifts[0].Actual)
}

func TestLowest_EmptyProduct(t *testing.T) {
	f := catalogtest.NewFixture(t, store.NewMemory())
	product := f.Product(t, "A")

	l, err := f.Engine.Lowest(f.Ctx, product)

	require.NoError(t, err)
	assert.Nil(t, l)
}

// writeBetweenReads runs an engine write right before the first History read
// made outside a unit of work, so the auditor's unlocked reads straddle it.
type writeBetweenReads struct {
	*store.Memory
	write func()
}

func (s *writeBetweenReads) History(ctx context.Context, id catalog.ProductID, limit, offset int) ([]catalog.HistoryEntry, error) {
	if s.write != nil {
		w := s.write
		s.write = nil
		w()
	}
	return s.Memory.History(ctx, id, limit, offset)
}

func TestAuditor_IgnoresWriteBetweenReads(t *testing.T) {
	// GIVEN: A product at 1000
	mem := store.NewMemory()
	f := catalogtest.NewFixture(t, mem)
	product := f.Product(t, "A")
	l := f.List(t, product, f.Seller(t, "x"), 1000)

	// AND: A repricing that commits between the auditor's lowest and history reads
	racing := &writeBetweenReads{Memory: mem}
	racing.write = func() { require.NoError(t, f.SetPrice(t, l, 800)) }

	// WHEN: The product is checked
	_, drifted, err := catalog.NewAuditor(racing).CheckProduct(f.Ctx, product)

	// THEN: The ledger is consistent and no drift is reported
	require.NoError(t, err)
	assert.False(t, drifted)
	assert.Nil(t, racing.write, "the write must have run during the check")
	f.AssertSound(t, product)
}
