// Package catalogtest runs the ledger engine's behavioral tests against any
// catalog.Store, so every backend is held to the same contract.
//
// Usage from a store package:
//
//	func TestEngine(t *testing.T) {
//		catalogtest.Run(t, func(t *testing.T) catalogtest.Backend {
//			s, err := sqlite.New(":memory:")
//			require.NoError(t, err)
//			t.Cleanup(func() { s.Close() })
//			return s
//		})
//	}
package catalogtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/price-ledger/catalog"
	"github.com/pricewatch/price-ledger/events"
)

// Backend is a store that can also be seeded with reference data.
type Backend interface {
	catalog.Store
	catalog.CatalogWriter
}

// Factory returns an empty backend. It is called once per subtest.
type Factory func(t *testing.T) Backend

// Run executes the whole suite.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f *Fixture)
	}{
		{"CreateFirstListingRecordsAppearance", testCreateFirstListing},
		{"CreateHigherListingRecordsNothing", testCreateHigherListing},
		{"CreateLowerListingRecordsDrop", testCreateLowerListing},
		{"CreateDuplicateSellerConflicts", testCreateDuplicateSeller},
		{"CreateMissingReferencesNotFound", testCreateMissingReferences},
		{"CreateRejectsInvalidInput", testCreateInvalidInput},
		{"UpdateUndercutRecordsDrop", testUpdateUndercut},
		{"UpdateSamePriceIsNoop", testUpdateSamePrice},
		{"UpdateExtremeJumpIsRecorded", testUpdateExtremeJump},
		{"UpdateNonLowestRecordsNothing", testUpdateNonLowest},
		{"UpdateLowestAboveOtherHandsOver", testUpdateLowestAboveOther},
		{"UpdateRejectsProductReassignment", testUpdateProductMismatch},
		{"UpdateSellerChangeConflicts", testUpdateSellerConflict},
		{"UpdateMissingListingNotFound", testUpdateMissingListing},
		{"DeleteOnlyListingRecordsRemoval", testDeleteOnlyListing},
		{"DeleteLowestHandsOver", testDeleteLowest},
		{"DeleteNonLowestRecordsNothing", testDeleteNonLowest},
		{"DeleteMissingListingNotFound", testDeleteMissing},
		{"TiesResolveToLowestID", testTieBreak},
		{"TransferCollisionMovesNothing", testTransferCollision},
		{"TransferEmptyingSourceHidesIt", testTransferEmptiesSource},
		{"TransferPartialKeepsSourceVisible", testTransferPartial},
		{"TransferRejectsInvalidInput", testTransferInvalidInput},
		{"TransferIgnoresForeignListings", testTransferForeignListings},
		{"FailedAppendRollsBackMutation", testRollbackOnAppendFailure},
		{"PublishesOnlyCommittedChanges", testPublishing},
		{"HistoryPagination", testHistoryPagination},
		{"AuditorDetectsNoDriftAfterEngineWrites", testAuditorClean},
		{"ConcurrentUpdatesKeepLedgerSound", testConcurrentUpdates},
		{"OppositeTransfersDoNotDeadlock", testOppositeTransfers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, NewFixture(t, newBackend(t)))
		})
	}
}

// =============================================================================
// FIXTURE
// =============================================================================

// Fixture bundles a backend, an engine writing to it and a recorder that
// captures everything the engine publishes.
type Fixture struct {
	Ctx      context.Context
	Store    Backend
	Engine   *catalog.Engine
	Recorder *events.Recorder
}

func NewFixture(t *testing.T, store Backend) *Fixture {
	rec := &events.Recorder{}
	engine := catalog.NewEngine(store)
	engine.Publisher = rec
	return &Fixture{Ctx: context.Background(), Store: store, Engine: engine, Recorder: rec}
}

func (f *Fixture) Product(t *testing.T, name string) catalog.ProductID {
	t.Helper()
	id, err := f.Store.SaveProduct(f.Ctx, catalog.Product{Name: name, Visible: true})
	require.NoError(t, err)
	return id
}

func (f *Fixture) Seller(t *testing.T, name string) catalog.SellerID {
	t.Helper()
	id, err := f.Store.SaveSeller(f.Ctx, catalog.Seller{Name: name, SiteURL: "https://" + name + ".example.com"})
	require.NoError(t, err)
	return id
}

func (f *Fixture) List(t *testing.T, product catalog.ProductID, seller catalog.SellerID, price catalog.Price) *catalog.Listing {
	t.Helper()
	l, err := f.Engine.CreateListing(f.Ctx, catalog.CreateListingInput{
		ProductID: product,
		SellerID:  seller,
		Price:     price,
		URL:       fmt.Sprintf("https://shop.example.com/%d/%d", product, seller),
	})
	require.NoError(t, err)
	return l
}

func (f *Fixture) SetPrice(t *testing.T, l *catalog.Listing, price catalog.Price) error {
	t.Helper()
	_, err := f.Engine.UpdateListing(f.Ctx, catalog.UpdateListingInput{
		ListingID: l.ID,
		ProductID: l.ProductID,
		SellerID:  l.SellerID,
		Price:     price,
		URL:       l.URL,
	})
	return err
}

// History returns every entry for a product, oldest first.
func (f *Fixture) History(t *testing.T, product catalog.ProductID) []catalog.HistoryEntry {
	t.Helper()
	newest, err := f.Store.History(f.Ctx, product, 0, 0)
	require.NoError(t, err)
	out := make([]catalog.HistoryEntry, len(newest))
	for i, e := range newest {
		out[len(newest)-1-i] = e
	}
	return out
}

func (f *Fixture) Lowest(t *testing.T, product catalog.ProductID) *catalog.Price {
	t.Helper()
	l, err := f.Engine.Lowest(f.Ctx, product)
	require.NoError(t, err)
	if l == nil {
		return nil
	}
	return catalog.PricePtr(l.Price)
}

func (f *Fixture) Visible(t *testing.T, product catalog.ProductID) bool {
	t.Helper()
	p, err := f.Store.GetProduct(f.Ctx, product)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p.Visible
}

func (f *Fixture) Count(t *testing.T, product catalog.ProductID) int {
	t.Helper()
	n, err := f.Store.CountListings(f.Ctx, product)
	require.NoError(t, err)
	return n
}

// AssertSound checks that a product's history is an unbroken chain of real
// transitions that ends at the current lowest price.
func (f *Fixture) AssertSound(t *testing.T, product catalog.ProductID) {
	t.Helper()
	var prev *catalog.Price
	for i, e := range f.History(t, product) {
		assert.Equal(t, priceOf(prev), priceOf(e.OldPrice), "entry %d old price breaks the chain", i)
		assert.NotEqual(t, priceOf(e.OldPrice), priceOf(e.NewPrice), "entry %d is not a transition", i)
		prev = e.NewPrice
	}
	assert.Equal(t, priceOf(prev), priceOf(f.Lowest(t, product)), "history does not end at the current lowest")
}

func priceOf(p *catalog.Price) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func assertEntry(t *testing.T, e catalog.HistoryEntry, seller catalog.SellerID, oldPrice, newPrice *catalog.Price, diff int64, pct string) {
	t.Helper()
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, seller, e.SellerID, "seller")
	assert.Equal(t, priceOf(oldPrice), priceOf(e.OldPrice), "old price")
	assert.Equal(t, priceOf(newPrice), priceOf(e.NewPrice), "new price")
	assert.Equal(t, diff, e.Difference, "difference")
	if pct == "" {
		assert.False(t, e.Percentage.Valid, "percentage should be undefined")
	} else if assert.True(t, e.Percentage.Valid, "percentage should be defined") {
		assert.Equal(t, pct, e.Percentage.Decimal.StringFixed(2), "percentage")
	}
}

var p = catalog.PricePtr

// =============================================================================
// CREATE
// =============================================================================

func testCreateFirstListing(t *testing.T, f *Fixture) {
	// GIVEN: A product with no listings
	product := f.Product(t, "A")
	x := f.Seller(t, "x")

	// WHEN: The first seller lists it
	l := f.List(t, product, x, 1000)

	// THEN: The listing comes back with its seller, and none -> 1000 is recorded
	assert.Equal(t, catalog.Price(1000), l.Price)
	assert.Equal(t, x, l.Seller.ID)
	assert.Equal(t, "x", l.Seller.Name)

	history := f.History(t, product)
	require.Len(t, history, 1)
	assertEntry(t, history[0], x, nil, p(1000), 1000, "")
}

func testCreateHigherListing(t *testing.T, f *Fixture) {
	// GIVEN: A product whose lowest price is 1000
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)

	// WHEN: A more expensive listing is added
	f.List(t, product, f.Seller(t, "y"), 1200)

	// THEN: Only the first appearance is in the ledger
	assert.Len(t, f.History(t, product), 1)
	assert.Equal(t, int64(1000), priceOf(f.Lowest(t, product)))
}

func testCreateLowerListing(t *testing.T, f *Fixture) {
	// GIVEN: Lowest price 1000
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)
	y := f.Seller(t, "y")

	// WHEN: A cheaper listing arrives
	f.List(t, product, y, 800)

	// THEN: 1000 -> 800 by seller y
	history := f.History(t, product)
	require.Len(t, history, 2)
	assertEntry(t, history[1], y, p(1000), p(800), -200, "-20.00")
	f.AssertSound(t, product)
}

func testCreateDuplicateSeller(t *testing.T, f *Fixture) {
	// GIVEN: Seller x already lists product A
	product := f.Product(t, "A")
	x := f.Seller(t, "x")
	f.List(t, product, x, 1000)

	// WHEN: x tries to list A again, cheaper
	_, err := f.Engine.CreateListing(f.Ctx, catalog.CreateListingInput{
		ProductID: product, SellerID: x, Price: 500, URL: "https://x.example.com/again",
	})

	// THEN: Conflict, nothing written
	require.Error(t, err)
	assert.True(t, catalog.IsConflict(err))
	var conflict *catalog.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, x, conflict.SellerID)
	assert.Equal(t, 1, f.Count(t, product))
	assert.Len(t, f.History(t, product), 1)
}

func testCreateMissingReferences(t *testing.T, f *Fixture) {
	product := f.Product(t, "A")
	x := f.Seller(t, "x")

	// WHEN: The product does not exist
	_, err := f.Engine.CreateListing(f.Ctx, catalog.CreateListingInput{
		ProductID: 9999, SellerID: x, Price: 100, URL: "https://x.example.com",
	})
	var nf *catalog.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, catalog.KindProduct, nf.Kind)

	// WHEN: The seller does not exist
	_, err = f.Engine.CreateListing(f.Ctx, catalog.CreateListingInput{
		ProductID: product, SellerID: 9999, Price: 100, URL: "https://x.example.com",
	})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, catalog.KindSeller, nf.Kind)

	// THEN: Nothing was written
	assert.Zero(t, f.Count(t, product))
	assert.Empty(t, f.History(t, product))
}

func testCreateInvalidInput(t *testing.T, f *Fixture) {
	product := f.Product(t, "A")
	x := f.Seller(t, "x")

	cases := []struct {
		name  string
		in    catalog.CreateListingInput
		field string
	}{
		{"missing product", catalog.CreateListingInput{SellerID: x, Price: 1, URL: "u"}, "productId"},
		{"missing seller", catalog.CreateListingInput{ProductID: product, Price: 1, URL: "u"}, "sellerSiteId"},
		{"zero price", catalog.CreateListingInput{ProductID: product, SellerID: x, URL: "u"}, "price"},
		{"negative price", catalog.CreateListingInput{ProductID: product, SellerID: x, Price: -5, URL: "u"}, "price"},
		{"blank url", catalog.CreateListingInput{ProductID: product, SellerID: x, Price: 1, URL: "  "}, "sellerUrl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Engine.CreateListing(f.Ctx, tc.in)
			var inv *catalog.InvalidArgumentError
			require.ErrorAs(t, err, &inv)
			assert.Equal(t, tc.field, inv.Field)
		})
	}
	assert.Zero(t, f.Count(t, product))
}

// =============================================================================
// UPDATE
// =============================================================================

func testUpdateUndercut(t *testing.T, f *Fixture) {
	// GIVEN: A {x:1000, y:1200}
	product := f.Product(t, "A")
	x, y := f.Seller(t, "x"), f.Seller(t, "y")
	f.List(t, product, x, 1000)
	ly := f.List(t, product, y, 1200)

	// WHEN: y drops to 900
	require.NoError(t, f.SetPrice(t, ly, 900))

	// THEN: Exactly one new entry: 1000 -> 900, -100, -10.00%
	history := f.History(t, product)
	require.Len(t, history, 2)
	assertEntry(t, history[1], y, p(1000), p(900), -100, "-10.00")
	f.AssertSound(t, product)
}

func testUpdateSamePrice(t *testing.T, f *Fixture) {
	// GIVEN: The lowest listing at 1000
	product := f.Product(t, "A")
	l := f.List(t, product, f.Seller(t, "x"), 1000)

	// WHEN: It is "updated" to the price it already has, twice
	require.NoError(t, f.SetPrice(t, l, 1000))
	require.NoError(t, f.SetPrice(t, l, 1000))

	// THEN: No entry beyond the first appearance
	assert.Len(t, f.History(t, product), 1)
}

func testUpdateExtremeJump(t *testing.T, f *Fixture) {
	// GIVEN: The lowest listing at the smallest possible price
	product := f.Product(t, "A")
	x := f.Seller(t, "x")
	l := f.List(t, product, x, 1)

	// WHEN: It jumps close to the largest storable price
	const top = catalog.Price(9_000_000_000_000_000_000)
	require.NoError(t, f.SetPrice(t, l, top))

	// THEN: The jump is stored with its full percentage
	history := f.History(t, product)
	require.Len(t, history, 2)
	assertEntry(t, history[1], x, p(1), p(top), int64(top)-1, "899999999999999999900.00")
}

func testUpdateNonLowest(t *testing.T, f *Fixture) {
	// GIVEN: A {x:1000, y:1200}
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)
	ly := f.List(t, product, f.Seller(t, "y"), 1200)

	// WHEN: y moves but stays above 1000
	require.NoError(t, f.SetPrice(t, ly, 1100))

	// THEN: Lowest unchanged, no entry
	assert.Len(t, f.History(t, product), 1)
	assert.Equal(t, int64(1000), priceOf(f.Lowest(t, product)))
}

func testUpdateLowestAboveOther(t *testing.T, f *Fixture) {
	// GIVEN: A {x:1000, y:1200}
	product := f.Product(t, "A")
	lx := f.List(t, product, f.Seller(t, "x"), 1000)
	y := f.Seller(t, "y")
	f.List(t, product, y, 1200)

	// WHEN: x raises to 1500
	require.NoError(t, f.SetPrice(t, lx, 1500))

	// THEN: Lowest passes to y: 1000 -> 1200
	history := f.History(t, product)
	require.Len(t, history, 2)
	assertEntry(t, history[1], y, p(1000), p(1200), 200, "20.00")
}

func testUpdateProductMismatch(t *testing.T, f *Fixture) {
	// GIVEN: A listing on A and another product B
	a, b := f.Product(t, "A"), f.Product(t, "B")
	l := f.List(t, a, f.Seller(t, "x"), 1000)

	// WHEN: The update names B
	_, err := f.Engine.UpdateListing(f.Ctx, catalog.UpdateListingInput{
		ListingID: l.ID, ProductID: b, SellerID: l.SellerID, Price: 10, URL: l.URL,
	})

	// THEN: InvalidArgument; the listing is untouched and still on A
	var inv *catalog.InvalidArgumentError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "productId", inv.Field)
	assert.Equal(t, 1, f.Count(t, a))
	assert.Zero(t, f.Count(t, b))
	assert.Equal(t, int64(1000), priceOf(f.Lowest(t, a)))

	// WHEN: The update names a product that does not exist
	_, err = f.Engine.UpdateListing(f.Ctx, catalog.UpdateListingInput{
		ListingID: l.ID, ProductID: 9999, SellerID: l.SellerID, Price: 10, URL: l.URL,
	})

	// THEN: NotFound
	assert.True(t, catalog.IsNotFound(err))
}

func testUpdateSellerConflict(t *testing.T, f *Fixture) {
	// GIVEN: A {x:1000, y:1200}
	product := f.Product(t, "A")
	x := f.Seller(t, "x")
	f.List(t, product, x, 1000)
	ly := f.List(t, product, f.Seller(t, "y"), 1200)

	// WHEN: y's listing is reassigned to seller x
	_, err := f.Engine.UpdateListing(f.Ctx, catalog.UpdateListingInput{
		ListingID: ly.ID, ProductID: product, SellerID: x, Price: 500, URL: ly.URL,
	})

	// THEN: Conflict and nothing changed
	assert.True(t, catalog.IsConflict(err))
	assert.Len(t, f.History(t, product), 1)
	got, err := f.Store.GetListing(f.Ctx, ly.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.Price(1200), got.Price)
}

func testUpdateMissingListing(t *testing.T, f *Fixture) {
	product := f.Product(t, "A")
	x := f.Seller(t, "x")

	_, err := f.Engine.UpdateListing(f.Ctx, catalog.UpdateListingInput{
		ListingID: 4242, ProductID: product, SellerID: x, Price: 10, URL: "u",
	})

	var nf *catalog.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, catalog.KindListing, nf.Kind)
	assert.Equal(t, int64(4242), nf.ID)
}

// =============================================================================
// DELETE
// =============================================================================

func testDeleteOnlyListing(t *testing.T, f *Fixture) {
	// GIVEN: A's only listing is x:1000
	product := f.Product(t, "A")
	x := f.Seller(t, "x")
	l := f.List(t, product, x, 1000)

	// WHEN: It is deleted
	deleted, err := f.Engine.DeleteListing(f.Ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, l.ID, deleted.ID)

	// THEN: 1000 -> none is recorded against x, visibility untouched
	history := f.History(t, product)
	require.Len(t, history, 2)
	assertEntry(t, history[1], x, p(1000), nil, -1000, "-100.00")
	assert.Nil(t, f.Lowest(t, product))
	assert.True(t, f.Visible(t, product))
	f.AssertSound(t, product)
}

func testDeleteLowest(t *testing.T, f *Fixture) {
	// GIVEN: A {x:1000, y:1200}
	product := f.Product(t, "A")
	lx := f.List(t, product, f.Seller(t, "x"), 1000)
	y := f.Seller(t, "y")
	f.List(t, product, y, 1200)

	// WHEN: x is deleted
	_, err := f.Engine.DeleteListing(f.Ctx, lx.ID)
	require.NoError(t, err)

	// THEN: 1000 -> 1200 held by y
	history := f.History(t, product)
	require.Len(t, history, 2)
	assertEntry(t, history[1], y, p(1000), p(1200), 200, "20.00")
}

func testDeleteNonLowest(t *testing.T, f *Fixture) {
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)
	ly := f.List(t, product, f.Seller(t, "y"), 1200)

	_, err := f.Engine.DeleteListing(f.Ctx, ly.ID)
	require.NoError(t, err)

	assert.Len(t, f.History(t, product), 1)
	assert.Equal(t, 1, f.Count(t, product))
}

func testDeleteMissing(t *testing.T, f *Fixture) {
	_, err := f.Engine.DeleteListing(f.Ctx, 777)
	assert.True(t, catalog.IsNotFound(err))

	_, err = f.Engine.DeleteListing(f.Ctx, 0)
	assert.True(t, catalog.IsInvalidArgument(err))
}

func testTieBreak(t *testing.T, f *Fixture) {
	// GIVEN: Two listings at the same price
	product := f.Product(t, "A")
	lx := f.List(t, product, f.Seller(t, "x"), 1000)
	ly := f.List(t, product, f.Seller(t, "y"), 1000)

	// THEN: The lower id wins
	lowest, err := f.Engine.Lowest(f.Ctx, product)
	require.NoError(t, err)
	assert.Equal(t, lx.ID, lowest.ID)

	// WHEN: The winner is deleted
	_, err = f.Engine.DeleteListing(f.Ctx, lx.ID)
	require.NoError(t, err)

	// THEN: Same price, different holder: not a transition
	lowest, err = f.Engine.Lowest(f.Ctx, product)
	require.NoError(t, err)
	assert.Equal(t, ly.ID, lowest.ID)
	assert.Len(t, f.History(t, product), 1)
}

// =============================================================================
// TRANSFER
// =============================================================================

func testTransferCollision(t *testing.T, f *Fixture) {
	// GIVEN: A {x:1000}, B {x:1000, y:900}
	a, b := f.Product(t, "A"), f.Product(t, "B")
	x, y := f.Seller(t, "x"), f.Seller(t, "y")
	lax := f.List(t, a, x, 1000)
	f.List(t, b, x, 1000)
	f.List(t, b, y, 900)
	historyA, historyB := f.History(t, a), f.History(t, b)

	// WHEN: x's listing moves from A to B
	_, err := f.Engine.TransferListings(f.Ctx, catalog.TransferInput{
		SourceProductID: a, TargetProductID: b, ListingIDs: []catalog.ListingID{lax.ID},
	})

	// THEN: Conflict; both products and both ledgers are unchanged
	assert.True(t, catalog.IsConflict(err))
	assert.Equal(t, 1, f.Count(t, a))
	assert.Equal(t, 2, f.Count(t, b))
	assert.Equal(t, historyA, f.History(t, a))
	assert.Equal(t, historyB, f.History(t, b))
	assert.True(t, f.Visible(t, a))
}

func testTransferEmptiesSource(t *testing.T, f *Fixture) {
	// GIVEN: A {x:800, y:1100}, B {z:1000}
	a, b := f.Product(t, "A"), f.Product(t, "B")
	x, y, z := f.Seller(t, "x"), f.Seller(t, "y"), f.Seller(t, "z")
	lx := f.List(t, a, x, 800)
	ly := f.List(t, a, y, 1100)
	f.List(t, b, z, 1000)
	f.Recorder = resetRecorder(f)

	// WHEN: Every listing of A moves to B
	res, err := f.Engine.TransferListings(f.Ctx, catalog.TransferInput{
		SourceProductID: a, TargetProductID: b, ListingIDs: []catalog.ListingID{lx.ID, ly.ID, lx.ID},
	})
	require.NoError(t, err)

	// THEN: Two moved, A is empty and hidden, both ledgers moved
	assert.Equal(t, 2, res.Transferred)
	assert.Zero(t, res.RemainingSource)
	assert.True(t, res.SourceHidden)
	assert.False(t, f.Visible(t, a))
	assert.True(t, f.Visible(t, b))
	require.Len(t, res.History, 2)

	histA := f.History(t, a)
	assertEntry(t, histA[len(histA)-1], x, p(800), nil, -800, "-100.00")
	histB := f.History(t, b)
	assertEntry(t, histB[len(histB)-1], x, p(1000), p(800), -200, "-20.00")

	f.AssertSound(t, a)
	f.AssertSound(t, b)

	changes := f.Recorder.Changes()
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, catalog.CauseTransfer, c.Cause)
	}
}

func testTransferPartial(t *testing.T, f *Fixture) {
	// GIVEN: A {x:800, y:1100}, B {z:1000}
	a, b := f.Product(t, "A"), f.Product(t, "B")
	f.List(t, a, f.Seller(t, "x"), 800)
	ly := f.List(t, a, f.Seller(t, "y"), 1100)
	f.List(t, b, f.Seller(t, "z"), 1000)

	// WHEN: Only y moves
	res, err := f.Engine.TransferListings(f.Ctx, catalog.TransferInput{
		SourceProductID: a, TargetProductID: b, ListingIDs: []catalog.ListingID{ly.ID},
	})
	require.NoError(t, err)

	// THEN: Neither lowest changed; A stays visible
	assert.Equal(t, 1, res.Transferred)
	assert.Equal(t, 1, res.RemainingSource)
	assert.False(t, res.SourceHidden)
	assert.Empty(t, res.History)
	assert.True(t, f.Visible(t, a))
	assert.Equal(t, 2, f.Count(t, b))
}

func testTransferInvalidInput(t *testing.T, f *Fixture) {
	a, b := f.Product(t, "A"), f.Product(t, "B")
	l := f.List(t, a, f.Seller(t, "x"), 100)

	cases := []struct {
		name string
		in   catalog.TransferInput
		is   error
	}{
		{"empty ids", catalog.TransferInput{SourceProductID: a, TargetProductID: b}, catalog.ErrInvalidArgument},
		{"missing source", catalog.TransferInput{TargetProductID: b, ListingIDs: []catalog.ListingID{l.ID}}, catalog.ErrInvalidArgument},
		{"same product", catalog.TransferInput{SourceProductID: a, TargetProductID: a, ListingIDs: []catalog.ListingID{l.ID}}, catalog.ErrInvalidArgument},
		{"unknown target", catalog.TransferInput{SourceProductID: a, TargetProductID: 9999, ListingIDs: []catalog.ListingID{l.ID}}, catalog.ErrNotFound},
		{"unknown listing", catalog.TransferInput{SourceProductID: a, TargetProductID: b, ListingIDs: []catalog.ListingID{9999}}, catalog.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.Engine.TransferListings(f.Ctx, tc.in)
			assert.ErrorIs(t, err, tc.is)
		})
	}
	assert.Equal(t, 1, f.Count(t, a))
}

func testTransferForeignListings(t *testing.T, f *Fixture) {
	// GIVEN: A {x}, B {y}, C {z}
	a, b, c := f.Product(t, "A"), f.Product(t, "B"), f.Product(t, "C")
	la := f.List(t, a, f.Seller(t, "x"), 100)
	f.List(t, b, f.Seller(t, "y"), 200)
	lc := f.List(t, c, f.Seller(t, "z"), 300)

	// WHEN: The request also names C's listing
	res, err := f.Engine.TransferListings(f.Ctx, catalog.TransferInput{
		SourceProductID: a, TargetProductID: b, ListingIDs: []catalog.ListingID{la.ID, lc.ID},
	})
	require.NoError(t, err)

	// THEN: Only A's listing moved; C is untouched
	assert.Equal(t, 1, res.Transferred)
	assert.Equal(t, 1, f.Count(t, c))
	got, err := f.Store.GetListing(f.Ctx, lc.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got.ProductID)
}

// =============================================================================
// ATOMICITY, EVENTS, READS
// =============================================================================

func testRollbackOnAppendFailure(t *testing.T, f *Fixture) {
	// GIVEN: A {x:1000} and a store whose ledger append fails
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)
	y := f.Seller(t, "y")

	failing := &failingAppendStore{Backend: f.Store}
	engine := catalog.NewEngine(failing)
	rec := &events.Recorder{}
	engine.Publisher = rec

	// WHEN: A cheaper listing is created through it
	_, err := engine.CreateListing(f.Ctx, catalog.CreateListingInput{
		ProductID: product, SellerID: y, Price: 500, URL: "https://y.example.com",
	})

	// THEN: Internal error, the insert was rolled back, nothing published
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrInternal)
	assert.Equal(t, 1, f.Count(t, product))
	assert.Len(t, f.History(t, product), 1)
	assert.Empty(t, rec.Changes())
}

func testPublishing(t *testing.T, f *Fixture) {
	// GIVEN: A publisher that fails
	product := f.Product(t, "A")
	f.Recorder.Err = errors.New("broker down")

	// WHEN: Two changes and one no-op happen
	l := f.List(t, product, f.Seller(t, "x"), 1000)
	require.NoError(t, f.SetPrice(t, l, 1000))
	require.NoError(t, f.SetPrice(t, l, 900))

	// THEN: Both transitions were published, the failure did not undo them
	changes := f.Recorder.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, catalog.CauseCreate, changes[0].Cause)
	assert.Equal(t, catalog.CauseUpdate, changes[1].Cause)
	assert.NotEqual(t, changes[0].EventID, changes[1].EventID)
	assert.Len(t, f.History(t, product), 2)
	assert.Equal(t, f.History(t, product)[1].ID, changes[1].Entry.ID)
}

func testHistoryPagination(t *testing.T, f *Fixture) {
	product := f.Product(t, "A")
	l := f.List(t, product, f.Seller(t, "x"), 1000)
	for _, price := range []catalog.Price{900, 800, 700, 600} {
		require.NoError(t, f.SetPrice(t, l, price))
	}

	page, err := f.Store.History(f.Ctx, product, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(600), priceOf(page[0].NewPrice))
	assert.Equal(t, int64(700), priceOf(page[1].NewPrice))

	page, err = f.Store.History(f.Ctx, product, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Nil(t, page[0].OldPrice)

	page, err = f.Store.History(f.Ctx, product, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func testAuditorClean(t *testing.T, f *Fixture) {
	a, b := f.Product(t, "A"), f.Product(t, "B")
	f.Product(t, "never listed")
	l := f.List(t, a, f.Seller(t, "x"), 1000)
	f.List(t, b, f.Seller(t, "y"), 500)
	require.NoError(t, f.SetPrice(t, l, 700))
	_, err := f.Engine.TransferListings(f.Ctx, catalog.TransferInput{
		SourceProductID: a, TargetProductID: b, ListingIDs: []catalog.ListingID{l.ID},
	})
	require.NoError(t, err)

	drifts, err := catalog.NewAuditor(f.Store).Check(f.Ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func testConcurrentUpdates(t *testing.T, f *Fixture) {
	// GIVEN: One product with eight sellers
	product := f.Product(t, "A")
	const sellers = 8
	listings := make([]*catalog.Listing, sellers)
	for i := range listings {
		listings[i] = f.List(t, product, f.Seller(t, fmt.Sprintf("s%d", i)), catalog.Price(1000+i*10))
	}

	// WHEN: Every seller reprices repeatedly, all at once
	var wg sync.WaitGroup
	errs := make(chan error, sellers*5)
	for i, l := range listings {
		wg.Add(1)
		go func(i int, l *catalog.Listing) {
			defer wg.Done()
			for round := 0; round < 5; round++ {
				price := catalog.Price(500 + ((i*7+round*3)%11)*50)
				if _, err := f.Engine.UpdateListing(f.Ctx, catalog.UpdateListingInput{
					ListingID: l.ID, ProductID: product, SellerID: l.SellerID, Price: price, URL: l.URL,
				}); err != nil {
					errs <- err
				}
			}
		}(i, l)
	}
	wg.Wait()
	close(errs)

	// THEN: No failures, and the ledger is an unbroken chain of transitions
	for err := range errs {
		t.Errorf("concurrent update failed: %v", err)
	}
	f.AssertSound(t, product)
}

func testOppositeTransfers(t *testing.T, f *Fixture) {
	// GIVEN: A and B with disjoint sellers
	a, b := f.Product(t, "A"), f.Product(t, "B")
	var fromA, fromB []catalog.ListingID
	for i := 0; i < 4; i++ {
		fromA = append(fromA, f.List(t, a, f.Seller(t, fmt.Sprintf("a%d", i)), catalog.Price(100+i)).ID)
		fromB = append(fromB, f.List(t, b, f.Seller(t, fmt.Sprintf("b%d", i)), catalog.Price(200+i)).ID)
	}

	// WHEN: A -> B and B -> A run at the same time, one listing each, repeatedly
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	run := func(src, dst catalog.ProductID, ids []catalog.ListingID) {
		defer wg.Done()
		for _, id := range ids {
			if _, err := f.Engine.TransferListings(f.Ctx, catalog.TransferInput{
				SourceProductID: src, TargetProductID: dst, ListingIDs: []catalog.ListingID{id},
			}); err != nil {
				errs <- err
			}
		}
	}
	wg.Add(2)
	go run(a, b, fromA[:3])
	go run(b, a, fromB[:3])
	wg.Wait()
	close(errs)

	// THEN: All finished, counts add up, ledgers are sound
	for err := range errs {
		t.Errorf("transfer failed: %v", err)
	}
	assert.Equal(t, 4, f.Count(t, a))
	assert.Equal(t, 4, f.Count(t, b))
	f.AssertSound(t, a)
	f.AssertSound(t, b)
}

// =============================================================================
// HELPERS
// =============================================================================

func resetRecorder(f *Fixture) *events.Recorder {
	rec := &events.Recorder{}
	f.Engine.Publisher = rec
	return rec
}

// failingAppendStore makes every history append fail inside a real
// transaction of the wrapped backend.
type failingAppendStore struct {
	Backend
}

func (s *failingAppendStore) WithTx(ctx context.Context, fn func(catalog.Tx) error) error {
	return s.Backend.WithTx(ctx, func(tx catalog.Tx) error {
		return fn(failingAppendTx{Tx: tx})
	})
}

type failingAppendTx struct {
	catalog.Tx
}

func (failingAppendTx) AppendHistory(context.Context, catalog.HistoryEntry) error {
	return errors.New("disk full")
}
