/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Status mapping (201/200/400/404/409)
- Request/response JSON shapes
- History pagination and validation
- Drift report (fresh and cached)
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/price-ledger/catalog"
	"github.com/pricewatch/price-ledger/catalog/store"
)

type testServer struct {
	t       *testing.T
	store   *store.Memory
	handler *Handler
	server  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := catalog.NewEngine(mem)
	engine.Logger = logger
	h := NewHandler(mem, engine, logger)

	srv := httptest.NewServer(NewRouter(h, nil))
	t.Cleanup(srv.Close)
	return &testServer{t: t, store: mem, handler: h, server: srv}
}

func (ts *testServer) product(name string) int64 {
	ts.t.Helper()
	id, err := ts.store.SaveProduct(context.Background(), catalog.Product{Name: name, Visible: true})
	require.NoError(ts.t, err)
	return int64(id)
}

func (ts *testServer) seller(name string) int64 {
	ts.t.Helper()
	id, err := ts.store.SaveSeller(context.Background(), catalog.Seller{Name: name})
	require.NoError(ts.t, err)
	return int64(id)
}

// do sends body as JSON and decodes the response into out when out is set.
func (ts *testServer) do(method, path string, body any, out any) int {
	ts.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(ts.t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, rdr)
	require.NoError(ts.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) create(product, seller, price int64) ListingDTO {
	ts.t.Helper()
	var l ListingDTO
	status := ts.do(http.MethodPost, "/api/listings", CreateListingRequest{
		ProductID: product, SellerSiteID: seller, Price: price,
		SellerURL: fmt.Sprintf("https://shop.example.com/%d/%d", product, seller),
	}, &l)
	require.Equal(ts.t, http.StatusCreated, status)
	return l
}

func (ts *testServer) history(product int64, query string) []HistoryEntryDTO {
	ts.t.Helper()
	var entries []HistoryEntryDTO
	status := ts.do(http.MethodGet, fmt.Sprintf("/api/products/%d/history%s", product, query), nil, &entries)
	require.Equal(ts.t, http.StatusOK, status)
	return entries
}

// =============================================================================
// LISTINGS
// =============================================================================

func TestCreateListing(t *testing.T) {
	ts := newTestServer(t)
	product, x := ts.product("A"), ts.seller("x")

	// WHEN: A listing is created
	l := ts.create(product, x, 1000)

	// THEN: It is returned with its seller and the history shows it
	assert.Equal(t, product, l.ProductID)
	assert.Equal(t, x, l.SellerID)
	assert.Equal(t, int64(1000), l.Price)
	assert.Equal(t, "x", l.Seller.Name)

	entries := ts.history(product, "")
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].OldPrice)
	assert.Equal(t, int64(1000), *entries[0].NewPrice)
	assert.Nil(t, entries[0].Percentage)
}

func TestCreateListing_Errors(t *testing.T) {
	ts := newTestServer(t)
	product, x := ts.product("A"), ts.seller("x")
	ts.create(product, x, 1000)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
		field  string
	}{
		{"duplicate seller", CreateListingRequest{ProductID: product, SellerSiteID: x, Price: 5, SellerURL: "u"}, http.StatusConflict, "CONFLICT", ""},
		{"unknown product", CreateListingRequest{ProductID: 999, SellerSiteID: x, Price: 5, SellerURL: "u"}, http.StatusNotFound, "NOT_FOUND", ""},
		{"unknown seller", CreateListingRequest{ProductID: product, SellerSiteID: 999, Price: 5, SellerURL: "u"}, http.StatusNotFound, "NOT_FOUND", ""},
		{"zero price", CreateListingRequest{ProductID: product, SellerSiteID: x, SellerURL: "u"}, http.StatusBadRequest, "INVALID_ARGUMENT", "price"},
		{"missing url", CreateListingRequest{ProductID: product, SellerSiteID: x, Price: 5}, http.StatusBadRequest, "INVALID_ARGUMENT", "sellerUrl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ErrorResponse
			status := ts.do(http.MethodPost, "/api/listings", tt.body, &resp)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.field, resp.Field)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.server.URL+"/api/listings", bytes.NewBufferString("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestUpdateListing(t *testing.T) {
	// GIVEN: A {x:1000, y:1200}
	ts := newTestServer(t)
	product := ts.product("A")
	ts.create(product, ts.seller("x"), 1000)
	y := ts.seller("y")
	ly := ts.create(product, y, 1200)

	// WHEN: y drops to 900
	var updated ListingDTO
	status := ts.do(http.MethodPut, fmt.Sprintf("/api/listings/%d", ly.ID), UpdateListingRequest{
		ProductID: product, SellerSiteID: y, Price: 900, SellerURL: ly.SellerURL,
	}, &updated)

	// THEN: 1000 -> 900 by y, -10.00%
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(900), updated.Price)

	entries := ts.history(product, "")
	require.Len(t, entries, 2)
	newest := entries[0]
	assert.Equal(t, y, newest.SellerID)
	assert.Equal(t, int64(1000), *newest.OldPrice)
	assert.Equal(t, int64(900), *newest.NewPrice)
	assert.Equal(t, int64(-100), newest.Difference)
	require.NotNil(t, newest.Percentage)
	assert.Equal(t, "-10.00", *newest.Percentage)
}

func TestUpdateListing_Errors(t *testing.T) {
	ts := newTestServer(t)
	a, b := ts.product("A"), ts.product("B")
	x := ts.seller("x")
	l := ts.create(a, x, 1000)
	path := fmt.Sprintf("/api/listings/%d", l.ID)

	t.Run("body id differs from path", func(t *testing.T) {
		other := l.ID + 1
		var resp ErrorResponse
		status := ts.do(http.MethodPut, path, UpdateListingRequest{
			ID: &other, ProductID: a, SellerSiteID: x, Price: 1, SellerURL: "u",
		}, &resp)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "id", resp.Field)
	})

	t.Run("product reassignment", func(t *testing.T) {
		var resp ErrorResponse
		status := ts.do(http.MethodPut, path, UpdateListingRequest{
			ProductID: b, SellerSiteID: x, Price: 1, SellerURL: "u",
		}, &resp)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "productId", resp.Field)
	})

	t.Run("unknown listing", func(t *testing.T) {
		status := ts.do(http.MethodPut, "/api/listings/999", UpdateListingRequest{
			ProductID: a, SellerSiteID: x, Price: 1, SellerURL: "u",
		}, nil)
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("non-numeric id", func(t *testing.T) {
		var resp ErrorResponse
		status := ts.do(http.MethodPut, "/api/listings/abc", UpdateListingRequest{}, &resp)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "INVALID_ARGUMENT", resp.Code)
	})

	assert.Len(t, ts.history(a, ""), 1)
}

func TestDeleteListing(t *testing.T) {
	// GIVEN: A's only listing
	ts := newTestServer(t)
	product, x := ts.product("A"), ts.seller("x")
	l := ts.create(product, x, 1000)

	// WHEN: It is deleted
	var resp DeleteListingResponse
	status := ts.do(http.MethodDelete, fmt.Sprintf("/api/listings/%d", l.ID), nil, &resp)

	// THEN: The removal is recorded and the product has no lowest price
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, l.ID, resp.Deleted.ID)

	entries := ts.history(product, "")
	require.Len(t, entries, 2)
	assert.Nil(t, entries[0].NewPrice)
	assert.Equal(t, x, entries[0].SellerID)
	assert.Equal(t, "-100.00", *entries[0].Percentage)

	var lowest *ListingDTO
	status = ts.do(http.MethodGet, fmt.Sprintf("/api/products/%d/lowest", product), nil, &lowest)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, lowest)

	// AND: Deleting again is 404
	status = ts.do(http.MethodDelete, fmt.Sprintf("/api/listings/%d", l.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTransferListings(t *testing.T) {
	// GIVEN: A {x:800}, B {y:1000}
	ts := newTestServer(t)
	a, b := ts.product("A"), ts.product("B")
	lx := ts.create(a, ts.seller("x"), 800)
	ts.create(b, ts.seller("y"), 1000)

	// WHEN: x moves to B
	var resp TransferResponse
	status := ts.do(http.MethodPost, "/api/listings/transfer", TransferRequest{
		SourceProductID: a, TargetProductID: b, ListingIDs: []int64{lx.ID},
	}, &resp)

	// THEN: A is emptied and hidden, both ledgers record the move
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, resp.Transferred)
	assert.Equal(t, 0, resp.RemainingSourceCount)
	assert.True(t, resp.SourceHidden)
	assert.Len(t, resp.History, 2)

	var listings []ListingDTO
	status = ts.do(http.MethodGet, fmt.Sprintf("/api/products/%d/listings", b), nil, &listings)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, listings, 2)
	assert.Equal(t, int64(800), listings[0].Price)
}

func TestTransferListings_Conflict(t *testing.T) {
	// GIVEN: x lists both A and B
	ts := newTestServer(t)
	a, b := ts.product("A"), ts.product("B")
	x := ts.seller("x")
	la := ts.create(a, x, 1000)
	ts.create(b, x, 1000)

	// WHEN: x's A listing is moved to B
	var resp ErrorResponse
	status := ts.do(http.MethodPost, "/api/listings/transfer", TransferRequest{
		SourceProductID: a, TargetProductID: b, ListingIDs: []int64{la.ID},
	}, &resp)

	// THEN: 409 and nothing moved
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", resp.Code)
	var listings []ListingDTO
	ts.do(http.MethodGet, fmt.Sprintf("/api/products/%d/listings", a), nil, &listings)
	assert.Len(t, listings, 1)
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestGetHistory_Pagination(t *testing.T) {
	ts := newTestServer(t)
	product, x := ts.product("A"), ts.seller("x")
	l := ts.create(product, x, 1000)
	for _, price := range []int64{900, 800, 700} {
		status := ts.do(http.MethodPut, fmt.Sprintf("/api/listings/%d", l.ID), UpdateListingRequest{
			ProductID: product, SellerSiteID: x, Price: price, SellerURL: l.SellerURL,
		}, nil)
		require.Equal(t, http.StatusOK, status)
	}

	page := ts.history(product, "?limit=2&offset=1")
	require.Len(t, page, 2)
	assert.Equal(t, int64(800), *page[0].NewPrice)
	assert.Equal(t, int64(900), *page[1].NewPrice)

	assert.Len(t, ts.history(product, ""), 4)
	assert.Empty(t, ts.history(product, "?offset=10"))
}

func TestGetHistory_Errors(t *testing.T) {
	ts := newTestServer(t)
	product := ts.product("A")

	for _, query := range []string{"?limit=0", "?limit=501", "?limit=x", "?offset=-1"} {
		status := ts.do(http.MethodGet, fmt.Sprintf("/api/products/%d/history%s", product, query), nil, nil)
		assert.Equal(t, http.StatusBadRequest, status, query)
	}

	status := ts.do(http.MethodGet, "/api/products/999/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = ts.do(http.MethodGet, "/api/products/999/lowest", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = ts.do(http.MethodGet, "/api/products/999/listings", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestGetDrift(t *testing.T) {
	// GIVEN: One listing repriced behind the engine's back
	ts := newTestServer(t)
	product := ts.product("A")
	l := ts.create(product, ts.seller("x"), 1000)

	err := ts.store.WithTx(context.Background(), func(tx catalog.Tx) error {
		current, err := tx.GetListing(context.Background(), catalog.ListingID(l.ID))
		if err != nil {
			return err
		}
		current.Price = 10
		return tx.UpdateListing(context.Background(), *current)
	})
	require.NoError(t, err)

	// WHEN: The drift report is requested
	var report DriftReportDTO
	status := ts.do(http.MethodGet, "/api/admin/drift", nil, &report)

	// THEN: The product is listed with both prices
	require.Equal(t, http.StatusOK, status)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, product, report.Drifts[0].ProductID)
	assert.Equal(t, int64(1000), *report.Drifts[0].Recorded)
	assert.Equal(t, int64(10), *report.Drifts[0].Actual)
	assert.NotEmpty(t, report.CheckedAt)
}

func TestGetDrift_Cached(t *testing.T) {
	// GIVEN: A scheduler whose last run saw a clean ledger
	ts := newTestServer(t)
	ts.handler.Drift = NewDriftScheduler(ts.handler.Auditor, 0, ts.handler.Logger)
	ts.handler.Drift.RunNow(context.Background())

	// AND: Drift introduced after that run
	product := ts.product("A")
	ts.create(product, ts.seller("x"), 1000)
	require.NoError(t, ts.store.WithTx(context.Background(), func(tx catalog.Tx) error {
		l, err := tx.LowestListing(context.Background(), catalog.ProductID(product))
		if err != nil {
			return err
		}
		l.Price = 1
		return tx.UpdateListing(context.Background(), *l)
	}))

	// WHEN/THEN: The cached report is still clean, a fresh one is not
	var cached, fresh DriftReportDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/admin/drift?cached=true", nil, &cached))
	assert.Empty(t, cached.Drifts)

	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/admin/drift", nil, &fresh))
	assert.Len(t, fresh.Drifts, 1)
}

func TestListingID_WithoutPath(t *testing.T) {
	ts := newTestServer(t)
	product, x := ts.product("A"), ts.seller("x")

	t.Run("update with id only in body", func(t *testing.T) {
		l := ts.create(product, x, 1000)
		var updated ListingDTO
		status := ts.do(http.MethodPut, "/api/listings", UpdateListingRequest{
			ID: &l.ID, ProductID: product, SellerSiteID: x, Price: 900, SellerURL: l.SellerURL,
		}, &updated)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, l.ID, updated.ID)
		assert.Equal(t, int64(900), updated.Price)

		ts.do(http.MethodDelete, fmt.Sprintf("/api/listings/%d", l.ID), nil, nil)
	})

	t.Run("update without any id", func(t *testing.T) {
		for _, path := range []string{"/api/listings", "/api/listings/"} {
			var resp ErrorResponse
			status := ts.do(http.MethodPut, path, UpdateListingRequest{
				ProductID: product, SellerSiteID: x, Price: 900, SellerURL: "u",
			}, &resp)
			assert.Equal(t, http.StatusBadRequest, status, path)
			assert.Equal(t, "INVALID_ARGUMENT", resp.Code, path)
			assert.Equal(t, "id", resp.Field, path)
		}
	})

	t.Run("delete without any id", func(t *testing.T) {
		for _, path := range []string{"/api/listings", "/api/listings/"} {
			var resp ErrorResponse
			status := ts.do(http.MethodDelete, path, nil, &resp)
			assert.Equal(t, http.StatusBadRequest, status, path)
			assert.Equal(t, "INVALID_ARGUMENT", resp.Code, path)
			assert.Equal(t, "id", resp.Field, path)
		}
	})

	t.Run("delete with id in query", func(t *testing.T) {
		l := ts.create(product, x, 1000)
		var resp DeleteListingResponse
		status := ts.do(http.MethodDelete, fmt.Sprintf("/api/listings?id=%d", l.ID), nil, &resp)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, l.ID, resp.Deleted.ID)
	})

	t.Run("delete with id in body", func(t *testing.T) {
		l := ts.create(product, x, 1000)
		var resp DeleteListingResponse
		status := ts.do(http.MethodDelete, "/api/listings", DeleteListingRequest{ID: &l.ID}, &resp)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, l.ID, resp.Deleted.ID)
	})
}
