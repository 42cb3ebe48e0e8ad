/*
scenarios_test.go - Tests for demo catalog loading

Each scenario must load on a fresh and on an already-populated store,
leave a ledger without drift and show the transitions it describes.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/price-ledger/catalog"
)

func historyOldestFirst(t *testing.T, ts *testServer, product catalog.ProductID) []catalog.HistoryEntry {
	t.Helper()
	newest, err := ts.store.History(context.Background(), product, 0, 0)
	require.NoError(t, err)
	out := make([]catalog.HistoryEntry, 0, len(newest))
	for i := len(newest) - 1; i >= 0; i-- {
		out = append(out, newest[i])
	}
	return out
}

func newPrices(entries []catalog.HistoryEntry) []any {
	out := make([]any, len(entries))
	for i, e := range entries {
		if e.NewPrice != nil {
			out[i] = int64(*e.NewPrice)
		}
	}
	return out
}

func TestScenario_PriceDrop(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.handler.Seed(context.Background(), "price-drop"))

	// none -> 1,000,000 -> 900,000; BudgetBuy at 950,000 changes nothing
	entries := historyOldestFirst(t, ts, 1)
	assert.Equal(t, []any{int64(1_000_000), int64(900_000)}, newPrices(entries))
	assert.Equal(t, "-10.00", entries[1].Percentage.Decimal.StringFixed(2))
}

func TestScenario_MergeDuplicates(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.handler.Seed(context.Background(), "merge-duplicates"))

	canonical, duplicate := catalog.ProductID(1), catalog.ProductID(2)
	assert.Equal(t, []any{int64(1_150_000), int64(1_090_000)}, newPrices(historyOldestFirst(t, ts, canonical)))
	assert.Equal(t, []any{int64(1_090_000), nil}, newPrices(historyOldestFirst(t, ts, duplicate)))

	p, err := ts.store.GetProduct(context.Background(), duplicate)
	require.NoError(t, err)
	assert.False(t, p.Visible)

	n, err := ts.store.CountListings(context.Background(), canonical)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestScenario_SoldOut(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.handler.Seed(context.Background(), "sold-out"))

	// none -> 629,000 -> 599,000 -> 629,000 -> none
	entries := historyOldestFirst(t, ts, 1)
	assert.Equal(t, []any{int64(629_000), int64(599_000), int64(629_000), nil}, newPrices(entries))

	p, err := ts.store.GetProduct(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, p.Visible)
}

func TestScenario_ReloadReplacesEverything(t *testing.T) {
	// GIVEN: A loaded scenario
	ts := newTestServer(t)
	require.NoError(t, ts.handler.Seed(context.Background(), "merge-duplicates"))

	// WHEN: Another one is loaded over it through the API
	status := ts.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "sold-out"}, nil)
	require.Equal(t, http.StatusOK, status)

	// THEN: Only the new catalog exists, and it has no drift
	ids, err := ts.store.ProductIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []catalog.ProductID{1}, ids)

	var current ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Equal(t, "sold-out", current.ID)

	drifts, err := ts.handler.Auditor.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestScenario_Unknown(t *testing.T) {
	ts := newTestServer(t)

	var resp ErrorResponse
	status := ts.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, &resp)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.ErrorIs(t, ts.handler.Seed(context.Background(), "nope"), ErrUnknownScenario)

	var current *ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Nil(t, current)
}

func TestListScenarios(t *testing.T) {
	ts := newTestServer(t)

	var list []ScenarioDTO
	require.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/scenarios", nil, &list))

	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"price-drop", "merge-duplicates", "sold-out"}, ids)
}
