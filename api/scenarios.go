/*
scenarios.go - Demo catalogs for development and demonstrations

PURPOSE:
  Populates an empty store with products, sellers and listings that
  exercise the ledger: price drops, merges, sold-out products. Listings
  are written through catalog.Engine, never directly, so the history a
  demo shows is exactly what production would have recorded.

AVAILABLE SCENARIOS:
  price-drop:        A cheaper offer takes over the lowest price
  merge-duplicates:  Two catalog entries for one phone are merged
  sold-out:          Every seller withdraws; history ends empty

HOW SCENARIOS WORK:
  1. Reset the store (history included)
  2. Save sellers and products (reference data)
  3. Create, update, delete and transfer listings via the engine

USAGE VIA API:
  POST /api/scenarios/load
  {"scenarioId": "price-drop"}

USAGE AT STARTUP:
  ./server -seed=price-drop

NOTE:
  Scenarios wipe the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
  - catalog/engine.go: Operations the loaders drive
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pricewatch/price-ledger/catalog"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "price-drop",
		Name:        "Price Drop",
		Description: "Three sellers on one phone; a price cut moves the lowest price",
	},
	{
		ID:          "merge-duplicates",
		Name:        "Merge Duplicates",
		Description: "Duplicate catalog entry merged into the canonical one and hidden",
	},
	{
		ID:          "sold-out",
		Name:        "Sold Out",
		Description: "All listings withdrawn; history records the lowest price disappearing",
	},
}

// ErrUnknownScenario is returned for an id not in the scenario list.
var ErrUnknownScenario = fmt.Errorf("unknown scenario: %w", catalog.ErrInvalidArgument)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario wipes the store and loads a demo catalog.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Seed(r.Context(), req.ScenarioID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// Seed resets the store and loads the named scenario.
func (h *Handler) Seed(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "price-drop":
		load = h.loadPriceDropScenario
	case "merge-duplicates":
		load = h.loadMergeDuplicatesScenario
	case "sold-out":
		load = h.loadSoldOutScenario
	default:
		return fmt.Errorf("%w %q", ErrUnknownScenario, id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w: %w", catalog.ErrInternal, err)
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}

	h.currentScenario = id
	h.Logger.InfoContext(ctx, "scenario loaded", "scenario", id)
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPriceDropScenario(ctx context.Context) error {
	sellers, err := h.saveSellers(ctx, demoSellers[:3])
	if err != nil {
		return err
	}
	phone, err := h.Store.SaveProduct(ctx, catalog.Product{
		Name: "Galaxy S24 256GB", CategoryID: 1, ManufacturerID: 10, Visible: true,
	})
	if err != nil {
		return err
	}

	// MegaMart 1,000,000 then TechZone 1,200,000: lowest is 1,000,000.
	if _, err := h.list(ctx, phone, sellers[0], 1_000_000); err != nil {
		return err
	}
	techZone, err := h.list(ctx, phone, sellers[1], 1_200_000)
	if err != nil {
		return err
	}

	// TechZone undercuts: 1,000,000 -> 900,000 (-10.00%).
	if _, err := h.Engine.UpdateListing(ctx, catalog.UpdateListingInput{
		ListingID: techZone.ID,
		ProductID: phone,
		SellerID:  techZone.SellerID,
		Price:     900_000,
		URL:       techZone.URL,
	}); err != nil {
		return err
	}

	// BudgetBuy lists above the lowest: no history entry.
	_, err = h.list(ctx, phone, sellers[2], 950_000)
	return err
}

func (h *Handler) loadMergeDuplicatesScenario(ctx context.Context) error {
	sellers, err := h.saveSellers(ctx, demoSellers)
	if err != nil {
		return err
	}
	canonical, err := h.Store.SaveProduct(ctx, catalog.Product{
		Name: "iPhone 15 128GB", CategoryID: 1, ManufacturerID: 20, Visible: true,
	})
	if err != nil {
		return err
	}
	duplicate, err := h.Store.SaveProduct(ctx, catalog.Product{
		Name: "Apple iPhone 15 (128 GB)", CategoryID: 1, ManufacturerID: 20, Visible: true,
	})
	if err != nil {
		return err
	}

	if _, err := h.list(ctx, canonical, sellers[0], 1_150_000); err != nil {
		return err
	}
	if _, err := h.list(ctx, canonical, sellers[1], 1_190_000); err != nil {
		return err
	}

	// The duplicate has the cheaper offers, from sellers the canonical
	// entry does not carry yet.
	var moving []catalog.ListingID
	for i, price := range []catalog.Price{1_090_000, 1_120_000} {
		l, err := h.list(ctx, duplicate, sellers[2+i], price)
		if err != nil {
			return err
		}
		moving = append(moving, l.ID)
	}

	_, err = h.Engine.TransferListings(ctx, catalog.TransferInput{
		SourceProductID: duplicate,
		TargetProductID: canonical,
		ListingIDs:      moving,
	})
	return err
}

func (h *Handler) loadSoldOutScenario(ctx context.Context) error {
	sellers, err := h.saveSellers(ctx, demoSellers[:2])
	if err != nil {
		return err
	}
	console, err := h.Store.SaveProduct(ctx, catalog.Product{
		Name: "PlayStation 5 Slim", CategoryID: 2, ManufacturerID: 30, Visible: true,
	})
	if err != nil {
		return err
	}

	var listings []*catalog.Listing
	for i, price := range []catalog.Price{629_000, 599_000} {
		l, err := h.list(ctx, console, sellers[i], price)
		if err != nil {
			return err
		}
		listings = append(listings, l)
	}

	// Cheapest first: 599,000 -> 629,000, then 629,000 -> none.
	for i := len(listings) - 1; i >= 0; i-- {
		if _, err := h.Engine.DeleteListing(ctx, listings[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

var demoSellers = []catalog.Seller{
	{Name: "MegaMart", SiteURL: "https://megamart.example.com"},
	{Name: "TechZone", SiteURL: "https://techzone.example.com"},
	{Name: "BudgetBuy", SiteURL: "https://budgetbuy.example.com"},
	{Name: "PhoneHub", SiteURL: "https://phonehub.example.com"},
}

func (h *Handler) saveSellers(ctx context.Context, sellers []catalog.Seller) ([]catalog.SellerID, error) {
	ids := make([]catalog.SellerID, len(sellers))
	for i, s := range sellers {
		id, err := h.Store.SaveSeller(ctx, s)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (h *Handler) list(ctx context.Context, product catalog.ProductID, seller catalog.SellerID, price catalog.Price) (*catalog.Listing, error) {
	return h.Engine.CreateListing(ctx, catalog.CreateListingInput{
		ProductID: product,
		SellerID:  seller,
		Price:     price,
		URL:       fmt.Sprintf("https://shop.example.com/p/%d/s/%d", product, seller),
	})
}
