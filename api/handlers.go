/*
handlers.go - HTTP API handlers for the price ledger

PURPOSE:
  Exposes the ledger engine to the admin UI. Handles HTTP request and
  response, JSON serialization, and delegates every write to
  catalog.Engine. Handlers never touch listings or history directly.

ENDPOINTS:
  Listings:
    POST   /api/listings                  Create listing
    PUT    /api/listings[/{id}]           Update listing (id in path or body)
    DELETE /api/listings[/{id}]           Delete listing (id in path, ?id= or body)
    POST   /api/listings/transfer         Bulk transfer (merge)

  Products (read-only):
    GET    /api/products/{id}/listings    Listings, cheapest first
    GET    /api/products/{id}/lowest      Current lowest listing or null
    GET    /api/products/{id}/history     Price history, newest first

  Admin:
    GET    /api/admin/drift               Ledger drift report (?cached=true)

  Scenarios:
    GET    /api/scenarios                 List demo catalogs
    GET    /api/scenarios/current         Currently loaded demo catalog
    POST   /api/scenarios/load            Load a demo catalog

ERROR HANDLING:
  Engine errors are mapped with errors.Is on the catalog sentinels:
  - 400: ErrInvalidArgument, malformed JSON, bad path ids
  - 404: ErrNotFound
  - 409: ErrConflict
  - 500: anything else; details are logged, not returned

SECURITY NOTE:
  No authentication. The admin UI sits behind the site's admin gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo catalog loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pricewatch/price-ledger/catalog"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Backend is what the API needs from a store beyond catalog.Store:
// seeding for demo catalogs and a full wipe before loading one.
type Backend interface {
	catalog.Store
	catalog.CatalogWriter
	Reset(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *catalog.Engine
	Store   Backend
	Auditor *catalog.Auditor
	Logger  *slog.Logger

	// Drift, when set, serves ?cached=true drift reports.
	Drift *DriftScheduler

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a handler around engine. The engine must use store.
func NewHandler(store Backend, engine *catalog.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:  engine,
		Store:   store,
		Auditor: catalog.NewAuditor(store),
		Logger:  logger,
	}
}

// =============================================================================
// LISTING HANDLERS
// =============================================================================

// CreateListing adds a seller's price for a product.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	listing, err := h.Engine.CreateListing(r.Context(), catalog.CreateListingInput{
		ProductID: catalog.ProductID(req.ProductID),
		SellerID:  catalog.SellerID(req.SellerSiteID),
		Price:     catalog.Price(req.Price),
		URL:       req.SellerURL,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toListingDTO(*listing))
}

// UpdateListing rewrites seller, URL and price of an existing listing.
// The id comes from the path or, on PUT /api/listings, from the body.
func (h *Handler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	var req UpdateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, ok := listingID(w, r, req.ID)
	if !ok {
		return
	}
	if req.ID != nil && *req.ID != id {
		h.writeDomainError(w, r, &catalog.InvalidArgumentError{
			Field:  "id",
			Reason: fmt.Sprintf("body id %d does not match path id %d", *req.ID, id),
		})
		return
	}

	listing, err := h.Engine.UpdateListing(r.Context(), catalog.UpdateListingInput{
		ListingID: catalog.ListingID(id),
		ProductID: catalog.ProductID(req.ProductID),
		SellerID:  catalog.SellerID(req.SellerSiteID),
		Price:     catalog.Price(req.Price),
		URL:       req.SellerURL,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toListingDTO(*listing))
}

// DeleteListing removes a listing and returns what was removed.
// Without a path id, the id is read from ?id= or from a {"id": ...} body.
func (h *Handler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	var bodyID *int64
	if chi.URLParam(r, "id") == "" && r.URL.Query().Get("id") == "" && r.ContentLength != 0 {
		var req DeleteListingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		bodyID = req.ID
	}

	id, ok := listingID(w, r, bodyID)
	if !ok {
		return
	}

	deleted, err := h.Engine.DeleteListing(r.Context(), catalog.ListingID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DeleteListingResponse{Deleted: toListingDTO(*deleted)})
}

// TransferListings merges listings of one product into another.
func (h *Handler) TransferListings(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]catalog.ListingID, len(req.ListingIDs))
	for i, id := range req.ListingIDs {
		ids[i] = catalog.ListingID(id)
	}

	result, err := h.Engine.TransferListings(r.Context(), catalog.TransferInput{
		SourceProductID: catalog.ProductID(req.SourceProductID),
		TargetProductID: catalog.ProductID(req.TargetProductID),
		ListingIDs:      ids,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, TransferResponse{
		Transferred:          result.Transferred,
		RemainingSourceCount: result.RemainingSource,
		SourceHidden:         result.SourceHidden,
		History:              toHistoryEntryDTOs(result.History),
	})
}

// =============================================================================
// PRODUCT HANDLERS (read-only)
// =============================================================================

// ListProductListings returns a product's listings, cheapest first.
func (h *Handler) ListProductListings(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.existingProduct(w, r)
	if !ok {
		return
	}

	listings, err := h.Store.ListingsByProduct(r.Context(), productID)
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("list listings: %w: %w", catalog.ErrInternal, err))
		return
	}

	writeJSON(w, http.StatusOK, toListingDTOs(listings))
}

// GetLowest returns the current lowest listing, or null when the product
// has none.
func (h *Handler) GetLowest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	lowest, err := h.Engine.Lowest(r.Context(), catalog.ProductID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if lowest == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	writeJSON(w, http.StatusOK, toListingDTO(*lowest))
}

// GetHistory returns a page of the price history, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit), err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer", err)
		return
	}

	productID, ok := h.existingProduct(w, r)
	if !ok {
		return
	}

	entries, err := h.Store.History(r.Context(), productID, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("load history: %w: %w", catalog.ErrInternal, err))
		return
	}

	writeJSON(w, http.StatusOK, toHistoryEntryDTOs(entries))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// GetDrift runs the auditor on demand. With ?cached=true it returns the
// scheduler's last report instead, when there is one.
func (h *Handler) GetDrift(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("cached") == "true" && h.Drift != nil {
		if last := h.Drift.Last(); last != nil && last.Err == nil {
			writeJSON(w, http.StatusOK, DriftReportDTO{
				CheckedAt: formatTime(last.StartedAt),
				Drifts:    toDriftDTOs(last.Drifts),
			})
			return
		}
	}

	drifts, err := h.Auditor.Check(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DriftReportDTO{
		CheckedAt: formatTime(time.Now()),
		Drifts:    toDriftDTOs(drifts),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// existingProduct parses {id} and checks that the product exists.
// It writes the error response itself and returns false on failure.
func (h *Handler) existingProduct(w http.ResponseWriter, r *http.Request) (catalog.ProductID, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return 0, false
	}
	productID := catalog.ProductID(id)

	p, err := h.Store.GetProduct(r.Context(), productID)
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("get product: %w: %w", catalog.ErrInternal, err))
		return 0, false
	}
	if p == nil {
		h.writeDomainError(w, r, &catalog.NotFoundError{Kind: catalog.KindProduct, ID: id})
		return 0, false
	}
	return productID, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return parseID(w, chi.URLParam(r, "id"))
}

// listingID resolves a listing id from the path, then ?id=, then fallback.
// A missing id is a 400 on field "id".
func listingID(w http.ResponseWriter, r *http.Request, fallback *int64) (int64, bool) {
	if raw := chi.URLParam(r, "id"); raw != "" {
		return parseID(w, raw)
	}
	if raw := r.URL.Query().Get("id"); raw != "" {
		return parseID(w, raw)
	}
	if fallback != nil {
		return parseID(w, strconv.FormatInt(*fallback, 10))
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error: "missing id",
		Code:  "INVALID_ARGUMENT",
		Field: "id",
	})
	return 0, false
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid id %q", raw),
			Code:  "INVALID_ARGUMENT",
			Field: "id",
		})
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// writeDomainError maps catalog errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var status int

	switch {
	case errors.Is(err, catalog.ErrInvalidArgument):
		status, resp.Code = http.StatusBadRequest, "INVALID_ARGUMENT"
		var inv *catalog.InvalidArgumentError
		if errors.As(err, &inv) {
			resp.Field = inv.Field
		}
	case errors.Is(err, catalog.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, catalog.ErrConflict):
		status, resp.Code = http.StatusConflict, "CONFLICT"
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		status, resp = http.StatusServiceUnavailable, ErrorResponse{Error: "request canceled"}
	default:
		h.Logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		status, resp = http.StatusInternalServerError, ErrorResponse{
			Error: "Internal error",
			Code:  "INTERNAL",
		}
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
