/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the admin UI contract. Field names are camelCase because
  the admin UI already sends productId, sellerSiteId, sellerUrl.

NAMING CONVENTION:
  - *DTO:      Response types returned to clients
  - *Request:  Request body types from clients
  - *Response: Wrappers that are not a single entity

PRICES:
  Integers in the smallest currency unit. Percentages are decimal
  strings with two places ("-10.00") so clients never re-round them.

VALIDATION:
  Done by the engine, not here. DTOs are pure data carriers; pointer
  fields only exist to tell "absent" from zero where that matters.

SEE ALSO:
  - handlers.go: Uses these types
  - catalog/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/pricewatch/price-ledger/catalog"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateListingRequest is the body of POST /api/listings.
type CreateListingRequest struct {
	ProductID    int64  `json:"productId"`
	SellerSiteID int64  `json:"sellerSiteId"`
	Price        int64  `json:"price"`
	SellerURL    string `json:"sellerUrl"`
}

// UpdateListingRequest is the body of PUT /api/listings/{id}.
// ID is optional; when present it must equal the path id.
type UpdateListingRequest struct {
	ID           *int64 `json:"id,omitempty"`
	ProductID    int64  `json:"productId"`
	SellerSiteID int64  `json:"sellerSiteId"`
	Price        int64  `json:"price"`
	SellerURL    string `json:"sellerUrl"`
}

// TransferRequest is the body of POST /api/listings/transfer.
type DeleteListingRequest struct {
	ID *int64 `json:"id"`
}

type TransferRequest struct {
	SourceProductID int64   `json:"sourceProductId"`
	TargetProductID int64   `json:"targetProductId"`
	ListingIDs      []int64 `json:"listingIds"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type SellerDTO struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	SiteURL string `json:"siteUrl"`
}

type ListingDTO struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"productId"`
	SellerID  int64     `json:"sellerSiteId"`
	SellerURL string    `json:"sellerUrl"`
	Price     int64     `json:"price"`
	Seller    SellerDTO `json:"seller"`
	CreatedAt string    `json:"createdAt"`
	UpdatedAt string    `json:"updatedAt"`
}

type HistoryEntryDTO struct {
	ID         string  `json:"id"`
	ProductID  int64   `json:"productId"`
	SellerID   int64   `json:"sellerSiteId"`
	OldPrice   *int64  `json:"oldPrice"`
	NewPrice   *int64  `json:"newPrice"`
	Difference int64   `json:"difference"`
	Percentage *string `json:"percentageChange"`
	CreatedAt  string  `json:"createdAt"`
}

type TransferResponse struct {
	Transferred          int               `json:"transferred"`
	RemainingSourceCount int               `json:"remainingSourceCount"`
	SourceHidden         bool              `json:"sourceHidden"`
	History              []HistoryEntryDTO `json:"history"`
}

type DeleteListingResponse struct {
	Deleted ListingDTO `json:"deleted"`
}

type DriftDTO struct {
	ProductID int64  `json:"productId"`
	Recorded  *int64 `json:"recordedPrice"`
	Actual    *int64 `json:"actualPrice"`
}

type DriftReportDTO struct {
	CheckedAt string     `json:"checkedAt"`
	Drifts    []DriftDTO `json:"drifts"`
}

// ScenarioDTO represents a demo catalog.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toListingDTO(l catalog.Listing) ListingDTO {
	return ListingDTO{
		ID:        int64(l.ID),
		ProductID: int64(l.ProductID),
		SellerID:  int64(l.SellerID),
		SellerURL: l.URL,
		Price:     int64(l.Price),
		Seller: SellerDTO{
			ID:      int64(l.Seller.ID),
			Name:    l.Seller.Name,
			SiteURL: l.Seller.SiteURL,
		},
		CreatedAt: formatTime(l.CreatedAt),
		UpdatedAt: formatTime(l.UpdatedAt),
	}
}

func toListingDTOs(ls []catalog.Listing) []ListingDTO {
	dtos := make([]ListingDTO, len(ls))
	for i, l := range ls {
		dtos[i] = toListingDTO(l)
	}
	return dtos
}

func toHistoryEntryDTO(e catalog.HistoryEntry) HistoryEntryDTO {
	dto := HistoryEntryDTO{
		ID:         e.ID,
		ProductID:  int64(e.ProductID),
		SellerID:   int64(e.SellerID),
		OldPrice:   optPrice(e.OldPrice),
		NewPrice:   optPrice(e.NewPrice),
		Difference: e.Difference,
		CreatedAt:  formatTime(e.CreatedAt),
	}
	if e.Percentage.Valid {
		s := e.Percentage.Decimal.StringFixed(2)
		dto.Percentage = &s
	}
	return dto
}

func toHistoryEntryDTOs(es []catalog.HistoryEntry) []HistoryEntryDTO {
	dtos := make([]HistoryEntryDTO, len(es))
	for i, e := range es {
		dtos[i] = toHistoryEntryDTO(e)
	}
	return dtos
}

func toDriftDTOs(ds []catalog.Drift) []DriftDTO {
	dtos := make([]DriftDTO, len(ds))
	for i, d := range ds {
		dtos[i] = DriftDTO{
			ProductID: int64(d.ProductID),
			Recorded:  optPrice(d.Recorded),
			Actual:    optPrice(d.Actual),
		}
	}
	return dtos
}

func optPrice(p *catalog.Price) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
