/*
types.go - Core domain types for the price ledger

PURPOSE:
  Defines the entities the engine reasons about: products, sellers,
  listings (one seller's offer for one product) and history entries
  (observed lowest-price transitions).

KEY TYPES:
  Product:      Sellable item with a visibility flag
  Seller:       Reference data, read-only for the engine
  Listing:      Per-(product, seller) price row
  HistoryEntry: Immutable record of a lowest-price change
  PriceChange:  Event published after a history entry is committed

DERIVED VALUES:
  The current lowest price of a product is NOT a field anywhere.
  It is always min(price) over the product's listings, resolved on demand.
  HistoryEntry is an observation log, not a source of truth.

SEE ALSO:
  - engine.go: The only writer of HistoryEntry
  - history.go: Transition arithmetic (difference, percentage)
*/
package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID int64

type SellerID int64

type ListingID int64

// Price is an amount in the smallest currency unit (e.g. won, cents).
type Price int64

// =============================================================================
// ENTITIES
// =============================================================================

// Product is identity for a sellable item.
// Visible is only cleared by the visibility projector during a transfer;
// the engine never filters on it.
type Product struct {
	ID             ProductID
	Name           string
	CategoryID     int64
	ManufacturerID int64
	Visible        bool
	CreatedAt      time.Time
}

// Seller is a shop that lists prices.
type Seller struct {
	ID      SellerID
	Name    string
	SiteURL string
}

// Listing is one seller's offer for one product.
// INVARIANT: at most one Listing per (ProductID, SellerID).
type Listing struct {
	ID        ListingID
	ProductID ProductID
	SellerID  SellerID
	URL       string
	Price     Price
	CreatedAt time.Time
	UpdatedAt time.Time

	// Seller is joined on reads; zero value on writes.
	Seller Seller
}

// HistoryEntry records that a product's lowest price changed.
//
// OldPrice is nil when the product had no listings before the change,
// NewPrice is nil when it has none after. Percentage is only defined
// when OldPrice is set and non-zero.
type HistoryEntry struct {
	ID         string
	ProductID  ProductID
	SellerID   SellerID
	OldPrice   *Price
	NewPrice   *Price
	Difference int64
	Percentage decimal.NullDecimal
	CreatedAt  time.Time
}

// PriceChange is published to external collaborators (wishlist alerts,
// push notifications) after the entry that describes it has committed.
type PriceChange struct {
	EventID string
	Entry   HistoryEntry
	Cause   ChangeCause
}

// ChangeCause names the operation that produced a transition.
type ChangeCause string

const (
	CauseCreate   ChangeCause = "listing_created"
	CauseUpdate   ChangeCause = "listing_updated"
	CauseDelete   ChangeCause = "listing_deleted"
	CauseTransfer ChangeCause = "listings_transferred"
)

// TransferResult is returned by a successful transfer.
type TransferResult struct {
	Transferred     int
	RemainingSource int
	History         []HistoryEntry
	SourceHidden    bool
}

// PricePtr is a helper for building optional prices.
func PricePtr(p Price) *Price {
	return &p
}
