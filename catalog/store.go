/*
store.go - Persistence interface for listings, products and the history ledger

PURPOSE:
  Defines the interface between the engine and the database.
  Implementations: SQLite, PostgreSQL, in-memory.

KEY INTERFACES:
  Store:   Opens units of work and serves read-only queries
  Tx:      Everything the engine may do inside one unit of work
  Reader:  Queries shared by Store and Tx

UNIT OF WORK:
  Store.WithTx runs fn inside one database transaction.
  If fn returns an error, every write made through the Tx is rolled
  back, including history entries already appended. If fn returns nil,
  the transaction commits. Implementations must provide at least
  read-committed isolation.

LOCKING CONTRACT:
  Tx.LockProducts must serialize concurrent units of work that touch the
  same product, and must be called before the first lowest-price read.
  It returns the products that exist (missing ids are simply absent),
  so the same call doubles as the existence check.

  Locks are held until the unit of work ends. Callers lock every product
  they need in a single call; implementations acquire them in ascending
  id order so two transfers in opposite directions cannot deadlock.

HISTORY IS APPEND-ONLY:
  Tx.AppendHistory is the only write to the ledger.
  There is no update or delete for history entries.

SEE ALSO:
  - store/sqlite: SQLite implementation
  - store/postgres: PostgreSQL implementation
  - catalog/store: In-memory implementation for tests
*/
package catalog

import "context"

// =============================================================================
// READER - Queries available inside and outside a unit of work
// =============================================================================

type Reader interface {
	// GetProduct returns nil, nil when the product does not exist.
	GetProduct(ctx context.Context, id ProductID) (*Product, error)

	// GetSeller returns nil, nil when the seller does not exist.
	GetSeller(ctx context.Context, id SellerID) (*Seller, error)

	// GetListing returns the listing with its seller joined, or nil, nil.
	GetListing(ctx context.Context, id ListingID) (*Listing, error)

	// ListingsByProduct returns the product's listings ordered by price, then id.
	ListingsByProduct(ctx context.Context, productID ProductID) ([]Listing, error)

	// LowestListing resolves the cheapest listing for a product.
	// Ties on price are broken by the lowest listing id.
	// Returns nil, nil when the product has no listings.
	LowestListing(ctx context.Context, productID ProductID) (*Listing, error)

	// CountListings returns the number of listings for a product.
	CountListings(ctx context.Context, productID ProductID) (int, error)

	// History returns entries for a product, newest first.
	History(ctx context.Context, productID ProductID, limit, offset int) ([]HistoryEntry, error)
}

// =============================================================================
// TX - Writes, only available inside a unit of work
// =============================================================================

type Tx interface {
	Reader

	// LockProducts serializes access to the given products for the rest of
	// the unit of work and returns the ones that exist.
	LockProducts(ctx context.Context, ids ...ProductID) (map[ProductID]Product, error)

	// FindListingBySeller returns the listing for (product, seller) or nil, nil.
	FindListingBySeller(ctx context.Context, productID ProductID, sellerID SellerID) (*Listing, error)

	// ListingsByIDs returns the listings of productID whose id is in ids.
	// Ids belonging to other products or to nothing are skipped.
	ListingsByIDs(ctx context.Context, productID ProductID, ids []ListingID) ([]Listing, error)

	// InsertListing stores a new listing and returns its id.
	// Returns a ConflictError if the (product, seller) pair is taken.
	InsertListing(ctx context.Context, l Listing) (ListingID, error)

	// UpdateListing rewrites seller, url and price of an existing listing.
	// The product id is never changed through this path.
	UpdateListing(ctx context.Context, l Listing) error

	DeleteListing(ctx context.Context, id ListingID) error

	// ReassignListings moves the given listings to target in one statement
	// and returns how many rows moved.
	ReassignListings(ctx context.Context, ids []ListingID, target ProductID) (int, error)

	SetProductVisible(ctx context.Context, id ProductID, visible bool) error

	AppendHistory(ctx context.Context, e HistoryEntry) error
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ProductIDs lists every product id; used by the drift auditor.
	ProductIDs(ctx context.Context) ([]ProductID, error)
}

// CatalogWriter seeds reference data. Products and sellers are owned by
// external admin screens; the engine only reads them.
type CatalogWriter interface {
	SaveProduct(ctx context.Context, p Product) (ProductID, error)
	SaveSeller(ctx context.Context, s Seller) (SellerID, error)
}
