/*
engine.go - Ledger engine for single-listing operations

PURPOSE:
  The only component allowed to change listings in a price-relevant way
  and the only writer of the history ledger. Every public operation is
  one unit of work:

    1. lock the product
    2. resolve lowest (before)
    3. mutate the listing store
    4. resolve lowest (after)
    5. append a HistoryEntry iff the lowest price value changed

  All five steps share one transaction. Any failure rolls back all of
  them, including an already appended history entry.

WHY LOCK FIRST?
  Without the product lock two writers can both read before=100, both
  write, and both compare against a stale before. The ledger then gets
  zero or two entries for one real transition. Locking the product
  before step 2 makes steps 2-5 atomic per product.

AT MOST ONE ENTRY:
  Single-listing operations append at most one entry no matter how many
  listings the product has. Transfers append at most one per product
  (see transfer.go).

PUBLISHING:
  Committed entries are handed to the Publisher after commit. A publish
  failure is logged and never affects the ledger.

SEE ALSO:
  - history.go: Transition rules
  - transfer.go: Bulk transfer (merge)
  - store.go: Locking contract
*/
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxRelockAttempts bounds how often Update/Delete chase a listing that a
// concurrent transfer keeps moving between products.
const maxRelockAttempts = 3

// Publisher receives committed price changes.
type Publisher interface {
	PublishPriceChange(ctx context.Context, change PriceChange) error
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store     Store
	Publisher Publisher    // optional
	Logger    *slog.Logger // optional, defaults to slog.Default()
	Now       func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{Store: store, Now: time.Now}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// =============================================================================
// RESOLVER
// =============================================================================

// ResolveLowest returns the cheapest listing of a product, or nil when it
// has none. Inside a unit of work it sees writes already made by that unit.
func ResolveLowest(ctx context.Context, r Reader, productID ProductID) (*Listing, error) {
	l, err := r.LowestListing(ctx, productID)
	if err != nil {
		return nil, internal("resolve lowest", err)
	}
	return l, nil
}

// Lowest resolves the current lowest listing of an existing product.
func (e *Engine) Lowest(ctx context.Context, productID ProductID) (*Listing, error) {
	p, err := e.Store.GetProduct(ctx, productID)
	if err != nil {
		return nil, internal("get product", err)
	}
	if p == nil {
		return nil, notFound(KindProduct, int64(productID))
	}
	return ResolveLowest(ctx, e.Store, productID)
}

// =============================================================================
// INPUTS
// =============================================================================

type CreateListingInput struct {
	ProductID ProductID
	SellerID  SellerID
	Price     Price
	URL       string
}

func (in CreateListingInput) validate() error {
	if in.ProductID <= 0 {
		return invalid("productId", "required")
	}
	return validateOffer(in.SellerID, in.Price, in.URL)
}

type UpdateListingInput struct {
	ListingID ListingID
	ProductID ProductID
	SellerID  SellerID
	Price     Price
	URL       string
}

func (in UpdateListingInput) validate() error {
	if in.ListingID <= 0 {
		return invalid("id", "required")
	}
	if in.ProductID <= 0 {
		return invalid("productId", "required")
	}
	return validateOffer(in.SellerID, in.Price, in.URL)
}

func validateOffer(sellerID SellerID, price Price, url string) error {
	if sellerID <= 0 {
		return invalid("sellerSiteId", "required")
	}
	if price <= 0 {
		return invalid("price", "must be a positive integer")
	}
	if strings.TrimSpace(url) == "" {
		return invalid("sellerUrl", "required")
	}
	return nil
}

// =============================================================================
// SINGLE-LISTING OPERATIONS
// =============================================================================

// CreateListing adds a seller's offer to a product.
func (e *Engine) CreateListing(ctx context.Context, in CreateListingInput) (*Listing, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		created *Listing
		entries []HistoryEntry
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		if err := e.requireProducts(ctx, tx, in.ProductID); err != nil {
			return err
		}
		if err := requireSeller(ctx, tx, in.SellerID); err != nil {
			return err
		}
		if err := requireFreePair(ctx, tx, in.ProductID, in.SellerID, 0); err != nil {
			return err
		}

		before, err := ResolveLowest(ctx, tx, in.ProductID)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		id, err := tx.InsertListing(ctx, Listing{
			ProductID: in.ProductID,
			SellerID:  in.SellerID,
			URL:       in.URL,
			Price:     in.Price,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return internal("insert listing", err)
		}

		if entries, err = e.record(ctx, tx, in.ProductID, before, entries); err != nil {
			return err
		}

		created, err = tx.GetListing(ctx, id)
		if err != nil {
			return internal("reload listing", err)
		}
		return nil
	})
	if err != nil {
		e.rejected(ctx, "create listing", err, slog.Int64("product_id", int64(in.ProductID)))
		return nil, err
	}

	e.publish(ctx, CauseCreate, entries)
	return created, nil
}

// UpdateListing changes the seller, URL and price of a listing in place.
// The listing stays on its product; in.ProductID must name that product.
func (e *Engine) UpdateListing(ctx context.Context, in UpdateListingInput) (*Listing, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var (
		updated *Listing
		entries []HistoryEntry
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		current, err := e.lockListing(ctx, tx, in.ListingID)
		if err != nil {
			return err
		}

		if in.ProductID != current.ProductID {
			p, err := tx.GetProduct(ctx, in.ProductID)
			if err != nil {
				return internal("get product", err)
			}
			if p == nil {
				return notFound(KindProduct, int64(in.ProductID))
			}
			return invalid("productId", fmt.Sprintf(
				"listing %d belongs to product %d; use a transfer to move it",
				current.ID, current.ProductID))
		}

		if err := requireSeller(ctx, tx, in.SellerID); err != nil {
			return err
		}
		if in.SellerID != current.SellerID {
			if err := requireFreePair(ctx, tx, current.ProductID, in.SellerID, current.ID); err != nil {
				return err
			}
		}

		before, err := ResolveLowest(ctx, tx, current.ProductID)
		if err != nil {
			return err
		}

		next := *current
		next.SellerID = in.SellerID
		next.URL = in.URL
		next.Price = in.Price
		next.UpdatedAt = e.now().UTC()
		if err := tx.UpdateListing(ctx, next); err != nil {
			return internal("update listing", err)
		}

		if entries, err = e.record(ctx, tx, current.ProductID, before, entries); err != nil {
			return err
		}

		updated, err = tx.GetListing(ctx, current.ID)
		if err != nil {
			return internal("reload listing", err)
		}
		return nil
	})
	if err != nil {
		e.rejected(ctx, "update listing", err, slog.Int64("listing_id", int64(in.ListingID)))
		return nil, err
	}

	e.publish(ctx, CauseUpdate, entries)
	return updated, nil
}

// DeleteListing removes a listing. Visibility is never touched here.
func (e *Engine) DeleteListing(ctx context.Context, id ListingID) (*Listing, error) {
	if id <= 0 {
		return nil, invalid("id", "required")
	}

	var (
		deleted *Listing
		entries []HistoryEntry
	)
	err := e.Store.WithTx(ctx, func(tx Tx) error {
		current, err := e.lockListing(ctx, tx, id)
		if err != nil {
			return err
		}

		before, err := ResolveLowest(ctx, tx, current.ProductID)
		if err != nil {
			return err
		}

		if err := tx.DeleteListing(ctx, id); err != nil {
			return internal("delete listing", err)
		}

		if entries, err = e.record(ctx, tx, current.ProductID, before, entries); err != nil {
			return err
		}
		deleted = current
		return nil
	})
	if err != nil {
		e.rejected(ctx, "delete listing", err, slog.Int64("listing_id", int64(id)))
		return nil, err
	}

	e.publish(ctx, CauseDelete, entries)
	return deleted, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// requireProducts locks the products and fails with NotFound for the first
// missing one, in argument order.
func (e *Engine) requireProducts(ctx context.Context, tx Tx, ids ...ProductID) error {
	found, err := tx.LockProducts(ctx, ids...)
	if err != nil {
		return internal("lock products", err)
	}
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			return notFound(KindProduct, int64(id))
		}
	}
	return nil
}

// lockListing locks the product that owns a listing and returns the listing
// as seen under that lock. A transfer may move the listing between the
// first read and the lock; in that case the lock is retaken on the new owner.
func (e *Engine) lockListing(ctx context.Context, tx Tx, id ListingID) (*Listing, error) {
	for attempt := 0; attempt < maxRelockAttempts; attempt++ {
		l, err := tx.GetListing(ctx, id)
		if err != nil {
			return nil, internal("get listing", err)
		}
		if l == nil {
			return nil, notFound(KindListing, int64(id))
		}

		if err := e.requireProducts(ctx, tx, l.ProductID); err != nil {
			return nil, err
		}

		locked, err := tx.GetListing(ctx, id)
		if err != nil {
			return nil, internal("get listing", err)
		}
		if locked == nil {
			return nil, notFound(KindListing, int64(id))
		}
		if locked.ProductID == l.ProductID {
			return locked, nil
		}
	}
	return nil, fmt.Errorf("listing %d kept moving between products: %w", id, ErrInternal)
}

func requireSeller(ctx context.Context, tx Tx, id SellerID) error {
	s, err := tx.GetSeller(ctx, id)
	if err != nil {
		return internal("get seller", err)
	}
	if s == nil {
		return notFound(KindSeller, int64(id))
	}
	return nil
}

// requireFreePair fails with Conflict when (product, seller) is held by a
// listing other than self.
func requireFreePair(ctx context.Context, tx Tx, productID ProductID, sellerID SellerID, self ListingID) error {
	existing, err := tx.FindListingBySeller(ctx, productID, sellerID)
	if err != nil {
		return internal("find listing by seller", err)
	}
	if existing != nil && existing.ID != self {
		return &ConflictError{ProductID: productID, SellerID: sellerID, ListingID: existing.ID}
	}
	return nil
}

// record resolves the lowest price after a mutation and appends a history
// entry when it differs from before.
func (e *Engine) record(ctx context.Context, tx Tx, productID ProductID, before *Listing, entries []HistoryEntry) ([]HistoryEntry, error) {
	after, err := ResolveLowest(ctx, tx, productID)
	if err != nil {
		return entries, err
	}
	entry, changed := Transition(productID, before, after, e.now())
	if !changed {
		return entries, nil
	}
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return entries, internal("append history", err)
	}
	return append(entries, entry), nil
}

func (e *Engine) publish(ctx context.Context, cause ChangeCause, entries []HistoryEntry) {
	log := e.logger()
	// The ledger is committed at this point; a disconnected caller must not
	// stop the notification.
	ctx = context.WithoutCancel(ctx)

	for _, entry := range entries {
		log.InfoContext(ctx, "lowest price changed",
			slog.String("cause", string(cause)),
			slog.Int64("product_id", int64(entry.ProductID)),
			slog.Int64("seller_id", int64(entry.SellerID)),
			slog.Any("old_price", priceValue(entry.OldPrice)),
			slog.Any("new_price", priceValue(entry.NewPrice)),
			slog.Int64("difference", entry.Difference),
		)
		if e.Publisher == nil {
			continue
		}
		change := PriceChange{EventID: uuid.NewString(), Entry: entry, Cause: cause}
		if err := e.Publisher.PublishPriceChange(ctx, change); err != nil {
			log.WarnContext(ctx, "publish price change failed",
				slog.String("event_id", change.EventID),
				slog.Int64("product_id", int64(entry.ProductID)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func priceValue(p *Price) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func (e *Engine) rejected(ctx context.Context, op string, err error, attrs ...slog.Attr) {
	level := slog.LevelDebug
	if !IsClientError(err) {
		level = slog.LevelError
	}
	attrs = append(attrs, slog.String("error", err.Error()))
	e.logger().LogAttrs(ctx, level, op+" rejected", attrs...)
}
