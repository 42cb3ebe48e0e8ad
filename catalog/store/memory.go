// Package store provides in-memory catalog.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/pricewatch/price-ledger/catalog"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds the whole catalog behind one mutex. A unit of work holds the
// mutex from start to commit and works on a copy, so rollback is dropping
// the copy. This serializes all writers, which is coarser than per product
// but satisfies the locking contract.
type Memory struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	products map[catalog.ProductID]catalog.Product
	sellers  map[catalog.SellerID]catalog.Seller
	listings map[catalog.ListingID]catalog.Listing
	history  []catalog.HistoryEntry

	nextProduct int64
	nextSeller  int64
	nextListing int64
}

func NewMemory() *Memory {
	return &Memory{state: newState()}
}

func newState() *state {
	return &state{
		products: make(map[catalog.ProductID]catalog.Product),
		sellers:  make(map[catalog.SellerID]catalog.Seller),
		listings: make(map[catalog.ListingID]catalog.Listing),
	}
}

// Reset drops everything, history included, and restarts id sequences.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newState()
	return nil
}

func (s *state) clone() *state {
	c := &state{
		products:    make(map[catalog.ProductID]catalog.Product, len(s.products)),
		sellers:     make(map[catalog.SellerID]catalog.Seller, len(s.sellers)),
		listings:    make(map[catalog.ListingID]catalog.Listing, len(s.listings)),
		history:     append([]catalog.HistoryEntry(nil), s.history...),
		nextProduct: s.nextProduct,
		nextSeller:  s.nextSeller,
		nextListing: s.nextListing,
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.sellers {
		c.sellers[k] = v
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	return c
}

// WithTx runs fn against a private copy and publishes it only on success.
func (m *Memory) WithTx(ctx context.Context, fn func(catalog.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

// =============================================================================
// SEEDING (catalog.CatalogWriter)
// =============================================================================

func (m *Memory) SaveProduct(_ context.Context, p catalog.Product) (catalog.ProductID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == 0 {
		m.state.nextProduct++
		p.ID = catalog.ProductID(m.state.nextProduct)
	} else if int64(p.ID) > m.state.nextProduct {
		m.state.nextProduct = int64(p.ID)
	}
	m.state.products[p.ID] = p
	return p.ID, nil
}

func (m *Memory) SaveSeller(_ context.Context, s catalog.Seller) (catalog.SellerID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == 0 {
		m.state.nextSeller++
		s.ID = catalog.SellerID(m.state.nextSeller)
	} else if int64(s.ID) > m.state.nextSeller {
		m.state.nextSeller = int64(s.ID)
	}
	m.state.sellers[s.ID] = s
	return s.ID, nil
}

// =============================================================================
// READS (catalog.Reader)
// =============================================================================

func (m *Memory) GetProduct(_ context.Context, id catalog.ProductID) (*catalog.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getProduct(id), nil
}

func (m *Memory) GetSeller(_ context.Context, id catalog.SellerID) (*catalog.Seller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getSeller(id), nil
}

func (m *Memory) GetListing(_ context.Context, id catalog.ListingID) (*catalog.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.getListing(id), nil
}

func (m *Memory) ListingsByProduct(_ context.Context, productID catalog.ProductID) ([]catalog.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listingsByProduct(productID), nil
}

func (m *Memory) LowestListing(_ context.Context, productID catalog.ProductID) (*catalog.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.lowest(productID), nil
}

func (m *Memory) CountListings(_ context.Context, productID catalog.ProductID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.listingsByProduct(productID)), nil
}

func (m *Memory) History(_ context.Context, productID catalog.ProductID, limit, offset int) ([]catalog.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.historyOf(productID, limit, offset), nil
}

func (m *Memory) ProductIDs(_ context.Context) ([]catalog.ProductID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]catalog.ProductID, 0, len(m.state.products))
	for id := range m.state.products {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *state) getProduct(id catalog.ProductID) *catalog.Product {
	p, ok := s.products[id]
	if !ok {
		return nil
	}
	return &p
}

func (s *state) getSeller(id catalog.SellerID) *catalog.Seller {
	sl, ok := s.sellers[id]
	if !ok {
		return nil
	}
	return &sl
}

func (s *state) getListing(id catalog.ListingID) *catalog.Listing {
	l, ok := s.listings[id]
	if !ok {
		return nil
	}
	l.Seller = s.sellers[l.SellerID]
	return &l
}

// listingsByProduct orders by price, then id; the same order the resolver uses.
func (s *state) listingsByProduct(productID catalog.ProductID) []catalog.Listing {
	var out []catalog.Listing
	for _, l := range s.listings {
		if l.ProductID == productID {
			l.Seller = s.sellers[l.SellerID]
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) lowest(productID catalog.ProductID) *catalog.Listing {
	all := s.listingsByProduct(productID)
	if len(all) == 0 {
		return nil
	}
	return &all[0]
}

func (s *state) historyOf(productID catalog.ProductID, limit, offset int) []catalog.HistoryEntry {
	var out []catalog.HistoryEntry
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ProductID == productID {
			out = append(out, s.history[i])
		}
	}
	if offset >= len(out) {
		return nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// =============================================================================
// UNIT OF WORK (catalog.Tx)
// =============================================================================

type memTx struct {
	state *state
}

func (t *memTx) GetProduct(_ context.Context, id catalog.ProductID) (*catalog.Product, error) {
	return t.state.getProduct(id), nil
}

func (t *memTx) GetSeller(_ context.Context, id catalog.SellerID) (*catalog.Seller, error) {
	return t.state.getSeller(id), nil
}

func (t *memTx) GetListing(_ context.Context, id catalog.ListingID) (*catalog.Listing, error) {
	return t.state.getListing(id), nil
}

func (t *memTx) ListingsByProduct(_ context.Context, productID catalog.ProductID) ([]catalog.Listing, error) {
	return t.state.listingsByProduct(productID), nil
}

func (t *memTx) LowestListing(_ context.Context, productID catalog.ProductID) (*catalog.Listing, error) {
	return t.state.lowest(productID), nil
}

func (t *memTx) CountListings(_ context.Context, productID catalog.ProductID) (int, error) {
	return len(t.state.listingsByProduct(productID)), nil
}

func (t *memTx) History(_ context.Context, productID catalog.ProductID, limit, offset int) ([]catalog.HistoryEntry, error) {
	return t.state.historyOf(productID, limit, offset), nil
}

// LockProducts only reports existence: the store mutex is already held.
func (t *memTx) LockProducts(_ context.Context, ids ...catalog.ProductID) (map[catalog.ProductID]catalog.Product, error) {
	found := make(map[catalog.ProductID]catalog.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.state.products[id]; ok {
			found[id] = p
		}
	}
	return found, nil
}

func (t *memTx) FindListingBySeller(_ context.Context, productID catalog.ProductID, sellerID catalog.SellerID) (*catalog.Listing, error) {
	for id, l := range t.state.listings {
		if l.ProductID == productID && l.SellerID == sellerID {
			return t.state.getListing(id), nil
		}
	}
	return nil, nil
}

func (t *memTx) ListingsByIDs(_ context.Context, productID catalog.ProductID, ids []catalog.ListingID) ([]catalog.Listing, error) {
	var out []catalog.Listing
	for _, id := range ids {
		if l := t.state.getListing(id); l != nil && l.ProductID == productID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (t *memTx) InsertListing(_ context.Context, l catalog.Listing) (catalog.ListingID, error) {
	if existing := t.pairOwner(l.ProductID, l.SellerID); existing != 0 {
		return 0, &catalog.ConflictError{ProductID: l.ProductID, SellerID: l.SellerID, ListingID: existing}
	}
	t.state.nextListing++
	l.ID = catalog.ListingID(t.state.nextListing)
	l.Seller = catalog.Seller{}
	t.state.listings[l.ID] = l
	return l.ID, nil
}

func (t *memTx) UpdateListing(_ context.Context, l catalog.Listing) error {
	current, ok := t.state.listings[l.ID]
	if !ok {
		return &catalog.NotFoundError{Kind: catalog.KindListing, ID: int64(l.ID)}
	}
	if existing := t.pairOwner(current.ProductID, l.SellerID); existing != 0 && existing != l.ID {
		return &catalog.ConflictError{ProductID: current.ProductID, SellerID: l.SellerID, ListingID: existing}
	}
	current.SellerID = l.SellerID
	current.URL = l.URL
	current.Price = l.Price
	current.UpdatedAt = l.UpdatedAt
	t.state.listings[l.ID] = current
	return nil
}

func (t *memTx) DeleteListing(_ context.Context, id catalog.ListingID) error {
	if _, ok := t.state.listings[id]; !ok {
		return &catalog.NotFoundError{Kind: catalog.KindListing, ID: int64(id)}
	}
	delete(t.state.listings, id)
	return nil
}

func (t *memTx) ReassignListings(_ context.Context, ids []catalog.ListingID, target catalog.ProductID) (int, error) {
	moved := 0
	for _, id := range ids {
		l, ok := t.state.listings[id]
		if !ok {
			continue
		}
		if existing := t.pairOwner(target, l.SellerID); existing != 0 && existing != id {
			return 0, &catalog.ConflictError{ProductID: target, SellerID: l.SellerID, ListingID: existing}
		}
		l.ProductID = target
		t.state.listings[id] = l
		moved++
	}
	return moved, nil
}

func (t *memTx) SetProductVisible(_ context.Context, id catalog.ProductID, visible bool) error {
	p, ok := t.state.products[id]
	if !ok {
		return &catalog.NotFoundError{Kind: catalog.KindProduct, ID: int64(id)}
	}
	p.Visible = visible
	t.state.products[id] = p
	return nil
}

func (t *memTx) AppendHistory(_ context.Context, e catalog.HistoryEntry) error {
	t.state.history = append(t.state.history, e)
	return nil
}

func (t *memTx) pairOwner(productID catalog.ProductID, sellerID catalog.SellerID) catalog.ListingID {
	for id, l := range t.state.listings {
		if l.ProductID == productID && l.SellerID == sellerID {
			return id
		}
	}
	return 0
}

// Compile-time interface checks.
var (
	_ catalog.Store         = (*Memory)(nil)
	_ catalog.CatalogWriter = (*Memory)(nil)
	_ catalog.Tx            = (*memTx)(nil)
)
