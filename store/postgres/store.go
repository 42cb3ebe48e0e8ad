package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pricewatch/price-ledger/catalog"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store implements catalog.Store on PostgreSQL.
//
// Units of work run at READ COMMITTED. LockProducts takes FOR UPDATE row
// locks on the products in ascending id order, so concurrent operations on
// the same product queue behind each other while different products
// proceed in parallel. Reads after the lock see every commit that happened
// before it was granted.
type Store struct {
	reader
	pool *pgxpool.Pool
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{reader: reader{q: pool}, pool: pool}
}

// WithTx executes fn within a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(catalog.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	// Rollback must reach the server even if the caller went away.
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(&txStore{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) ProductIDs(ctx context.Context) ([]catalog.ProductID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list products: %w", err)
	}
	defer rows.Close()

	var ids []catalog.ProductID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan product id: %w", err)
		}
		ids = append(ids, catalog.ProductID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list products rows: %w", err)
	}
	return ids, nil
}

// Reset empties every catalog table and restarts id sequences.
// TRUNCATE does not fire row triggers, so the append-only guard on
// price_history stays in place for everything else.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE price_history, listings, sellers, products RESTART IDENTITY CASCADE`)
	if err != nil {
		return fmt.Errorf("postgres: reset: %w", err)
	}
	return nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type txStore struct {
	reader
	tx pgx.Tx
}

func (t *txStore) LockProducts(ctx context.Context, ids ...catalog.ProductID) (map[catalog.ProductID]catalog.Product, error) {
	rows, err := t.tx.Query(ctx,
		productSelect+` WHERE id = ANY($1) ORDER BY id FOR UPDATE`, productIDs(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: lock products: %w", err)
	}
	defer rows.Close()

	found := make(map[catalog.ProductID]catalog.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		found[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lock products rows: %w", err)
	}
	return found, nil
}

func (t *txStore) FindListingBySeller(ctx context.Context, productID catalog.ProductID, sellerID catalog.SellerID) (*catalog.Listing, error) {
	return t.queryListing(ctx, listingSelect+` WHERE l.product_id = $1 AND l.seller_id = $2`,
		int64(productID), int64(sellerID))
}

func (t *txStore) ListingsByIDs(ctx context.Context, productID catalog.ProductID, ids []catalog.ListingID) ([]catalog.Listing, error) {
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	return t.queryListings(ctx,
		listingSelect+` WHERE l.product_id = $1 AND l.id = ANY($2) ORDER BY l.id`,
		int64(productID), raw)
}

func (t *txStore) InsertListing(ctx context.Context, l catalog.Listing) (catalog.ListingID, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO listings (product_id, seller_id, url, price, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		int64(l.ProductID), int64(l.SellerID), l.URL, int64(l.Price), l.CreatedAt, l.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, &catalog.ConflictError{ProductID: l.ProductID, SellerID: l.SellerID}
		}
		return 0, fmt.Errorf("postgres: insert listing: %w", err)
	}
	return catalog.ListingID(id), nil
}

func (t *txStore) UpdateListing(ctx context.Context, l catalog.Listing) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE listings SET seller_id = $1, url = $2, price = $3, updated_at = $4
		WHERE id = $5`,
		int64(l.SellerID), l.URL, int64(l.Price), l.UpdatedAt, int64(l.ID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &catalog.ConflictError{ProductID: l.ProductID, SellerID: l.SellerID}
		}
		return fmt.Errorf("postgres: update listing %d: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &catalog.NotFoundError{Kind: catalog.KindListing, ID: int64(l.ID)}
	}
	return nil
}

func (t *txStore) DeleteListing(ctx context.Context, id catalog.ListingID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM listings WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("postgres: delete listing %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &catalog.NotFoundError{Kind: catalog.KindListing, ID: int64(id)}
	}
	return nil
}

func (t *txStore) ReassignListings(ctx context.Context, ids []catalog.ListingID, target catalog.ProductID) (int, error) {
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE listings SET product_id = $1, updated_at = NOW() WHERE id = ANY($2)`,
		int64(target), raw,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, &catalog.ConflictError{ProductID: target}
		}
		return 0, fmt.Errorf("postgres: reassign listings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (t *txStore) SetProductVisible(ctx context.Context, id catalog.ProductID, visible bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE products SET visible = $1 WHERE id = $2`, visible, int64(id))
	if err != nil {
		return fmt.Errorf("postgres: set product %d visibility: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &catalog.NotFoundError{Kind: catalog.KindProduct, ID: int64(id)}
	}
	return nil
}

func (t *txStore) AppendHistory(ctx context.Context, e catalog.HistoryEntry) error {
	var pct *string
	if e.Percentage.Valid {
		s := e.Percentage.Decimal.StringFixed(2)
		pct = &s
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO price_history
		(id, product_id, seller_id, old_price, new_price, difference, percentage_change, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7::numeric, $8)`,
		e.ID, int64(e.ProductID), int64(e.SellerID),
		optInt(e.OldPrice), optInt(e.NewPrice),
		e.Difference, pct, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append history: %w", err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

type reader struct {
	q querier
}

const productSelect = `
	SELECT id, name, category_id, manufacturer_id, visible, created_at
	FROM products`

const listingSelect = `
	SELECT l.id, l.product_id, l.seller_id, l.url, l.price, l.created_at, l.updated_at,
	       s.name, s.site_url
	FROM listings l
	JOIN sellers s ON s.id = l.seller_id`

func (r reader) GetProduct(ctx context.Context, id catalog.ProductID) (*catalog.Product, error) {
	p, err := scanProduct(r.q.QueryRow(ctx, productSelect+` WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r reader) GetSeller(ctx context.Context, id catalog.SellerID) (*catalog.Seller, error) {
	var (
		s   catalog.Seller
		sid int64
	)
	err := r.q.QueryRow(ctx, `SELECT id, name, site_url FROM sellers WHERE id = $1`, int64(id)).
		Scan(&sid, &s.Name, &s.SiteURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get seller %d: %w", id, err)
	}
	s.ID = catalog.SellerID(sid)
	return &s, nil
}

func (r reader) GetListing(ctx context.Context, id catalog.ListingID) (*catalog.Listing, error) {
	return r.queryListing(ctx, listingSelect+` WHERE l.id = $1`, int64(id))
}

func (r reader) ListingsByProduct(ctx context.Context, productID catalog.ProductID) ([]catalog.Listing, error) {
	return r.queryListings(ctx,
		listingSelect+` WHERE l.product_id = $1 ORDER BY l.price ASC, l.id ASC`, int64(productID))
}

func (r reader) LowestListing(ctx context.Context, productID catalog.ProductID) (*catalog.Listing, error) {
	return r.queryListing(ctx,
		listingSelect+` WHERE l.product_id = $1 ORDER BY l.price ASC, l.id ASC LIMIT 1`, int64(productID))
}

func (r reader) CountListings(ctx context.Context, productID catalog.ProductID) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM listings WHERE product_id = $1`, int64(productID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count listings: %w", err)
	}
	return n, nil
}

func (r reader) History(ctx context.Context, productID catalog.ProductID, limit, offset int) ([]catalog.HistoryEntry, error) {
	query := `
		SELECT id::text, product_id, seller_id, old_price, new_price, difference,
		       percentage_change::text, created_at
		FROM price_history
		WHERE product_id = $1
		ORDER BY seq DESC
		OFFSET $2`
	args := []any{int64(productID), offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history: %w", err)
	}
	defer rows.Close()

	var entries []catalog.HistoryEntry
	for rows.Next() {
		var (
			e                   catalog.HistoryEntry
			productID, sellerID int64
			oldPrice, newPrice  *int64
			pct                 *string
		)
		if err := rows.Scan(&e.ID, &productID, &sellerID, &oldPrice, &newPrice,
			&e.Difference, &pct, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan history: %w", err)
		}
		e.ProductID = catalog.ProductID(productID)
		e.SellerID = catalog.SellerID(sellerID)
		e.OldPrice = pricePtr(oldPrice)
		e.NewPrice = pricePtr(newPrice)
		if pct != nil {
			d, err := decimal.NewFromString(*pct)
			if err != nil {
				return nil, fmt.Errorf("postgres: parse percentage %q: %w", *pct, err)
			}
			e.Percentage = decimal.NullDecimal{Decimal: d, Valid: true}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list history rows: %w", err)
	}
	return entries, nil
}

func (r reader) queryListing(ctx context.Context, query string, args ...any) (*catalog.Listing, error) {
	listings, err := r.queryListings(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(listings) == 0 {
		return nil, nil
	}
	return &listings[0], nil
}

func (r reader) queryListings(ctx context.Context, query string, args ...any) ([]catalog.Listing, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query listings: %w", err)
	}
	defer rows.Close()

	var listings []catalog.Listing
	for rows.Next() {
		var (
			l                       catalog.Listing
			id, productID, sellerID int64
			price                   int64
			createdAt, updatedAt    time.Time
		)
		if err := rows.Scan(&id, &productID, &sellerID, &l.URL, &price,
			&createdAt, &updatedAt, &l.Seller.Name, &l.Seller.SiteURL); err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		l.ID = catalog.ListingID(id)
		l.ProductID = catalog.ProductID(productID)
		l.SellerID = catalog.SellerID(sellerID)
		l.Seller.ID = l.SellerID
		l.Price = catalog.Price(price)
		l.CreatedAt = createdAt.UTC()
		l.UpdatedAt = updatedAt.UTC()
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query listings rows: %w", err)
	}
	return listings, nil
}

// =============================================================================
// REFERENCE DATA (catalog.CatalogWriter)
// =============================================================================

func (s *Store) SaveProduct(ctx context.Context, p catalog.Product) (catalog.ProductID, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var id int64
	var err error
	if p.ID == 0 {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO products (name, category_id, manufacturer_id, visible, created_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			p.Name, p.CategoryID, p.ManufacturerID, p.Visible, p.CreatedAt,
		).Scan(&id)
	} else {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO products (id, name, category_id, manufacturer_id, visible, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				category_id = EXCLUDED.category_id,
				manufacturer_id = EXCLUDED.manufacturer_id,
				visible = EXCLUDED.visible
			RETURNING id`,
			int64(p.ID), p.Name, p.CategoryID, p.ManufacturerID, p.Visible, p.CreatedAt,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: save product: %w", err)
	}
	return catalog.ProductID(id), nil
}

func (s *Store) SaveSeller(ctx context.Context, sl catalog.Seller) (catalog.SellerID, error) {
	var id int64
	var err error
	if sl.ID == 0 {
		err = s.pool.QueryRow(ctx,
			`INSERT INTO sellers (name, site_url) VALUES ($1, $2) RETURNING id`,
			sl.Name, sl.SiteURL,
		).Scan(&id)
	} else {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO sellers (id, name, site_url) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, site_url = EXCLUDED.site_url
			RETURNING id`,
			int64(sl.ID), sl.Name, sl.SiteURL,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: save seller: %w", err)
	}
	return catalog.SellerID(id), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func scanProduct(row pgx.Row) (catalog.Product, error) {
	var (
		p  catalog.Product
		id int64
	)
	err := row.Scan(&id, &p.Name, &p.CategoryID, &p.ManufacturerID, &p.Visible, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("postgres: scan product: %w", err)
	}
	p.ID = catalog.ProductID(id)
	return p, nil
}

func productIDs(ids []catalog.ProductID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func optInt(p *catalog.Price) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}

func pricePtr(v *int64) *catalog.Price {
	if v == nil {
		return nil
	}
	p := catalog.Price(*v)
	return &p
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// Compile-time interface checks.
var (
	_ catalog.Store         = (*Store)(nil)
	_ catalog.CatalogWriter = (*Store)(nil)
	_ catalog.Tx            = (*txStore)(nil)
)
