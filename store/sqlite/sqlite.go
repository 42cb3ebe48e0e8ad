/*
Package sqlite provides a SQLite-backed implementation of catalog.Store.

PURPOSE:
  Persists products, sellers, listings and the price history ledger.
  Used for development, tests (":memory:") and single-node deployments.
  For multi-node deployments use store/postgres.

KEY TABLES:
  products:      Catalog items, with the visibility flag
  sellers:       Shops (reference data)
  listings:      Per-(product, seller) prices, UNIQUE(product_id, seller_id)
  price_history: Append-only lowest-price transitions

APPEND-ONLY ENFORCEMENT:
  Triggers abort any UPDATE or DELETE on price_history. The only way to
  remove history is Reset(), which drops the schema.

CONCURRENCY:
  The pool is capped at ONE connection and transactions are opened with
  BEGIN IMMEDIATE (_txlock=immediate), so a unit of work holds the write
  lock from its first statement. All writers are serialized; a reader
  waits for the running unit of work. LockProducts therefore only checks
  existence. This is coarser than per-product locking but it is the
  finest granularity SQLite has.

  With a single connection, code inside WithTx must only use the Tx it
  was given. Calling the Store from inside fn blocks forever.

TIMESTAMPS:
  Stored as RFC3339Nano text in UTC.

USAGE:
  store, err := sqlite.New("./data/prices.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := catalog.NewEngine(store)

SEE ALSO:
  - catalog/store.go: Interface definitions and locking contract
  - store/postgres: Row-locking implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/pricewatch/price-ledger/catalog"
)

// Store implements catalog.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{reader: reader{q: db}, db: db}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
	CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		category_id INTEGER NOT NULL DEFAULT 0,
		manufacturer_id INTEGER NOT NULL DEFAULT 0,
		visible BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sellers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		site_url TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS listings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		product_id INTEGER NOT NULL REFERENCES products(id),
		seller_id INTEGER NOT NULL REFERENCES sellers(id),
		url TEXT NOT NULL,
		price INTEGER NOT NULL CHECK (price > 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(product_id, seller_id)
	);

	-- Resolver hot path: cheapest listing per product, ties by id
	CREATE INDEX IF NOT EXISTS idx_listings_product_price
		ON listings(product_id, price, id);

	-- Append-only ledger; seq gives a total order within a product
	CREATE TABLE IF NOT EXISTS price_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		product_id INTEGER NOT NULL REFERENCES products(id),
		seller_id INTEGER NOT NULL REFERENCES sellers(id),
		old_price INTEGER,
		new_price INTEGER,
		difference INTEGER NOT NULL,
		percentage_change TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_price_history_product
		ON price_history(product_id, seq DESC);

	CREATE TRIGGER IF NOT EXISTS price_history_no_update
		BEFORE UPDATE ON price_history
	BEGIN
		SELECT RAISE(ABORT, 'price_history is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS price_history_no_delete
		BEFORE DELETE ON price_history
	BEGIN
		SELECT RAISE(ABORT, 'price_history is append-only');
	END;
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset drops every table and recreates the schema. Dev/demo only.
func (s *Store) Reset(ctx context.Context) error {
	const drop = `
		DROP TABLE IF EXISTS price_history;
		DROP TABLE IF EXISTS listings;
		DROP TABLE IF EXISTS sellers;
		DROP TABLE IF EXISTS products;
		DELETE FROM sqlite_sequence;
	`
	if _, err := s.db.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("failed to reset database: %w", err)
	}
	return s.migrate(ctx)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(catalog.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	reader
	tx *sql.Tx
}

// LockProducts returns the existing products. The IMMEDIATE transaction
// already holds the database write lock.
func (t *txStore) LockProducts(ctx context.Context, ids ...catalog.ProductID) (map[catalog.ProductID]catalog.Product, error) {
	found := make(map[catalog.ProductID]catalog.Product, len(ids))
	for _, id := range ids {
		p, err := t.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			found[id] = *p
		}
	}
	return found, nil
}

func (t *txStore) FindListingBySeller(ctx context.Context, productID catalog.ProductID, sellerID catalog.SellerID) (*catalog.Listing, error) {
	return t.queryListing(ctx, listingSelect+` WHERE l.product_id = ? AND l.seller_id = ?`, productID, sellerID)
}

func (t *txStore) ListingsByIDs(ctx context.Context, productID catalog.ProductID, ids []catalog.ListingID) ([]catalog.Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{productID}
	for _, id := range ids {
		args = append(args, id)
	}
	query := listingSelect + ` WHERE l.product_id = ? AND l.id IN (` + placeholders(len(ids)) + `) ORDER BY l.id`
	return t.queryListings(ctx, query, args...)
}

func (t *txStore) InsertListing(ctx context.Context, l catalog.Listing) (catalog.ListingID, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO listings (product_id, seller_id, url, price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.ProductID, l.SellerID, l.URL, l.Price,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, &catalog.ConflictError{ProductID: l.ProductID, SellerID: l.SellerID}
		}
		return 0, fmt.Errorf("failed to insert listing: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read listing id: %w", err)
	}
	return catalog.ListingID(id), nil
}

func (t *txStore) UpdateListing(ctx context.Context, l catalog.Listing) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE listings SET seller_id = ?, url = ?, price = ?, updated_at = ?
		WHERE id = ?`,
		l.SellerID, l.URL, l.Price, formatTime(l.UpdatedAt), l.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &catalog.ConflictError{ProductID: l.ProductID, SellerID: l.SellerID}
		}
		return fmt.Errorf("failed to update listing: %w", err)
	}
	return requireRow(res, catalog.KindListing, int64(l.ID))
}

func (t *txStore) DeleteListing(ctx context.Context, id catalog.ListingID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM listings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	return requireRow(res, catalog.KindListing, int64(id))
}

func (t *txStore) ReassignListings(ctx context.Context, ids []catalog.ListingID, target catalog.ProductID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{target, formatTime(time.Now())}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE listings SET product_id = ?, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, &catalog.ConflictError{ProductID: target}
		}
		return 0, fmt.Errorf("failed to reassign listings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reassigned listings: %w", err)
	}
	return int(n), nil
}

func (t *txStore) SetProductVisible(ctx context.Context, id catalog.ProductID, visible bool) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET visible = ? WHERE id = ?`, visible, id)
	if err != nil {
		return fmt.Errorf("failed to set product visibility: %w", err)
	}
	return requireRow(res, catalog.KindProduct, int64(id))
}

func (t *txStore) AppendHistory(ctx context.Context, e catalog.HistoryEntry) error {
	var pct sql.NullString
	if e.Percentage.Valid {
		pct = sql.NullString{String: e.Percentage.Decimal.StringFixed(2), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO price_history
		(id, product_id, seller_id, old_price, new_price, difference, percentage_change, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProductID, e.SellerID,
		nullPrice(e.OldPrice), nullPrice(e.NewPrice),
		e.Difference, pct, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// =============================================================================
// READS (shared by Store and txStore)
// =============================================================================

type reader struct {
	q querier
}

const listingSelect = `
	SELECT l.id, l.product_id, l.seller_id, l.url, l.price, l.created_at, l.updated_at,
	       s.name, s.site_url
	FROM listings l
	JOIN sellers s ON s.id = l.seller_id`

func (r reader) GetProduct(ctx context.Context, id catalog.ProductID) (*catalog.Product, error) {
	var (
		p         catalog.Product
		createdAt string
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, category_id, manufacturer_id, visible, created_at FROM products WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.Name, &p.CategoryID, &p.ManufacturerID, &p.Visible, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (r reader) GetSeller(ctx context.Context, id catalog.SellerID) (*catalog.Seller, error) {
	var s catalog.Seller
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, site_url FROM sellers WHERE id = ?`, id,
	).Scan(&s.ID, &s.Name, &s.SiteURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get seller: %w", err)
	}
	return &s, nil
}

func (r reader) GetListing(ctx context.Context, id catalog.ListingID) (*catalog.Listing, error) {
	return r.queryListing(ctx, listingSelect+` WHERE l.id = ?`, id)
}

func (r reader) ListingsByProduct(ctx context.Context, productID catalog.ProductID) ([]catalog.Listing, error) {
	return r.queryListings(ctx, listingSelect+` WHERE l.product_id = ? ORDER BY l.price ASC, l.id ASC`, productID)
}

func (r reader) LowestListing(ctx context.Context, productID catalog.ProductID) (*catalog.Listing, error) {
	return r.queryListing(ctx,
		listingSelect+` WHERE l.product_id = ? ORDER BY l.price ASC, l.id ASC LIMIT 1`, productID)
}

func (r reader) CountListings(ctx context.Context, productID catalog.ProductID) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM listings WHERE product_id = ?`, productID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	return n, nil
}

func (r reader) History(ctx context.Context, productID catalog.ProductID, limit, offset int) ([]catalog.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, product_id, seller_id, old_price, new_price, difference, percentage_change, created_at
		FROM price_history
		WHERE product_id = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?`,
		productID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []catalog.HistoryEntry
	for rows.Next() {
		var (
			e         catalog.HistoryEntry
			oldPrice  sql.NullInt64
			newPrice  sql.NullInt64
			pct       sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &e.SellerID, &oldPrice, &newPrice,
			&e.Difference, &pct, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.OldPrice = pricePtr(oldPrice)
		e.NewPrice = pricePtr(newPrice)
		if pct.Valid {
			d, err := decimal.NewFromString(pct.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse percentage %q: %w", pct.String, err)
			}
			e.Percentage = decimal.NullDecimal{Decimal: d, Valid: true}
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ProductIDs(ctx context.Context) ([]catalog.ProductID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var ids []catalog.ProductID
	for rows.Next() {
		var id catalog.ProductID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
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
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var listings []catalog.Listing
	for rows.Next() {
		var (
			l                    catalog.Listing
			createdAt, updatedAt string
		)
		if err := rows.Scan(&l.ID, &l.ProductID, &l.SellerID, &l.URL, &l.Price,
			&createdAt, &updatedAt, &l.Seller.Name, &l.Seller.SiteURL); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		l.Seller.ID = l.SellerID
		l.CreatedAt = parseTime(createdAt)
		l.UpdatedAt = parseTime(updatedAt)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// =============================================================================
// REFERENCE DATA (catalog.CatalogWriter)
// =============================================================================

// SaveProduct inserts a product, or updates it when p.ID is set.
func (s *Store) SaveProduct(ctx context.Context, p catalog.Product) (catalog.ProductID, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO products (name, category_id, manufacturer_id, visible, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			p.Name, p.CategoryID, p.ManufacturerID, p.Visible, formatTime(p.CreatedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert product: %w", err)
		}
		id, err := res.LastInsertId()
		return catalog.ProductID(id), err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category_id, manufacturer_id, visible, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category_id = excluded.category_id,
			manufacturer_id = excluded.manufacturer_id,
			visible = excluded.visible`,
		p.ID, p.Name, p.CategoryID, p.ManufacturerID, p.Visible, formatTime(p.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save product: %w", err)
	}
	return p.ID, nil
}

// SaveSeller inserts a seller, or updates it when sl.ID is set.
func (s *Store) SaveSeller(ctx context.Context, sl catalog.Seller) (catalog.SellerID, error) {
	if sl.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO sellers (name, site_url) VALUES (?, ?)`, sl.Name, sl.SiteURL)
		if err != nil {
			return 0, fmt.Errorf("failed to insert seller: %w", err)
		}
		id, err := res.LastInsertId()
		return catalog.SellerID(id), err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sellers (id, name, site_url) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, site_url = excluded.site_url`,
		sl.ID, sl.Name, sl.SiteURL,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save seller: %w", err)
	}
	return sl.ID, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullPrice(p *catalog.Price) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func pricePtr(n sql.NullInt64) *catalog.Price {
	if !n.Valid {
		return nil
	}
	p := catalog.Price(n.Int64)
	return &p
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func requireRow(res sql.Result, kind catalog.Kind, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &catalog.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Compile-time interface checks.
var (
	_ catalog.Store         = (*Store)(nil)
	_ catalog.CatalogWriter = (*Store)(nil)
	_ catalog.Tx            = (*txStore)(nil)
)
