package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricewatch/price-ledger/catalog"
	"github.com/pricewatch/price-ledger/catalog/catalogtest"
)

// testDSNEnv names a disposable database. Every test truncates it.
const testDSNEnv = "PRICELEDGER_TEST_POSTGRES_DSN"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	ctx := context.Background()
	client, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.RunMigrations(ctx))
	require.NoError(t, client.Store().Reset(ctx))
	return client
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
	assert.Equal(t,
		"postgres://app:pw@db:5432/prices?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "prices", User: "app", Password: "pw"}),
	)
	assert.Equal(t,
		"postgres://app:pw@db:6543/prices?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6543, Database: "prices", User: "app", Password: "pw", SSLMode: "require"}),
	)
}

func TestEngine_PostgresStore(t *testing.T) {
	if os.Getenv(testDSNEnv) == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	catalogtest.Run(t, func(t *testing.T) catalogtest.Backend {
		return newTestClient(t).Store()
	})
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	client := newTestClient(t)

	require.NoError(t, client.RunMigrations(context.Background()))

	var applied int
	err := client.Pool().QueryRow(context.Background(),
		`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
}

func TestPriceHistory_IsAppendOnly(t *testing.T) {
	// GIVEN: A product with one history entry
	client := newTestClient(t)
	f := catalogtest.NewFixture(t, client.Store())
	product := f.Product(t, "A")
	f.List(t, product, f.Seller(t, "x"), 1000)

	ctx := context.Background()

	// WHEN: The ledger is edited directly
	_, updateErr := client.Pool().Exec(ctx, `UPDATE price_history SET new_price = 1`)
	_, deleteErr := client.Pool().Exec(ctx, `DELETE FROM price_history`)

	// THEN: The trigger refuses both
	assert.Error(t, updateErr)
	assert.Error(t, deleteErr)
	history := f.History(t, product)
	require.Len(t, history, 1)
	assert.Equal(t, catalog.Price(1000), *history[0].NewPrice)
}

func TestInsertListing_MapsUniqueViolationToConflict(t *testing.T) {
	// GIVEN: Seller x on product A
	client := newTestClient(t)
	store := client.Store()
	f := catalogtest.NewFixture(t, store)
	product := f.Product(t, "A")
	x := f.Seller(t, "x")
	f.List(t, product, x, 1000)

	// WHEN: A second row for the pair bypasses the engine's pre-check
	err := store.WithTx(context.Background(), func(tx catalog.Tx) error {
		_, err := tx.InsertListing(context.Background(), catalog.Listing{
			ProductID: product, SellerID: x, URL: "dup", Price: 1,
		})
		return err
	})

	// THEN: The database constraint surfaces as a Conflict
	assert.True(t, catalog.IsConflict(err))
}
