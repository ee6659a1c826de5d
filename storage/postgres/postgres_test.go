package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnca/storage"
	"github.com/jmcleod/ovpnca/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("OVPNCA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OVPNCA_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "could not connect to postgres")
	require.NoError(t, EnsureSchema(ctx, pool), "could not ensure schema")

	// Clean tables for test isolation.
	truncate := func() {
		pool.Exec(ctx, `TRUNCATE sequences, x509, crl, crlentry, pkcs12`) //nolint:errcheck
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		return newTestStore(t)
	})
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil, "x"))
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: "23505"}, "x509/1"), storage.ErrConflict)
	assert.ErrorIs(t, mapError(&pgconn.PgError{Code: "55P03"}, "x509/1"), storage.ErrDatabaseLocked)
	assert.NotErrorIs(t, mapError(&pgconn.PgError{Code: "42P01"}, "x509/1"), storage.ErrNotFound)
}
