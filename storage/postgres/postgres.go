// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Table and column names match the SQLite backend so that a database can be
// moved between the two with a plain dump. Timestamps are stored as text in
// storage.TimeLayout; DER blobs and keystores use BYTEA.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ovpnca/storage"
)

const (
	certColumns = `id, type, version, filename, path, serial, issuer, subject, content,
		content_display, cert_serialized, key, key_content, createdate, validfrom,
		validto, generated, owner_kind, userid`
	crlColumns = `id, crlnumber, version, filename, path, issuer, content, content_display,
		crl_serialized, createdate, validfrom, nextupdate`
	revocationColumns = `id, serial, revocationdate, x509id, crlid, username`
	bundleColumns     = `id, friendlyname, password, content, x509id`
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// mapError translates pgx errors into the storage sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", what, storage.ErrConflict)
		case "55P03", "40P01": // lock_not_available, deadlock_detected
			return fmt.Errorf("%s: %w", what, storage.ErrDatabaseLocked)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func expectRow(tag pgconn.CommandTag, what string) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) NextID(ctx context.Context, table storage.Table) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sequences (name, next) VALUES ($1, 1)
		 ON CONFLICT (name) DO UPDATE SET next = sequences.next + 1
		 RETURNING next - 1`, string(table)).Scan(&id)
	if err != nil {
		return 0, mapError(err, "sequence "+string(table))
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func scanCertificate(row pgx.Row) (*storage.Certificate, error) {
	var (
		c                           storage.Certificate
		kind, owner                 int
		created, validFrom, validTo string
	)
	err := row.Scan(&c.ID, &kind, &c.Version, &c.Filename, &c.Path, &c.Serial, &c.Issuer,
		&c.Subject, &c.Content, &c.ContentDisplay, &c.Serialized, &c.Key, &c.KeyContent,
		&created, &validFrom, &validTo, &c.Generated, &owner, &c.OwnerID)
	if err != nil {
		return nil, err
	}
	c.Kind = storage.Kind(kind)
	c.OwnerKind = storage.OwnerKind(owner)
	if c.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if c.ValidFrom, err = storage.ParseTime(validFrom); err != nil {
		return nil, err
	}
	if c.ValidTo, err = storage.ParseTime(validTo); err != nil {
		return nil, err
	}
	return &c, nil
}

func certificateArgs(c *storage.Certificate) []any {
	return []any{c.ID, int(c.Kind), c.Version, c.Filename, c.Path, c.Serial, c.Issuer,
		c.Subject, c.Content, c.ContentDisplay, c.Serialized, c.Key, c.KeyContent,
		storage.FormatTime(c.CreatedAt), storage.FormatTime(c.ValidFrom),
		storage.FormatTime(c.ValidTo), c.Generated, int(c.OwnerKind), c.OwnerID}
}

func (s *Store) PutCertificate(ctx context.Context, cert *storage.Certificate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO x509 (`+certColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		certificateArgs(cert)...)
	return mapError(err, fmt.Sprintf("x509/%d", cert.ID))
}

func (s *Store) GetCertificate(ctx context.Context, id int64) (*storage.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certColumns+` FROM x509 WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("x509/%d", id))
	}
	return c, nil
}

func (s *Store) UpdateCertificate(ctx context.Context, cert *storage.Certificate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE x509 SET type = $2, version = $3, filename = $4, path = $5, serial = $6,
			issuer = $7, subject = $8, content = $9, content_display = $10,
			cert_serialized = $11, key = $12, key_content = $13, createdate = $14,
			validfrom = $15, validto = $16, generated = $17, owner_kind = $18, userid = $19
		 WHERE id = $1`,
		certificateArgs(cert)...)
	what := fmt.Sprintf("x509/%d", cert.ID)
	if err != nil {
		return mapError(err, what)
	}
	return expectRow(tag, what)
}

func (s *Store) DeleteCertificate(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM x509 WHERE id = $1`, id)
	what := fmt.Sprintf("x509/%d", id)
	if err != nil {
		return mapError(err, what)
	}
	return expectRow(tag, what)
}

func (s *Store) ListCertificates(ctx context.Context, kinds ...storage.Kind) ([]*storage.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM x509`
	var args []any
	if len(kinds) > 0 {
		codes := make([]int32, len(kinds))
		for i, k := range kinds {
			codes[i] = int32(k)
		}
		query += ` WHERE type = ANY($1)`
		args = append(args, codes)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, mapError(err, "list x509")
	}
	defer rows.Close()

	var out []*storage.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) FindCertificateBySerial(ctx context.Context, serial string) (*storage.Certificate, error) {
	c, err := scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certColumns+` FROM x509 WHERE serial = $1`, serial))
	if err != nil {
		return nil, mapError(err, "serial "+serial)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// CRLs
// ---------------------------------------------------------------------------

func scanCRL(row pgx.Row) (*storage.CRL, error) {
	var (
		c                              storage.CRL
		created, validFrom, nextUpdate string
	)
	err := row.Scan(&c.ID, &c.Number, &c.Version, &c.Filename, &c.Path, &c.Issuer, &c.Content,
		&c.ContentDisplay, &c.Serialized, &created, &validFrom, &nextUpdate)
	if err != nil {
		return nil, err
	}
	if c.CreatedAt, err = storage.ParseTime(created); err != nil {
		return nil, err
	}
	if c.ValidFrom, err = storage.ParseTime(validFrom); err != nil {
		return nil, err
	}
	if c.NextUpdate, err = storage.ParseTime(nextUpdate); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) PutCRL(ctx context.Context, crl *storage.CRL) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crl (`+crlColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		crl.ID, crl.Number, crl.Version, crl.Filename, crl.Path, crl.Issuer, crl.Content,
		crl.ContentDisplay, crl.Serialized, storage.FormatTime(crl.CreatedAt),
		storage.FormatTime(crl.ValidFrom), storage.FormatTime(crl.NextUpdate))
	return mapError(err, fmt.Sprintf("crl/%d number %d", crl.ID, crl.Number))
}

func (s *Store) GetCRL(ctx context.Context, id int64) (*storage.CRL, error) {
	c, err := scanCRL(s.pool.QueryRow(ctx, `SELECT `+crlColumns+` FROM crl WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("crl/%d", id))
	}
	return c, nil
}

func (s *Store) LatestCRL(ctx context.Context) (*storage.CRL, error) {
	c, err := scanCRL(s.pool.QueryRow(ctx, `SELECT `+crlColumns+` FROM crl ORDER BY crlnumber DESC LIMIT 1`))
	if err != nil {
		return nil, mapError(err, "latest crl")
	}
	return c, nil
}

func (s *Store) ListCRLs(ctx context.Context) ([]*storage.CRL, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+crlColumns+` FROM crl ORDER BY crlnumber`)
	if err != nil {
		return nil, mapError(err, "list crl")
	}
	defer rows.Close()

	var out []*storage.CRL
	for rows.Next() {
		c, err := scanCRL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Revocation entries
// ---------------------------------------------------------------------------

func scanRevocation(row pgx.Row) (*storage.RevocationEntry, error) {
	var (
		e  storage.RevocationEntry
		at string
	)
	if err := row.Scan(&e.ID, &e.Serial, &at, &e.CertificateID, &e.CRLID, &e.Username); err != nil {
		return nil, err
	}
	var err error
	if e.RevokedAt, err = storage.ParseTime(at); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) PutRevocation(ctx context.Context, entry *storage.RevocationEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO crlentry (`+revocationColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.Serial, storage.FormatTime(entry.RevokedAt), entry.CertificateID,
		entry.CRLID, entry.Username)
	return mapError(err, "revoked serial "+entry.Serial)
}

func (s *Store) GetRevocationBySerial(ctx context.Context, serial string) (*storage.RevocationEntry, error) {
	e, err := scanRevocation(s.pool.QueryRow(ctx,
		`SELECT `+revocationColumns+` FROM crlentry WHERE serial = $1`, serial))
	if err != nil {
		return nil, mapError(err, "revoked serial "+serial)
	}
	return e, nil
}

func (s *Store) DeleteRevocation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crlentry WHERE id = $1`, id)
	what := fmt.Sprintf("crlentry/%d", id)
	if err != nil {
		return mapError(err, what)
	}
	return expectRow(tag, what)
}

func (s *Store) ListRevocations(ctx context.Context) ([]*storage.RevocationEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+revocationColumns+` FROM crlentry ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "list crlentry")
	}
	defer rows.Close()

	var out []*storage.RevocationEntry
	for rows.Next() {
		e, err := scanRevocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// PKCS#12 bundles
// ---------------------------------------------------------------------------

func scanBundle(row pgx.Row) (*storage.PKCS12Bundle, error) {
	var b storage.PKCS12Bundle
	if err := row.Scan(&b.ID, &b.FriendlyName, &b.Password, &b.Content, &b.CertificateID); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) PutBundle(ctx context.Context, bundle *storage.PKCS12Bundle) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pkcs12 (`+bundleColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		bundle.ID, bundle.FriendlyName, bundle.Password, bundle.Content, bundle.CertificateID)
	return mapError(err, fmt.Sprintf("bundle for certificate %d", bundle.CertificateID))
}

func (s *Store) GetBundle(ctx context.Context, id int64) (*storage.PKCS12Bundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx, `SELECT `+bundleColumns+` FROM pkcs12 WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("pkcs12/%d", id))
	}
	return b, nil
}

func (s *Store) GetBundleByCertificate(ctx context.Context, certificateID int64) (*storage.PKCS12Bundle, error) {
	b, err := scanBundle(s.pool.QueryRow(ctx,
		`SELECT `+bundleColumns+` FROM pkcs12 WHERE x509id = $1`, certificateID))
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("bundle for certificate %d", certificateID))
	}
	return b, nil
}

func (s *Store) DeleteBundle(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pkcs12 WHERE id = $1`, id)
	what := fmt.Sprintf("pkcs12/%d", id)
	if err != nil {
		return mapError(err, what)
	}
	return expectRow(tag, what)
}
