// Package sqlite implements storage.Repository on a SQLite database file
// through sqlx.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/storage"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

const (
	certColumns = `id, type, version, filename, path, serial, issuer, subject, content,
		content_display, cert_serialized, "key", key_content, createdate, validfrom,
		validto, generated, owner_kind, userid`
	crlColumns = `id, crlnumber, version, filename, path, issuer, content, content_display,
		crl_serialized, createdate, validfrom, nextupdate`
	revocationColumns = `id, serial, revocationdate, x509id, crlid, username`
	bundleColumns     = `id, friendlyname, password, content, x509id`
)

// Store implements storage.Repository using SQLite.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ storage.Repository = (*Store)(nil)

// New opens (creating if needed) the database at dbPath and applies the
// schema. A dbPath that already starts with "file:" is used verbatim.
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := dbPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serialises writers and keeps NextID atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite storage initialized", zap.String("database_path", dbPath))
	return s, nil
}

func (s *Store) initSchema() error {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}
	if version >= schemaVersion {
		s.logger.Debug("Database schema already exists", zap.Int("version", version))
		return nil
	}
	s.logger.Info("Initializing database schema", zap.Int("version", schemaVersion))
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// mapError translates driver errors into the storage sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w", what, storage.ErrConflict)
		case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
			return fmt.Errorf("%s: %w", what, storage.ErrDatabaseLocked)
		}
	}
	return fmt.Errorf("%s: %w", what, err)
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) NextID(ctx context.Context, table storage.Table) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`INSERT INTO sequences (name, next) VALUES (?, 1)
		 ON CONFLICT (name) DO UPDATE SET next = next + 1
		 RETURNING next - 1`, string(table))
	if err != nil {
		return 0, mapError(err, "sequence "+string(table))
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func (s *Store) PutCertificate(ctx context.Context, cert *storage.Certificate) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO x509 (`+certColumns+`) VALUES (
			:id, :type, :version, :filename, :path, :serial, :issuer, :subject, :content,
			:content_display, :cert_serialized, :key, :key_content, :createdate, :validfrom,
			:validto, :generated, :owner_kind, :userid)`,
		fromCertificate(cert))
	if err != nil {
		return mapError(err, fmt.Sprintf("x509/%d", cert.ID))
	}
	s.logger.Debug("Certificate saved", zap.Int64("id", cert.ID), zap.String("serial", cert.Serial))
	return nil
}

func (s *Store) GetCertificate(ctx context.Context, id int64) (*storage.Certificate, error) {
	var row certRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+certColumns+` FROM x509 WHERE id = ?`, id); err != nil {
		return nil, mapError(err, fmt.Sprintf("x509/%d", id))
	}
	return row.certificate()
}

func (s *Store) UpdateCertificate(ctx context.Context, cert *storage.Certificate) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE x509 SET type = :type, version = :version, filename = :filename, path = :path,
			serial = :serial, issuer = :issuer, subject = :subject, content = :content,
			content_display = :content_display, cert_serialized = :cert_serialized,
			"key" = :key, key_content = :key_content, createdate = :createdate,
			validfrom = :validfrom, validto = :validto, generated = :generated,
			owner_kind = :owner_kind, userid = :userid
		 WHERE id = :id`,
		fromCertificate(cert))
	what := fmt.Sprintf("x509/%d", cert.ID)
	if err != nil {
		return mapError(err, what)
	}
	return affected(res, what)
}

func (s *Store) DeleteCertificate(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM x509 WHERE id = ?`, id)
	what := fmt.Sprintf("x509/%d", id)
	if err != nil {
		return mapError(err, what)
	}
	return affected(res, what)
}

func (s *Store) ListCertificates(ctx context.Context, kinds ...storage.Kind) ([]*storage.Certificate, error) {
	query := `SELECT ` + certColumns + ` FROM x509`
	var args []any
	if len(kinds) > 0 {
		var err error
		query, args, err = sqlx.In(query+` WHERE type IN (?)`, kinds)
		if err != nil {
			return nil, err
		}
	}
	var rows []certRow
	if err := s.db.SelectContext(ctx, &rows, query+` ORDER BY id`, args...); err != nil {
		return nil, mapError(err, "list x509")
	}
	out := make([]*storage.Certificate, 0, len(rows))
	for _, r := range rows {
		c, err := r.certificate()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) FindCertificateBySerial(ctx context.Context, serial string) (*storage.Certificate, error) {
	var row certRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+certColumns+` FROM x509 WHERE serial = ?`, serial); err != nil {
		return nil, mapError(err, "serial "+serial)
	}
	return row.certificate()
}

// ---------------------------------------------------------------------------
// CRLs
// ---------------------------------------------------------------------------

func (s *Store) PutCRL(ctx context.Context, crl *storage.CRL) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO crl (`+crlColumns+`) VALUES (
			:id, :crlnumber, :version, :filename, :path, :issuer, :content, :content_display,
			:crl_serialized, :createdate, :validfrom, :nextupdate)`,
		fromCRL(crl))
	if err != nil {
		return mapError(err, fmt.Sprintf("crl/%d number %d", crl.ID, crl.Number))
	}
	s.logger.Debug("CRL saved", zap.Int64("id", crl.ID), zap.Int64("number", crl.Number))
	return nil
}

func (s *Store) getCRL(ctx context.Context, what, query string, args ...any) (*storage.CRL, error) {
	var row crlRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return nil, mapError(err, what)
	}
	return row.crl()
}

func (s *Store) GetCRL(ctx context.Context, id int64) (*storage.CRL, error) {
	return s.getCRL(ctx, fmt.Sprintf("crl/%d", id), `SELECT `+crlColumns+` FROM crl WHERE id = ?`, id)
}

func (s *Store) LatestCRL(ctx context.Context) (*storage.CRL, error) {
	return s.getCRL(ctx, "latest crl", `SELECT `+crlColumns+` FROM crl ORDER BY crlnumber DESC LIMIT 1`)
}

func (s *Store) ListCRLs(ctx context.Context) ([]*storage.CRL, error) {
	var rows []crlRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+crlColumns+` FROM crl ORDER BY crlnumber`); err != nil {
		return nil, mapError(err, "list crl")
	}
	out := make([]*storage.CRL, 0, len(rows))
	for _, r := range rows {
		c, err := r.crl()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Revocation entries
// ---------------------------------------------------------------------------

func (s *Store) PutRevocation(ctx context.Context, entry *storage.RevocationEntry) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO crlentry (`+revocationColumns+`) VALUES (
			:id, :serial, :revocationdate, :x509id, :crlid, :username)`,
		fromRevocation(entry))
	return mapError(err, "revoked serial "+entry.Serial)
}

func (s *Store) GetRevocationBySerial(ctx context.Context, serial string) (*storage.RevocationEntry, error) {
	var row revocationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+revocationColumns+` FROM crlentry WHERE serial = ?`, serial)
	if err != nil {
		return nil, mapError(err, "revoked serial "+serial)
	}
	return row.entry()
}

func (s *Store) DeleteRevocation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM crlentry WHERE id = ?`, id)
	what := fmt.Sprintf("crlentry/%d", id)
	if err != nil {
		return mapError(err, what)
	}
	return affected(res, what)
}

func (s *Store) ListRevocations(ctx context.Context) ([]*storage.RevocationEntry, error) {
	var rows []revocationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+revocationColumns+` FROM crlentry ORDER BY id`); err != nil {
		return nil, mapError(err, "list crlentry")
	}
	out := make([]*storage.RevocationEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// PKCS#12 bundles
// ---------------------------------------------------------------------------

func (s *Store) PutBundle(ctx context.Context, bundle *storage.PKCS12Bundle) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO pkcs12 (`+bundleColumns+`) VALUES (:id, :friendlyname, :password, :content, :x509id)`,
		fromBundle(bundle))
	return mapError(err, fmt.Sprintf("bundle for certificate %d", bundle.CertificateID))
}

func (s *Store) GetBundle(ctx context.Context, id int64) (*storage.PKCS12Bundle, error) {
	var row bundleRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+bundleColumns+` FROM pkcs12 WHERE id = ?`, id); err != nil {
		return nil, mapError(err, fmt.Sprintf("pkcs12/%d", id))
	}
	return row.bundle(), nil
}

func (s *Store) GetBundleByCertificate(ctx context.Context, certificateID int64) (*storage.PKCS12Bundle, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row, `SELECT `+bundleColumns+` FROM pkcs12 WHERE x509id = ?`, certificateID)
	if err != nil {
		return nil, mapError(err, fmt.Sprintf("bundle for certificate %d", certificateID))
	}
	return row.bundle(), nil
}

func (s *Store) DeleteBundle(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pkcs12 WHERE id = ?`, id)
	what := fmt.Sprintf("pkcs12/%d", id)
	if err != nil {
		return mapError(err, what)
	}
	return affected(res, what)
}
