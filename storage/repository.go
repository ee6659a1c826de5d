// Package storage provides the storage abstraction layer for issued
// certificates, CRLs, revocation entries and PKCS#12 bundles.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a write would violate a uniqueness
	// constraint (identifier, serial, CRL number, bundle per certificate).
	ErrConflict = errors.New("record already exists")

	// ErrDatabaseLocked is returned when the backing database is held by
	// another writer.
	ErrDatabaseLocked = errors.New("database is locked")
)

// Table names an entity kind for identifier allocation. The values match
// the persisted table names.
type Table string

const (
	TableCertificates Table = "x509"
	TableCRLs         Table = "crl"
	TableRevocations  Table = "crlentry"
	TableBundles      Table = "pkcs12"
)

// Tables lists every table that owns an identifier sequence.
func Tables() []Table {
	return []Table{TableCertificates, TableCRLs, TableRevocations, TableBundles}
}

// Repository defines durable storage for the certificate lifecycle engine.
//
// NextID reserves identifiers atomically; an identifier handed out once is
// never returned again, even if the caller never writes a record with it.
type Repository interface {
	NextID(ctx context.Context, table Table) (int64, error)

	PutCertificate(ctx context.Context, cert *Certificate) error
	GetCertificate(ctx context.Context, id int64) (*Certificate, error)
	UpdateCertificate(ctx context.Context, cert *Certificate) error
	DeleteCertificate(ctx context.Context, id int64) error
	// ListCertificates returns certificates ordered by identifier. With no
	// kinds every certificate is returned.
	ListCertificates(ctx context.Context, kinds ...Kind) ([]*Certificate, error)
	FindCertificateBySerial(ctx context.Context, serial string) (*Certificate, error)

	PutCRL(ctx context.Context, crl *CRL) error
	GetCRL(ctx context.Context, id int64) (*CRL, error)
	// LatestCRL returns the CRL with the highest number.
	LatestCRL(ctx context.Context) (*CRL, error)
	ListCRLs(ctx context.Context) ([]*CRL, error)

	PutRevocation(ctx context.Context, entry *RevocationEntry) error
	GetRevocationBySerial(ctx context.Context, serial string) (*RevocationEntry, error)
	DeleteRevocation(ctx context.Context, id int64) error
	ListRevocations(ctx context.Context) ([]*RevocationEntry, error)

	PutBundle(ctx context.Context, bundle *PKCS12Bundle) error
	GetBundle(ctx context.Context, id int64) (*PKCS12Bundle, error)
	GetBundleByCertificate(ctx context.Context, certificateID int64) (*PKCS12Bundle, error)
	DeleteBundle(ctx context.Context, id int64) error

	Close() error
}
