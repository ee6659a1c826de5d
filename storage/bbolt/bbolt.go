// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ovpnca/storage"
)

const settingsBucket = "settings"

// Store implements storage.Repository backed by a BBolt database. Each
// table is one bucket keyed by the big-endian identifier; the bucket's own
// sequence drives NextID.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, table := range storage.Tables() {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucketIfNotExists([]byte(settingsBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database so that other stores can share it.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func (s *Store) NextID(_ context.Context, table storage.Table) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("unknown table %s", table)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = int64(seq) - 1
		return nil
	})
	return id, err
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSetting returns the raw value stored under name, or storage.ErrNotFound.
func (s *Store) GetSetting(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(settingsBucket)).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("setting %s: %w", name, storage.ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// PutSetting stores value under name, replacing any previous value.
func (s *Store) PutSetting(name string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).Put([]byte(name), value)
	})
}

// ---------------------------------------------------------------------------
// Generic bucket helpers
// ---------------------------------------------------------------------------

func get[T any](db *bbolt.DB, table storage.Table, id int64) (*T, error) {
	var v T
	err := db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(table)).Get(key(id))
		if data == nil {
			return fmt.Errorf("%s/%d: %w", table, id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func each[T any](b *bbolt.Bucket, fn func(*T) error) error {
	return b.ForEach(func(_, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		return fn(&v)
	})
}

func list[T any](db *bbolt.DB, table storage.Table, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := db.View(func(tx *bbolt.Tx) error {
		return each(tx.Bucket([]byte(table)), func(v *T) error {
			if keep == nil || keep(v) {
				out = append(out, v)
			}
			return nil
		})
	})
	return out, err
}

// insert stores v under id after checking that no existing record collides
// with it according to clash. The whole check runs in one write
// transaction.
func insert[T any](db *bbolt.DB, table storage.Table, id int64, v *T, clash func(*T) error) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b.Get(key(id)) != nil {
			return fmt.Errorf("%s/%d: %w", table, id, storage.ErrConflict)
		}
		if clash != nil {
			if err := each(b, clash); err != nil {
				return err
			}
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key(id), data)
	})
}

func remove(db *bbolt.DB, table storage.Table, id int64) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b.Get(key(id)) == nil {
			return fmt.Errorf("%s/%d: %w", table, id, storage.ErrNotFound)
		}
		return b.Delete(key(id))
	})
}

func findOne[T any](db *bbolt.DB, table storage.Table, match func(*T) bool, what string) (*T, error) {
	found, err := list(db, table, match)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return found[0], nil
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func (s *Store) PutCertificate(_ context.Context, cert *storage.Certificate) error {
	return insert(s.db, storage.TableCertificates, cert.ID, cert, func(c *storage.Certificate) error {
		if c.Serial == cert.Serial {
			return fmt.Errorf("serial %s: %w", cert.Serial, storage.ErrConflict)
		}
		return nil
	})
}

func (s *Store) GetCertificate(_ context.Context, id int64) (*storage.Certificate, error) {
	return get[storage.Certificate](s.db, storage.TableCertificates, id)
}

func (s *Store) UpdateCertificate(_ context.Context, cert *storage.Certificate) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(storage.TableCertificates))
		if b.Get(key(cert.ID)) == nil {
			return fmt.Errorf("%s/%d: %w", storage.TableCertificates, cert.ID, storage.ErrNotFound)
		}
		err := each(b, func(c *storage.Certificate) error {
			if c.ID != cert.ID && c.Serial == cert.Serial {
				return fmt.Errorf("serial %s: %w", cert.Serial, storage.ErrConflict)
			}
			return nil
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(cert)
		if err != nil {
			return err
		}
		return b.Put(key(cert.ID), data)
	})
}

func (s *Store) DeleteCertificate(_ context.Context, id int64) error {
	return remove(s.db, storage.TableCertificates, id)
}

func (s *Store) ListCertificates(_ context.Context, kinds ...storage.Kind) ([]*storage.Certificate, error) {
	want := make(map[storage.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	return list(s.db, storage.TableCertificates, func(c *storage.Certificate) bool {
		return len(want) == 0 || want[c.Kind]
	})
}

func (s *Store) FindCertificateBySerial(_ context.Context, serial string) (*storage.Certificate, error) {
	return findOne(s.db, storage.TableCertificates, func(c *storage.Certificate) bool {
		return c.Serial == serial
	}, "serial "+serial)
}

// ---------------------------------------------------------------------------
// CRLs
// ---------------------------------------------------------------------------

func (s *Store) PutCRL(_ context.Context, crl *storage.CRL) error {
	return insert(s.db, storage.TableCRLs, crl.ID, crl, func(c *storage.CRL) error {
		if c.Number == crl.Number {
			return fmt.Errorf("crl number %d: %w", crl.Number, storage.ErrConflict)
		}
		return nil
	})
}

func (s *Store) GetCRL(_ context.Context, id int64) (*storage.CRL, error) {
	return get[storage.CRL](s.db, storage.TableCRLs, id)
}

func (s *Store) LatestCRL(ctx context.Context) (*storage.CRL, error) {
	crls, err := s.ListCRLs(ctx)
	if err != nil {
		return nil, err
	}
	if len(crls) == 0 {
		return nil, fmt.Errorf("latest %s: %w", storage.TableCRLs, storage.ErrNotFound)
	}
	return crls[len(crls)-1], nil
}

func (s *Store) ListCRLs(_ context.Context) ([]*storage.CRL, error) {
	crls, err := list[storage.CRL](s.db, storage.TableCRLs, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(crls, func(i, j int) bool { return crls[i].Number < crls[j].Number })
	return crls, nil
}

// ---------------------------------------------------------------------------
// Revocation entries
// ---------------------------------------------------------------------------

func (s *Store) PutRevocation(_ context.Context, entry *storage.RevocationEntry) error {
	return insert(s.db, storage.TableRevocations, entry.ID, entry, func(e *storage.RevocationEntry) error {
		if e.Serial == entry.Serial {
			return fmt.Errorf("revoked serial %s: %w", entry.Serial, storage.ErrConflict)
		}
		return nil
	})
}

func (s *Store) GetRevocationBySerial(_ context.Context, serial string) (*storage.RevocationEntry, error) {
	return findOne(s.db, storage.TableRevocations, func(e *storage.RevocationEntry) bool {
		return e.Serial == serial
	}, "revoked serial "+serial)
}

func (s *Store) DeleteRevocation(_ context.Context, id int64) error {
	return remove(s.db, storage.TableRevocations, id)
}

func (s *Store) ListRevocations(_ context.Context) ([]*storage.RevocationEntry, error) {
	return list[storage.RevocationEntry](s.db, storage.TableRevocations, nil)
}

// ---------------------------------------------------------------------------
// PKCS#12 bundles
// ---------------------------------------------------------------------------

func (s *Store) PutBundle(_ context.Context, bundle *storage.PKCS12Bundle) error {
	return insert(s.db, storage.TableBundles, bundle.ID, bundle, func(b *storage.PKCS12Bundle) error {
		if b.CertificateID == bundle.CertificateID {
			return fmt.Errorf("bundle for certificate %d: %w", bundle.CertificateID, storage.ErrConflict)
		}
		return nil
	})
}

func (s *Store) GetBundle(_ context.Context, id int64) (*storage.PKCS12Bundle, error) {
	return get[storage.PKCS12Bundle](s.db, storage.TableBundles, id)
}

func (s *Store) GetBundleByCertificate(_ context.Context, certificateID int64) (*storage.PKCS12Bundle, error) {
	return findOne(s.db, storage.TableBundles, func(b *storage.PKCS12Bundle) bool {
		return b.CertificateID == certificateID
	}, fmt.Sprintf("bundle for certificate %d", certificateID))
}

func (s *Store) DeleteBundle(_ context.Context, id int64) error {
	return remove(s.db, storage.TableBundles, id)
}
