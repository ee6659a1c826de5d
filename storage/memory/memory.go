// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/ovpnca/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu          sync.RWMutex
	seq         map[storage.Table]int64
	certs       map[int64]*storage.Certificate
	crls        map[int64]*storage.CRL
	revocations map[int64]*storage.RevocationEntry
	bundles     map[int64]*storage.PKCS12Bundle
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		seq:         make(map[storage.Table]int64),
		certs:       make(map[int64]*storage.Certificate),
		crls:        make(map[int64]*storage.CRL),
		revocations: make(map[int64]*storage.RevocationEntry),
		bundles:     make(map[int64]*storage.PKCS12Bundle),
	}
}

func (r *Repository) NextID(_ context.Context, table storage.Table) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.seq[table]
	r.seq[table] = id + 1
	return id, nil
}

func (r *Repository) Close() error { return nil }

func notFound(table storage.Table, id any) error {
	return fmt.Errorf("%s/%v: %w", table, id, storage.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

func (r *Repository) PutCertificate(_ context.Context, cert *storage.Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[cert.ID]; ok {
		return fmt.Errorf("%s/%d: %w", storage.TableCertificates, cert.ID, storage.ErrConflict)
	}
	for _, c := range r.certs {
		if c.Serial == cert.Serial {
			return fmt.Errorf("serial %s: %w", cert.Serial, storage.ErrConflict)
		}
	}
	r.certs[cert.ID] = cert.Clone()
	return nil
}

func (r *Repository) GetCertificate(_ context.Context, id int64) (*storage.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.certs[id]
	if !ok {
		return nil, notFound(storage.TableCertificates, id)
	}
	return c.Clone(), nil
}

func (r *Repository) UpdateCertificate(_ context.Context, cert *storage.Certificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[cert.ID]; !ok {
		return notFound(storage.TableCertificates, cert.ID)
	}
	for id, c := range r.certs {
		if id != cert.ID && c.Serial == cert.Serial {
			return fmt.Errorf("serial %s: %w", cert.Serial, storage.ErrConflict)
		}
	}
	r.certs[cert.ID] = cert.Clone()
	return nil
}

func (r *Repository) DeleteCertificate(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.certs[id]; !ok {
		return notFound(storage.TableCertificates, id)
	}
	delete(r.certs, id)
	return nil
}

func (r *Repository) ListCertificates(_ context.Context, kinds ...storage.Kind) ([]*storage.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*storage.Certificate
	for _, c := range r.certs {
		if matchKind(c.Kind, kinds) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchKind(k storage.Kind, kinds []storage.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func (r *Repository) FindCertificateBySerial(_ context.Context, serial string) (*storage.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.certs {
		if c.Serial == serial {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("serial %s: %w", serial, storage.ErrNotFound)
}

// ---------------------------------------------------------------------------
// CRLs
// ---------------------------------------------------------------------------

func (r *Repository) PutCRL(_ context.Context, crl *storage.CRL) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.crls[crl.ID]; ok {
		return fmt.Errorf("%s/%d: %w", storage.TableCRLs, crl.ID, storage.ErrConflict)
	}
	for _, c := range r.crls {
		if c.Number == crl.Number {
			return fmt.Errorf("crl number %d: %w", crl.Number, storage.ErrConflict)
		}
	}
	r.crls[crl.ID] = crl.Clone()
	return nil
}

func (r *Repository) GetCRL(_ context.Context, id int64) (*storage.CRL, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crls[id]
	if !ok {
		return nil, notFound(storage.TableCRLs, id)
	}
	return c.Clone(), nil
}

func (r *Repository) LatestCRL(_ context.Context) (*storage.CRL, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *storage.CRL
	for _, c := range r.crls {
		if latest == nil || c.Number > latest.Number {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("latest %s: %w", storage.TableCRLs, storage.ErrNotFound)
	}
	return latest.Clone(), nil
}

func (r *Repository) ListCRLs(_ context.Context) ([]*storage.CRL, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*storage.CRL, 0, len(r.crls))
	for _, c := range r.crls {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ---------------------------------------------------------------------------
// Revocation entries
// ---------------------------------------------------------------------------

func (r *Repository) PutRevocation(_ context.Context, entry *storage.RevocationEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revocations[entry.ID]; ok {
		return fmt.Errorf("%s/%d: %w", storage.TableRevocations, entry.ID, storage.ErrConflict)
	}
	for _, e := range r.revocations {
		if e.Serial == entry.Serial {
			return fmt.Errorf("revoked serial %s: %w", entry.Serial, storage.ErrConflict)
		}
	}
	r.revocations[entry.ID] = entry.Clone()
	return nil
}

func (r *Repository) GetRevocationBySerial(_ context.Context, serial string) (*storage.RevocationEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.revocations {
		if e.Serial == serial {
			return e.Clone(), nil
		}
	}
	return nil, fmt.Errorf("revoked serial %s: %w", serial, storage.ErrNotFound)
}

func (r *Repository) DeleteRevocation(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.revocations[id]; !ok {
		return notFound(storage.TableRevocations, id)
	}
	delete(r.revocations, id)
	return nil
}

func (r *Repository) ListRevocations(_ context.Context) ([]*storage.RevocationEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*storage.RevocationEntry, 0, len(r.revocations))
	for _, e := range r.revocations {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// PKCS#12 bundles
// ---------------------------------------------------------------------------

func (r *Repository) PutBundle(_ context.Context, bundle *storage.PKCS12Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bundles[bundle.ID]; ok {
		return fmt.Errorf("%s/%d: %w", storage.TableBundles, bundle.ID, storage.ErrConflict)
	}
	for _, b := range r.bundles {
		if b.CertificateID == bundle.CertificateID {
			return fmt.Errorf("bundle for certificate %d: %w", bundle.CertificateID, storage.ErrConflict)
		}
	}
	r.bundles[bundle.ID] = bundle.Clone()
	return nil
}

func (r *Repository) GetBundle(_ context.Context, id int64) (*storage.PKCS12Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[id]
	if !ok {
		return nil, notFound(storage.TableBundles, id)
	}
	return b.Clone(), nil
}

func (r *Repository) GetBundleByCertificate(_ context.Context, certificateID int64) (*storage.PKCS12Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.bundles {
		if b.CertificateID == certificateID {
			return b.Clone(), nil
		}
	}
	return nil, fmt.Errorf("bundle for certificate %d: %w", certificateID, storage.ErrNotFound)
}

func (r *Repository) DeleteBundle(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bundles[id]; !ok {
		return notFound(storage.TableBundles, id)
	}
	delete(r.bundles, id)
	return nil
}
