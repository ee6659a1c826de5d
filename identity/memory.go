package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmcleod/ovpnca/storage"
)

// MemoryStore is a thread-safe in-memory Directory.
type MemoryStore struct {
	mu      sync.RWMutex
	next    map[storage.OwnerKind]int64
	records map[Ref]*Identity
}

var _ Directory = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		next:    make(map[storage.OwnerKind]int64),
		records: make(map[Ref]*Identity),
	}
}

func (m *MemoryStore) get(ref Ref) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.records[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return ident.clone(), nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (*Identity, error) {
	return m.get(Ref{Kind: storage.OwnerUser, ID: id})
}

func (m *MemoryStore) GetServer(_ context.Context, id int64) (*Identity, error) {
	return m.get(Ref{Kind: storage.OwnerServer, ID: id})
}

func (m *MemoryStore) SetCertificateID(_ context.Context, ref Ref, certID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.records[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if certID == nil {
		ident.CertificateID = nil
	} else {
		id := *certID
		ident.CertificateID = &id
	}
	return nil
}

func (m *MemoryStore) Add(_ context.Context, ident *Identity) error {
	if err := validate(ident); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[ident.Kind]++
	ident.ID = m.next[ident.Kind]
	m.records[ident.Ref()] = ident.clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, kind storage.OwnerKind) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Identity
	for ref, ident := range m.records {
		if ref.Kind == kind {
			out = append(out, ident.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
