package identity

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ovpnca/storage"
)

var buckets = map[storage.OwnerKind][]byte{
	storage.OwnerUser:   []byte("users"),
	storage.OwnerServer: []byte("servers"),
}

// BoltStore is a Directory kept in the internal BBolt database, one bucket
// per identity kind.
type BoltStore struct {
	db *bbolt.DB
}

var _ Directory = (*BoltStore)(nil)

// NewBoltStore creates the identity buckets in db if needed.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating identity buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func bucketFor(tx *bbolt.Tx, kind storage.OwnerKind) (*bbolt.Bucket, error) {
	name, ok := buckets[kind]
	if !ok {
		return nil, fmt.Errorf("identity kind %d is not a user or server", kind)
	}
	return tx.Bucket(name), nil
}

func (s *BoltStore) get(ref Ref) (*Identity, error) {
	var ident Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucketFor(tx, ref.Kind)
		if err != nil {
			return err
		}
		data := b.Get(idKey(ref.ID))
		if data == nil {
			return fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return json.Unmarshal(data, &ident)
	})
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

func (s *BoltStore) GetUser(_ context.Context, id int64) (*Identity, error) {
	return s.get(Ref{Kind: storage.OwnerUser, ID: id})
}

func (s *BoltStore) GetServer(_ context.Context, id int64) (*Identity, error) {
	return s.get(Ref{Kind: storage.OwnerServer, ID: id})
}

func (s *BoltStore) SetCertificateID(_ context.Context, ref Ref, certID *int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucketFor(tx, ref.Kind)
		if err != nil {
			return err
		}
		data := b.Get(idKey(ref.ID))
		if data == nil {
			return fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		var ident Identity
		if err := json.Unmarshal(data, &ident); err != nil {
			return err
		}
		ident.CertificateID = certID
		out, err := json.Marshal(&ident)
		if err != nil {
			return err
		}
		return b.Put(idKey(ref.ID), out)
	})
}

func (s *BoltStore) Add(_ context.Context, ident *Identity) error {
	if err := validate(ident); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucketFor(tx, ident.Kind)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ident.ID = int64(seq)
		data, err := json.Marshal(ident)
		if err != nil {
			return err
		}
		return b.Put(idKey(ident.ID), data)
	})
}

func (s *BoltStore) List(_ context.Context, kind storage.OwnerKind) ([]*Identity, error) {
	var out []*Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucketFor(tx, kind)
		if err != nil {
			return err
		}
		return b.ForEach(func(_, data []byte) error {
			var ident Identity
			if err := json.Unmarshal(data, &ident); err != nil {
				return err
			}
			out = append(out, &ident)
			return nil
		})
	})
	return out, err
}
