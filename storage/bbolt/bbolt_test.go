package bbolt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ovpnca/storage"
	"github.com/jmcleod/ovpnca/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "ovpnca-test-*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()

	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Repository {
		s, err := NewRepository(newTestDB(t))
		require.NoError(t, err)
		return s
	})
}

func TestSettings(t *testing.T) {
	s, err := NewRepository(newTestDB(t))
	require.NoError(t, err)

	_, err = s.GetSetting("subject.root")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.PutSetting("subject.root", []byte("CN=Example CA")))
	got, err := s.GetSetting("subject.root")
	require.NoError(t, err)
	assert.Equal(t, "CN=Example CA", string(got))
}

func TestSequencesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ovpnca.db")

	s, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	id, err := s.NextID(t.Context(), storage.TableCertificates)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
	require.NoError(t, s.Close())

	s, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()
	id, err = s.NextID(t.Context(), storage.TableCertificates)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}
