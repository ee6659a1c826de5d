package identity_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/storage"
)

func directories(t *testing.T) map[string]identity.Directory {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "identities.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bolt, err := identity.NewBoltStore(db)
	require.NoError(t, err)

	return map[string]identity.Directory{
		"memory": identity.NewMemoryStore(),
		"bbolt":  bolt,
	}
}

func TestDirectory(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()

			alice := &identity.Identity{Kind: storage.OwnerUser, Name: "alice"}
			require.NoError(t, dir.Add(ctx, alice))
			vpn := &identity.Identity{Kind: storage.OwnerServer, Name: "vpn1", CommonName: "vpn.example.com"}
			require.NoError(t, dir.Add(ctx, vpn))

			got, err := dir.GetUser(ctx, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, "alice", got.DisplayName())
			assert.False(t, got.HasCertificate())

			srv, err := dir.GetServer(ctx, vpn.ID)
			require.NoError(t, err)
			assert.Equal(t, "vpn.example.com", srv.DisplayName())

			_, err = dir.GetServer(ctx, alice.ID+100)
			assert.ErrorIs(t, err, identity.ErrNotFound)

			certID := int64(4)
			require.NoError(t, dir.SetCertificateID(ctx, alice.Ref(), &certID))
			got, err = identity.Get(ctx, dir, alice.Ref())
			require.NoError(t, err)
			require.True(t, got.HasCertificate())
			assert.Equal(t, int64(4), *got.CertificateID)

			require.NoError(t, dir.SetCertificateID(ctx, alice.Ref(), nil))
			got, err = dir.GetUser(ctx, alice.ID)
			require.NoError(t, err)
			assert.False(t, got.HasCertificate())

			missing := identity.Ref{Kind: storage.OwnerUser, ID: 999}
			assert.ErrorIs(t, dir.SetCertificateID(ctx, missing, &certID), identity.ErrNotFound)

			users, err := dir.List(ctx, storage.OwnerUser)
			require.NoError(t, err)
			require.Len(t, users, 1)
			assert.Equal(t, "alice", users[0].Name)
		})
	}
}

func TestAddValidates(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, dir.Add(t.Context(), &identity.Identity{Kind: storage.OwnerUser}))
			assert.Error(t, dir.Add(t.Context(), &identity.Identity{Kind: storage.OwnerNone, Name: "x"}))
		})
	}
}

func TestRef(t *testing.T) {
	assert.Equal(t, "user/3", identity.Ref{Kind: storage.OwnerUser, ID: 3}.String())
	assert.Equal(t, "server/1", identity.Ref{Kind: storage.OwnerServer, ID: 1}.String())
	assert.True(t, identity.Ref{}.IsZero())

	_, err := identity.Get(t.Context(), identity.NewMemoryStore(), identity.Ref{})
	assert.ErrorIs(t, err, identity.ErrNotFound)
}
