package cmd

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/api"
	"github.com/jmcleod/ovpnca/config"
	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

func testAppConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.CA.KeyBits = pki.MinKeyBits
	c.Storage.InternalPath = filepath.Join(dir, "ovpnca.db")
	c.Export.Dir = filepath.Join(dir, "pki")
	if driver == config.DriverSQLite {
		c.Storage.Driver = config.DriverSQLite
		c.Storage.DSN = filepath.Join(dir, "certs.sqlite")
	}
	require.NoError(t, c.Validate())
	return c
}

func openTestApp(t *testing.T, c *config.Config) *app {
	t.Helper()
	a, err := openApp(t.Context(), c, zap.NewNop(), nil)
	require.NoError(t, err)
	return a
}

func addUser(t *testing.T, a *app, name string) *identity.Identity {
	t.Helper()
	u := &identity.Identity{Kind: storage.OwnerUser, Name: name}
	require.NoError(t, a.ids.Add(t.Context(), u))
	return u
}

func TestOpenAppDrivers(t *testing.T) {
	for _, driver := range []string{config.DriverBolt, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			c := testAppConfig(t, driver)
			a := openTestApp(t, c)
			ctx := t.Context()

			rootID, err := a.ca.InitRoot(ctx, "")
			require.NoError(t, err)
			alice := addUser(t, a, "alice")
			id, err := a.ca.Issue(ctx, pki.IssueRequest{Kind: storage.KindClient, Owner: alice.Ref()})
			require.NoError(t, err)
			assert.NotEqual(t, rootID, id)
			require.NoError(t, a.Close())

			_, err = os.Stat(filepath.Join(c.Export.Dir, c.Export.RootCert))
			assert.NoError(t, err)
			_, err = os.Stat(filepath.Join(c.Export.Dir, c.Export.CRLFile))
			assert.NoError(t, err)

			reopened := openTestApp(t, c)
			defer reopened.Close()
			cert, err := reopened.ca.Certificate(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "CN=alice,OU=Users,O=OpenVPN", cert.Subject)

			users, err := reopened.ids.List(ctx, storage.OwnerUser)
			require.NoError(t, err)
			require.Len(t, users, 1)
			require.True(t, users[0].HasCertificate())
			assert.Equal(t, id, *users[0].CertificateID)
		})
	}
}

func TestOpenAppLockedDatabase(t *testing.T) {
	c := testAppConfig(t, config.DriverBolt)
	a := openTestApp(t, c)
	defer a.Close()

	_, err := openApp(t.Context(), c, zap.NewNop(), nil)
	assert.ErrorIs(t, err, storage.ErrDatabaseLocked)
}

func TestStoredSubjectsOverrideConfig(t *testing.T) {
	c := testAppConfig(t, config.DriverBolt)
	a := openTestApp(t, c)
	require.NoError(t, saveSubject(a.internal, storage.KindClient, "CN=client,O=Stored"))
	assert.Error(t, saveSubject(a.internal, storage.KindPKCS12, "CN=x"))
	require.NoError(t, a.Close())

	reopened := openTestApp(t, c)
	defer reopened.Close()
	subjects := reopened.ca.Config().Subjects
	assert.Equal(t, "CN=client,O=Stored", subjects.Client)
	assert.Equal(t, c.CA.Subjects.Server, subjects.Server)
}

func TestRenewAll(t *testing.T) {
	c := testAppConfig(t, config.DriverBolt)
	c.CA.Validity.Client = 10
	a := openTestApp(t, c)
	defer a.Close()
	ctx := t.Context()

	_, err := a.ca.InitRoot(ctx, "")
	require.NoError(t, err)
	var ids []int64
	for _, name := range []string{"alice", "bob", "carol"} {
		u := addUser(t, a, name)
		id, err := a.ca.Issue(ctx, pki.IssueRequest{Kind: storage.KindClient, Owner: u.Ref()})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	expiring, err := a.ca.ExpiringWithin(ctx, 30)
	require.NoError(t, err)
	certs := renewable(expiring)
	require.Len(t, certs, 3, "the root is not renewable")

	results, err := renewAll(ctx, a.ca, certs, 2, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, ids[i], res.OldID)
		assert.Empty(t, res.Error)
		assert.NotZero(t, res.NewID)
		_, err := a.ca.Certificate(ctx, res.OldID)
		assert.ErrorIs(t, err, pki.ErrCertNotFound)
	}

	crl, err := a.ca.CurrentCRL(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), crl.Number)
}

func TestRenewAllCollectsFailures(t *testing.T) {
	c := testAppConfig(t, config.DriverBolt)
	a := openTestApp(t, c)
	defer a.Close()

	results, err := renewAll(t.Context(), a.ca, []*storage.Certificate{{ID: 41}, {ID: 42}}, 1, zap.NewNop())
	assert.ErrorIs(t, err, pki.ErrCertNotFound)
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].Error)
	assert.NotEmpty(t, results[1].Error)
}

func TestRouter(t *testing.T) {
	c := testAppConfig(t, config.DriverBolt)
	a := openTestApp(t, c)
	defer a.Close()

	handler := api.New(a.ca, a.ids)
	defer handler.Close()
	srv := httptest.NewServer(newRouter(handler.Router(), a.metrics, c.Server, zap.NewNop()))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, _ = get("/api/v1/crl")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `ovpnca_http_requests_total{code="404",method="GET",route="/api/v1/crl"}`)
}
