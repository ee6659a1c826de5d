package api_test

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/ovpnca/api"
	"github.com/jmcleod/ovpnca/export"
	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage/memory"
)

func newAPI(t *testing.T, opts ...api.Option) *api.API {
	t.Helper()
	cfg := pki.DefaultConfig()
	cfg.KeyBits = pki.MinKeyBits

	ids := identity.NewMemoryStore()
	exp := export.New(afero.NewMemMapFs(), export.DefaultConfig())
	ca, err := pki.New(memory.NewRepository(), ids, exp, pki.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { ca.Close() })
	return api.New(ca, ids, opts...)
}

func serve(t *testing.T, a *api.API) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func setupServer(t *testing.T, opts ...api.Option) *httptest.Server {
	t.Helper()
	return serve(t, newAPI(t, opts...))
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCertificateLifecycle(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"

	resp := doJSON(t, http.MethodPost, base+"/ca/root", api.InitCARequest{Subject: "CN=Test CA,O=Example"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	root := decode[api.InitCAResponse](t, resp)
	assert.Equal(t, "pki/crl.pem", root.CRLPath)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp = doJSON(t, http.MethodPost, base+"/ca/root", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base+"/users", api.AddIdentityRequest{Name: "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	alice := decode[identity.Identity](t, resp)

	resp = doJSON(t, http.MethodPost, base+"/certificates", api.IssueRequest{Kind: "client", OwnerID: alice.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	issued := decode[api.CertificateIDResponse](t, resp)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/certificates/%d", base, issued.CertificateID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[api.CertificateDetail](t, resp)
	assert.Equal(t, "client", detail.Kind)
	assert.Equal(t, fmt.Sprintf("user/%d", alice.ID), detail.Owner)
	assert.Contains(t, detail.Subject, "CN=alice")
	assert.True(t, detail.HasKey)
	assert.False(t, detail.Revoked)
	assert.Contains(t, detail.PEM, "BEGIN CERTIFICATE")

	resp = doJSON(t, http.MethodGet, base+"/certificates?kind=client", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListCertificatesResponse](t, resp)
	require.Len(t, list.Certificates, 1)
	assert.Equal(t, 1, list.TotalCount)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/certificates/%d/revoke", base, issued.CertificateID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	revoked := decode[api.RevocationResponse](t, resp)
	require.NotNil(t, revoked.CRL)
	assert.Equal(t, int64(2), revoked.CRL.Number)
	assert.Equal(t, 1, revoked.CRL.Revoked)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/certificates/%d/revoke", base, issued.CertificateID), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/certificates/%d/reenable", base, issued.CertificateID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reenabled := decode[api.RevocationResponse](t, resp)
	assert.Equal(t, int64(3), reenabled.CRL.Number)
	assert.Equal(t, 0, reenabled.CRL.Revoked)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/certificates/%d/renew", base, issued.CertificateID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renewed := decode[api.RenewResponse](t, resp)
	assert.NotEqual(t, renewed.OldCertificateID, renewed.NewCertificateID)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/certificates/%d", base, issued.CertificateID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "renewal deletes the original")

	resp = doJSON(t, http.MethodGet, base+"/crl", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	block, _ := pem.Decode(body)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	resp = doJSON(t, http.MethodGet, base+"/crls", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crls := decode[api.ListCRLsResponse](t, resp)
	assert.Len(t, crls.CRLs, 4)
}

func TestCertificateLookupByCommonName(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"

	resp := doJSON(t, http.MethodPost, base+"/ca/root", api.InitCARequest{Subject: "CN=Test CA,O=Example"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ids []int64
	for _, name := range []string{"alice", "bob"} {
		resp = doJSON(t, http.MethodPost, base+"/users", api.AddIdentityRequest{Name: name})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		user := decode[identity.Identity](t, resp)
		resp = doJSON(t, http.MethodPost, base+"/certificates", api.IssueRequest{Kind: "client", OwnerID: user.ID})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		ids = append(ids, decode[api.CertificateIDResponse](t, resp).CertificateID)
	}

	resp = doJSON(t, http.MethodGet, base+"/certificates?cn=alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListCertificatesResponse](t, resp)
	require.Len(t, list.Certificates, 1)
	assert.Equal(t, ids[0], list.Certificates[0].ID)

	resp = doJSON(t, http.MethodGet, base+"/certificates?cn=alice&kind=server", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[api.ListCertificatesResponse](t, resp).Certificates)

	resp = doJSON(t, http.MethodGet, base+"/crls", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	crls := decode[api.ListCRLsResponse](t, resp)
	require.Len(t, crls.CRLs, 1)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/certificates/%d/revoke", base, ids[0]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/certificates/%d", base, ids[0]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[api.CertificateDetail](t, resp)
	assert.True(t, detail.Revoked)
	require.NotNil(t, detail.CRLID)
	assert.Equal(t, crls.CRLs[0].ID, *detail.CRLID)

	resp = doJSON(t, http.MethodGet, fmt.Sprintf("%s/certificates/%d", base, ids[1]), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, decode[api.CertificateDetail](t, resp).CRLID)
}

func TestIssueWithoutRoot(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"

	resp := doJSON(t, http.MethodPost, base+"/servers", api.AddIdentityRequest{Name: "vpn.example.com"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	vpn := decode[identity.Identity](t, resp)

	resp = doJSON(t, http.MethodPost, base+"/certificates", api.IssueRequest{Kind: "server", OwnerID: vpn.ID})
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base+"/crl", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	doJSON(t, http.MethodPost, base+"/ca/root", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"non-numeric id", http.MethodGet, "/certificates/abc", nil, http.StatusBadRequest},
		{"unknown id", http.MethodGet, "/certificates/99", nil, http.StatusNotFound},
		{"unknown kind", http.MethodPost, "/certificates", api.IssueRequest{Kind: "user", OwnerID: 1}, http.StatusBadRequest},
		{"missing owner", http.MethodPost, "/certificates", api.IssueRequest{Kind: "client"}, http.StatusBadRequest},
		{"unknown owner", http.MethodPost, "/certificates", api.IssueRequest{Kind: "client", OwnerID: 42}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/users", map[string]string{"nickname": "bob"}, http.StatusBadRequest},
		{"empty name", http.MethodPost, "/users", api.AddIdentityRequest{}, http.StatusBadRequest},
		{"revoke root", http.MethodPost, "/certificates/0/revoke", nil, http.StatusBadRequest},
		{"bad import", http.MethodPost, "/certificates/import", api.ImportRequest{Kind: "client", Certificate: "!!"}, http.StatusBadRequest},
		{"unknown list kind", http.MethodGet, "/certificates?kind=bogus", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, tt.method, base+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			errResp := decode[api.ErrorResponse](t, resp)
			assert.NotEmpty(t, errResp.Error)
		})
	}
}

func TestExportBundle(t *testing.T) {
	srv := setupServer(t)
	base := srv.URL + "/api/v1"
	doJSON(t, http.MethodPost, base+"/ca/root", nil)

	resp := doJSON(t, http.MethodPost, base+"/users", api.AddIdentityRequest{Name: "bob"})
	bob := decode[identity.Identity](t, resp)
	resp = doJSON(t, http.MethodPost, base+"/certificates", api.IssueRequest{Kind: "client", OwnerID: bob.ID})
	issued := decode[api.CertificateIDResponse](t, resp)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/certificates/%d/bundle", base, issued.CertificateID),
		api.BundleRequest{Password: "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-pkcs12", resp.Header.Get("Content-Type"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	key, leaf, _, err := pkcs12.DecodeChain(data, "hunter2")
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, "bob", leaf.Subject.CommonName)

	resp = doJSON(t, http.MethodPost, base+"/certificates/0/bundle", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "CA certificates have no keystore")
}

func TestImportCertificate(t *testing.T) {
	source := setupServer(t)
	doJSON(t, http.MethodPost, source.URL+"/api/v1/ca/root", nil)
	resp := doJSON(t, http.MethodGet, source.URL+"/api/v1/certificates/0/pem", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rootPEM, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	target := setupServer(t)
	base := target.URL + "/api/v1"
	resp = doJSON(t, http.MethodPost, base+"/certificates/import", api.ImportRequest{Kind: "root", Certificate: string(rootPEM)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base+"/certificates/import", api.ImportRequest{Kind: "root", Certificate: string(rootPEM)})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base+"/certificates?kind=root", nil)
	list := decode[api.ListCertificatesResponse](t, resp)
	require.Len(t, list.Certificates, 1)
	assert.False(t, list.Certificates[0].Generated)
	assert.False(t, list.Certificates[0].HasKey)
}

func TestListOperationsAndAlerts(t *testing.T) {
	var alerts []api.AlertEvent
	srv := setupServer(t, api.WithAlertFunc(func(e api.AlertEvent) { alerts = append(alerts, e) }))
	base := srv.URL + "/api/v1"

	resp := doJSON(t, http.MethodGet, base+"/operations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ops := decode[api.ListOperationsResponse](t, resp)
	assert.Empty(t, ops.Operations)
	assert.Empty(t, alerts)
}

func TestOpenAPISpecServed(t *testing.T) {
	srv := setupServer(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/v1/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/certificates/{certID}/revoke")
}

func TestAuditWebhook(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt struct {
			Event string `json:"event"`
		}
		json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		events = append(events, evt.Event)
		mu.Unlock()
	}))
	defer hook.Close()

	a := newAPI(t, api.WithAuditWebhook(hook.URL, ""))
	srv := serve(t, a)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/ca/root", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/crl", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	a.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ca_initialized", "crl_generated"}, events)
}
