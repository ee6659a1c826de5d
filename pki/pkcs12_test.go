package pki_test

import (
	"context"
	"testing"

	"github.com/awnumar/memguard"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/ovpnca/export"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

// scriptedPrompter answers prompts from a fixed list and then gives up.
type scriptedPrompter struct {
	answers []string
	calls   int
}

func (p *scriptedPrompter) Prompt(_ context.Context, _ string) (*memguard.LockedBuffer, error) {
	if p.calls >= len(p.answers) {
		return nil, pki.ErrPromptAbandoned
	}
	answer := p.answers[p.calls]
	p.calls++
	return memguard.NewBufferFromBytes([]byte(answer)), nil
}

func pkcs12Env(t *testing.T, prompter pki.PasswordPrompter) *env {
	t.Helper()
	cfg := testConfig()
	cfg.IssuePKCS12 = true
	opts := []pki.Option{pki.WithConfig(cfg)}
	if prompter != nil {
		opts = append(opts, pki.WithPrompter(prompter))
	}
	e := newEnv(t, opts...)
	e.initRoot(t)
	return e
}

func TestIssuePKCS12(t *testing.T) {
	prompter := &scriptedPrompter{answers: []string{"s3cret", "s3cret"}}
	e := pkcs12Env(t, prompter)
	alice := e.addUser(t, "alice")

	cert := e.issue(t, storage.KindClient, alice)
	assert.Equal(t, storage.KindPKCS12, cert.Kind)
	assert.Equal(t, 2, prompter.calls)

	bundle, err := e.repo.GetBundleByCertificate(t.Context(), cert.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", bundle.FriendlyName)
	assert.Equal(t, "s3cret", bundle.Password)

	data, err := afero.ReadFile(e.fs, export.BundlePath(cert))
	require.NoError(t, err)
	assert.Equal(t, bundle.Content, data)

	_, leaf, chain, err := pkcs12.DecodeChain(data, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, cert.Serialized, leaf.Raw)
	require.Len(t, chain, 1, "the root is included as trust anchor")
	roots, err := e.ca.Certificates(t.Context(), storage.KindRoot)
	require.NoError(t, err)
	assert.Equal(t, roots[0].Serialized, chain[0].Raw)
}

func TestPKCS12PasswordFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		prompter pki.PasswordPrompter
	}{
		{"no prompter", nil},
		{"abandoned", &scriptedPrompter{}},
		{"mismatch three times", &scriptedPrompter{answers: []string{"a", "b", "c", "d", "e", "f"}}},
		{"abandoned on confirmation", &scriptedPrompter{answers: []string{"a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := pkcs12Env(t, tt.prompter)
			alice := e.addUser(t, "alice")

			cert := e.issue(t, storage.KindClient, alice)
			bundle, err := e.repo.GetBundleByCertificate(t.Context(), cert.ID)
			require.NoError(t, err)
			assert.Empty(t, bundle.Password)

			_, _, _, err = pkcs12.DecodeChain(bundle.Content, "")
			assert.NoError(t, err)
		})
	}
}

func TestPKCS12SecondAttemptMatches(t *testing.T) {
	prompter := &scriptedPrompter{answers: []string{"one", "two", "pass", "pass"}}
	e := pkcs12Env(t, prompter)
	vpn := e.addServer(t, "vpn")

	cert := e.issue(t, storage.KindServer, vpn)
	assert.Equal(t, storage.KindServer, cert.Kind, "server certificates keep their kind")

	bundle, err := e.repo.GetBundleByCertificate(t.Context(), cert.ID)
	require.NoError(t, err)
	assert.Equal(t, "pass", bundle.Password)
}

func TestExportBundle(t *testing.T) {
	e := newEnv(t)
	e.initRoot(t)
	alice := e.addUser(t, "alice")
	cert := e.issue(t, storage.KindClient, alice)
	ctx := t.Context()

	password := memguard.NewBufferFromBytes([]byte("hunter2"))
	defer password.Destroy()
	data, err := e.ca.ExportBundle(ctx, cert.ID, password)
	require.NoError(t, err)
	key, leaf, _, err := pkcs12.DecodeChain(data, "hunter2")
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, cert.Serialized, leaf.Raw)

	_, err = e.repo.GetBundleByCertificate(ctx, cert.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "exporting does not store a keystore")

	data, err = e.ca.ExportBundle(ctx, cert.ID, nil)
	require.NoError(t, err, "without a prompter the keystore has an empty password")
	_, _, _, err = pkcs12.DecodeChain(data, "")
	assert.NoError(t, err)

	_, err = e.ca.ExportBundle(ctx, 0, nil)
	assert.ErrorIs(t, err, pki.ErrUnsupportedKind)
	_, err = e.ca.ExportBundle(ctx, 99, nil)
	assert.ErrorIs(t, err, pki.ErrCertNotFound)
}

func TestExportBundleReturnsStored(t *testing.T) {
	e := pkcs12Env(t, &scriptedPrompter{answers: []string{"x", "x"}})
	alice := e.addUser(t, "alice")
	cert := e.issue(t, storage.KindClient, alice)

	stored, err := e.repo.GetBundleByCertificate(t.Context(), cert.ID)
	require.NoError(t, err)
	data, err := e.ca.ExportBundle(t.Context(), cert.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, stored.Content, data)
}
