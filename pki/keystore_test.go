package pki_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnca/pki"
)

func TestSoftwareKeyStore(t *testing.T) {
	ks := pki.NewSoftwareKeyStore()

	keyID, err := ks.GenerateKey(pki.MinKeyBits)
	require.NoError(t, err)
	signer, err := ks.Signer(keyID)
	require.NoError(t, err)
	pub, ok := signer.Public().(*rsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, pki.MinKeyBits, pub.N.BitLen())

	keyPEM, err := ks.ExportPEM(keyID)
	require.NoError(t, err)
	block, _ := pem.Decode([]byte(keyPEM))
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)

	reID, err := ks.ImportPEM(keyPEM)
	require.NoError(t, err)
	assert.NotEqual(t, keyID, reID)
	reSigner, err := ks.Signer(reID)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("crl"))
	sig, err := reSigner.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig))

	require.NoError(t, ks.Delete(keyID))
	_, err = ks.Signer(keyID)
	assert.ErrorIs(t, err, pki.ErrKeyNotFound)

	ks.Release(reID)
	assert.Equal(t, 0, ks.Len())
}

func TestSoftwareKeyStoreImportFormats(t *testing.T) {
	ks := pki.NewSoftwareKeyStore()

	rsaKey, err := rsa.GenerateKey(rand.Reader, pki.MinKeyBits)
	require.NoError(t, err)
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(rsaKey)})
	_, err = ks.ImportPEM(string(pkcs1))
	assert.NoError(t, err)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	_, err = ks.ImportPEM(string(sec1))
	assert.NoError(t, err)

	for _, bad := range []string{
		"",
		"not pem",
		string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}})),
		string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1, 2, 3}})),
	} {
		_, err := ks.ImportPEM(bad)
		assert.ErrorIs(t, err, pki.ErrInvalidPEM)
	}
}

func TestNewPKCS11KeyStoreRejectsMissingModule(t *testing.T) {
	_, err := pki.NewPKCS11KeyStore(pki.PKCS11Config{ModulePath: "/nonexistent.so"})
	assert.Error(t, err)
}
