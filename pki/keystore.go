package pki

import (
	"crypto"
	"errors"
)

// KeyStore abstracts private-key operations so that the engine can work
// with software keys kept in the repository or with keys held by an HSM
// without changing calling code.
//
// A key ID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new RSA signing key of the given size and
	// returns an opaque identifier.
	GenerateKey(bits int) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	// x509.CreateCertificate and x509.CreateRevocationList only need Sign
	// and Public.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as PKCS#8 PEM. HSM implementations
	// return a reference string that ImportPEM can later interpret.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a private key previously produced by ExportPEM (or any
	// PKCS#1, PKCS#8 or SEC1 PEM key) and returns its key ID.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete forgets the key identified by keyID.
	Delete(keyID string) error
}

// PKCS11Config holds the configuration for connecting to a PKCS#11 token.
// An empty ModulePath disables the HSM key store.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string `koanf:"module_path"`

	// TokenLabel identifies the HSM token by label.
	TokenLabel string `koanf:"token_label"`

	// PIN is the user PIN for the token.
	PIN string `koanf:"pin"`

	// SlotNumber, when set, overrides TokenLabel for slot selection.
	SlotNumber *int `koanf:"slot_number"`
}

// ErrKeyNotExportable is returned when private key material cannot leave
// the backing store.
var ErrKeyNotExportable = errors.New("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = errors.New("key not found")

// releaser is implemented by stores that hold imported keys in process
// memory. Release drops the handle without touching persisted material.
type releaser interface {
	Release(keyID string)
}

func release(ks KeyStore, keyID string) {
	if r, ok := ks.(releaser); ok {
		r.Release(keyID)
	}
}
