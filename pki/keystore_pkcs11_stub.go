//go:build !pkcs11

package pki

import (
	"crypto"
	"errors"
)

// PKCS11Prefix marks a stored key that lives in an HSM.
const PKCS11Prefix = "PKCS11:"

var errNoPKCS11 = errors.New("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")

// PKCS11KeyStore lets the CLI compile without cgo. Every method fails.
type PKCS11KeyStore struct{}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore always fails without the pkcs11 build tag.
func NewPKCS11KeyStore(_ PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, errNoPKCS11
}

func (p *PKCS11KeyStore) Close() error                         { return nil }
func (p *PKCS11KeyStore) GenerateKey(int) (string, error)      { return "", errNoPKCS11 }
func (p *PKCS11KeyStore) Signer(string) (crypto.Signer, error) { return nil, errNoPKCS11 }
func (p *PKCS11KeyStore) ExportPEM(string) (string, error)     { return "", errNoPKCS11 }
func (p *PKCS11KeyStore) ImportPEM(string) (string, error)     { return "", errNoPKCS11 }
func (p *PKCS11KeyStore) Delete(string) error                  { return errNoPKCS11 }
