//go:build pkcs11

package pki

import (
	"crypto"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesIgnite/crypto11"

	"github.com/jmcleod/ovpnca/internal/uuid"
)

// PKCS11Prefix marks a stored key that lives in an HSM. The full reference
// is "PKCS11:<label>".
const PKCS11Prefix = "PKCS11:"

// PKCS11KeyStore generates and holds RSA keys inside a PKCS#11 token. The
// repository only ever sees the "PKCS11:<label>" reference.
type PKCS11KeyStore struct {
	ctx *crypto11.Context
	mu  sync.Mutex
}

var _ KeyStore = (*PKCS11KeyStore)(nil)

// NewPKCS11KeyStore connects to the configured token. The caller must call
// Close when finished.
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.TokenLabel = ""
		config.SlotNumber = cfg.SlotNumber
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx}, nil
}

// Close releases the PKCS#11 context.
func (p *PKCS11KeyStore) Close() error {
	if p.ctx != nil {
		return p.ctx.Close()
	}
	return nil
}

// GenerateKey creates an RSA key pair in the token under a fresh label.
func (p *PKCS11KeyStore) GenerateKey(bits int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	label := "ovpnca-" + uuid.New()
	if _, err := p.ctx.GenerateRSAKeyPairWithLabel([]byte(label), []byte(label), bits); err != nil {
		return "", fmt.Errorf("generating RSA-%d key in HSM: %w", bits, err)
	}
	return label, nil
}

func (p *PKCS11KeyStore) find(label string) (crypto.Signer, error) {
	signer, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("%w: %s (HSM: %v)", ErrKeyNotFound, label, err)
	}
	if signer == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, label)
	}
	return signer, nil
}

func (p *PKCS11KeyStore) Signer(keyID string) (crypto.Signer, error) {
	return p.find(keyID)
}

// ExportPEM returns the reference string; key material never leaves the
// token.
func (p *PKCS11KeyStore) ExportPEM(keyID string) (string, error) {
	if _, err := p.find(keyID); err != nil {
		return "", err
	}
	return PKCS11Prefix + keyID, nil
}

// ImportPEM accepts only references produced by ExportPEM.
func (p *PKCS11KeyStore) ImportPEM(pemData string) (string, error) {
	label, ok := strings.CutPrefix(pemData, PKCS11Prefix)
	if !ok {
		return "", fmt.Errorf("%w: cannot import software PEM keys into PKCS#11 store", ErrKeyNotExportable)
	}
	if _, err := p.find(label); err != nil {
		return "", err
	}
	return label, nil
}

// Delete destroys the key pair in the token.
func (p *PKCS11KeyStore) Delete(keyID string) error {
	signer, err := p.ctx.FindKeyPair(nil, []byte(keyID))
	if err != nil {
		return fmt.Errorf("finding key for deletion: %w", err)
	}
	if signer == nil {
		return nil
	}
	if d, ok := signer.(interface{ Delete() error }); ok {
		return d.Delete()
	}
	return nil
}
