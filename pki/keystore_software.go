package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"

	"github.com/jmcleod/ovpnca/internal/util"
)

// SoftwareKeyStore holds private keys in memory. Keys are persisted by the
// engine through ExportPEM and reloaded with ImportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]crypto.Signer
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]crypto.Signer),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) put(key crypto.Signer) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = key
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (crypto.Signer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return key, nil
}

// GenerateKey creates a new RSA key pair.
func (s *SoftwareKeyStore) GenerateKey(bits int) (string, error) {
	priv, err := rsa.GenerateKey(s.rand, bits)
	if err != nil {
		return "", fmt.Errorf("generating RSA-%d key: %w", bits, err)
	}
	return s.put(priv), nil
}

func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	return s.get(keyID)
}

// ExportPEM encodes the private key as PKCS#8 "PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	key, err := s.get(keyID)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(der)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM parses a PKCS#8, PKCS#1 or SEC1 private key PEM block.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	defer util.WipeBytes(block.Bytes)

	var (
		key crypto.PrivateKey
		err error
	)
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return s.put(k), nil
	case *ecdsa.PrivateKey:
		return s.put(k), nil
	}
	return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidPEM, key)
}

// Delete removes the key from memory.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}

// Release forgets the in-memory handle for keyID. Signers already handed
// out keep working.
func (s *SoftwareKeyStore) Release(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
}

// Len reports how many keys are held.
func (s *SoftwareKeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
