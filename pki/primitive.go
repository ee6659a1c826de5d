package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/jmcleod/ovpnca/storage"
)

// Template describes the certificate to produce.
type Template struct {
	Kind      storage.Kind
	Serial    *big.Int
	Subject   pkix.Name
	NotBefore time.Time
	NotAfter  time.Time
}

// Issued is the output of a signing call: the certificate and its freshly
// generated key.
type Issued struct {
	DER         []byte
	Certificate *x509.Certificate
	Signer      crypto.Signer
	// KeyPEM is the exported private key, or a key store reference for
	// keys that cannot leave their store.
	KeyPEM string
}

// Primitive is the asymmetric cryptography the engine relies on.
type Primitive interface {
	SelfSignRoot(t Template) (*Issued, error)
	Sign(issuer *x509.Certificate, key crypto.Signer, t Template) (*Issued, error)
	BuildCRL(issuer *x509.Certificate, key crypto.Signer, number int64, revoked []x509.RevocationListEntry, thisUpdate time.Time, validityDays int) ([]byte, error)
}

// X509Primitive implements Primitive with crypto/x509 and RSA keys from a
// KeyStore.
type X509Primitive struct {
	keys KeyStore
	bits int
	rand io.Reader
}

var _ Primitive = (*X509Primitive)(nil)

// NewX509Primitive returns a primitive generating keys of the given size.
func NewX509Primitive(keys KeyStore, bits int) *X509Primitive {
	return &X509Primitive{keys: keys, bits: bits, rand: rand.Reader}
}

func (p *X509Primitive) newKey() (crypto.Signer, string, error) {
	keyID, err := p.keys.GenerateKey(p.bits)
	if err != nil {
		return nil, "", err
	}
	defer release(p.keys, keyID)

	signer, err := p.keys.Signer(keyID)
	if err != nil {
		return nil, "", fmt.Errorf("getting signer: %w", err)
	}
	keyPEM, err := p.keys.ExportPEM(keyID)
	if err != nil {
		return nil, "", fmt.Errorf("exporting private key: %w", err)
	}
	return signer, keyPEM, nil
}

// profile fills key usages and constraints for the kind.
func profile(t Template) (*x509.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber:          t.Serial,
		Subject:               t.Subject,
		NotBefore:             t.NotBefore,
		NotAfter:              t.NotAfter,
		BasicConstraintsValid: true,
	}
	switch t.Kind {
	case storage.KindRoot:
		tmpl.IsCA = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case storage.KindIntermediate:
		tmpl.IsCA = true
		tmpl.MaxPathLenZero = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case storage.KindServer:
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		if cn := t.Subject.CommonName; cn != "" && !strings.ContainsAny(cn, " ,") {
			tmpl.DNSNames = []string{cn}
		}
	case storage.KindClient, storage.KindPKCS12:
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, t.Kind)
	}
	return tmpl, nil
}

func (p *X509Primitive) create(tmpl, parent *x509.Certificate, signer crypto.Signer, pub crypto.PublicKey) ([]byte, *x509.Certificate, error) {
	der, err := x509.CreateCertificate(p.rand, tmpl, parent, pub, signer)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return der, cert, nil
}

// SelfSignRoot creates a self-signed root.
func (p *X509Primitive) SelfSignRoot(t Template) (*Issued, error) {
	if t.Kind != storage.KindRoot {
		return nil, fmt.Errorf("%w: self-signing a %s certificate", ErrUnsupportedKind, t.Kind)
	}
	tmpl, err := profile(t)
	if err != nil {
		return nil, err
	}
	signer, keyPEM, err := p.newKey()
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	der, cert, err := p.create(tmpl, tmpl, signer, signer.Public())
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}
	return &Issued{DER: der, Certificate: cert, Signer: signer, KeyPEM: keyPEM}, nil
}

// Sign creates a certificate for t signed by issuer.
func (p *X509Primitive) Sign(issuer *x509.Certificate, key crypto.Signer, t Template) (*Issued, error) {
	if issuer == nil || key == nil {
		return nil, errors.New("no issuer")
	}
	tmpl, err := profile(t)
	if err != nil {
		return nil, err
	}
	signer, keyPEM, err := p.newKey()
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", t.Kind, err)
	}
	der, cert, err := p.create(tmpl, issuer, key, signer.Public())
	if err != nil {
		return nil, fmt.Errorf("signing %s certificate: %w", t.Kind, err)
	}
	return &Issued{DER: der, Certificate: cert, Signer: signer, KeyPEM: keyPEM}, nil
}

// BuildCRL signs a revocation list carrying every entry in revoked.
func (p *X509Primitive) BuildCRL(issuer *x509.Certificate, key crypto.Signer, number int64, revoked []x509.RevocationListEntry, thisUpdate time.Time, validityDays int) ([]byte, error) {
	template := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                thisUpdate,
		NextUpdate:                thisUpdate.AddDate(0, 0, validityDays),
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(p.rand, template, issuer, key)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return der, nil
}
