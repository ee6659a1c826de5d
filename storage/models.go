package storage

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the textual datetime format used for every persisted
// timestamp column.
const TimeLayout = "2006-01-02 15:04:05"

// NoCRL is stored as RevocationEntry.CRLID when no CRL existed at the time
// of revocation.
const NoCRL int64 = -1

// Kind is the certificate type code.
type Kind int

const (
	KindRoot         Kind = 0
	KindServer       Kind = 1
	KindClient       Kind = 2
	KindIntermediate Kind = 3
	KindPKCS12       Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindRoot:
		return "root"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindIntermediate:
		return "intermediate"
	case KindPKCS12:
		return "pkcs12"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsCA reports whether certificates of this kind sign other certificates.
func (k Kind) IsCA() bool {
	return k == KindRoot || k == KindIntermediate
}

// ParseKind maps a kind name back to its code.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "root", "ca":
		return KindRoot, nil
	case "server":
		return KindServer, nil
	case "client":
		return KindClient, nil
	case "intermediate":
		return KindIntermediate, nil
	case "pkcs12", "p12":
		return KindPKCS12, nil
	}
	return 0, fmt.Errorf("unknown certificate kind %q", s)
}

// OwnerKind identifies which identity table a certificate owner lives in.
type OwnerKind int

const (
	OwnerNone OwnerKind = iota
	OwnerUser
	OwnerServer
)

// Certificate is one issued or imported X.509 artifact.
type Certificate struct {
	ID             int64     `json:"id"`
	Kind           Kind      `json:"type"`
	Version        int       `json:"version"`
	Filename       string    `json:"filename"`
	Path           string    `json:"path"`
	Serial         string    `json:"serial"`
	Issuer         string    `json:"issuer"`
	Subject        string    `json:"subject"`
	Content        string    `json:"content"`
	ContentDisplay string    `json:"content_display"`
	Serialized     []byte    `json:"cert_serialized"`
	Key            string    `json:"key,omitempty"`
	KeyContent     []byte    `json:"key_content,omitempty"`
	CreatedAt      time.Time `json:"createdate"`
	ValidFrom      time.Time `json:"validfrom"`
	ValidTo        time.Time `json:"validto"`
	Generated      bool      `json:"generated"`
	OwnerKind      OwnerKind `json:"owner_kind"`
	OwnerID        int64     `json:"userid"`
}

// HasOwner reports whether the certificate is linked to an identity.
func (c *Certificate) HasOwner() bool {
	return c.OwnerKind != OwnerNone
}

// HasKey reports whether the private key is stored alongside the certificate.
func (c *Certificate) HasKey() bool {
	return c.Key != ""
}

// CommonName returns the CN value of the certificate subject.
func (c *Certificate) CommonName() string {
	return DNValue(c.Subject, "CN")
}

// Clone returns a deep copy.
func (c *Certificate) Clone() *Certificate {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Serialized = append([]byte(nil), c.Serialized...)
	cp.KeyContent = append([]byte(nil), c.KeyContent...)
	return &cp
}

// CRL is one generated revocation list.
type CRL struct {
	ID             int64     `json:"id"`
	Number         int64     `json:"crlnumber"`
	Version        int       `json:"version"`
	Filename       string    `json:"filename"`
	Path           string    `json:"path"`
	Issuer         string    `json:"issuer"`
	Content        string    `json:"content"`
	ContentDisplay string    `json:"content_display"`
	Serialized     []byte    `json:"crl_serialized"`
	CreatedAt      time.Time `json:"createdate"`
	ValidFrom      time.Time `json:"validfrom"`
	NextUpdate     time.Time `json:"nextupdate"`
}

// Clone returns a deep copy.
func (c *CRL) Clone() *CRL {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Serialized = append([]byte(nil), c.Serialized...)
	return &cp
}

// RevocationEntry links a revoked certificate serial to the CRL that was
// current when it was revoked.
type RevocationEntry struct {
	ID            int64     `json:"id"`
	Serial        string    `json:"serial"`
	RevokedAt     time.Time `json:"revocationdate"`
	CertificateID int64     `json:"x509id"`
	CRLID         int64     `json:"crlid"`
	Username      string    `json:"username"`
}

// Clone returns a copy.
func (e *RevocationEntry) Clone() *RevocationEntry {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// PKCS12Bundle is a password-protected keystore for one certificate.
type PKCS12Bundle struct {
	ID            int64  `json:"id"`
	FriendlyName  string `json:"friendlyname"`
	Password      string `json:"password"`
	Content       []byte `json:"content"`
	CertificateID int64  `json:"x509id"`
}

// Clone returns a deep copy.
func (b *PKCS12Bundle) Clone() *PKCS12Bundle {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Content = append([]byte(nil), b.Content...)
	return &cp
}

// FormatTime renders t in TimeLayout as UTC. TimeLayout carries no offset,
// so every stored timestamp is UTC regardless of the writer's zone.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a UTC TimeLayout timestamp. An empty string yields the
// zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

// Truncate drops sub-second precision so that values survive a round trip
// through TimeLayout.
func Truncate(t time.Time) time.Time {
	return t.Truncate(time.Second)
}
