// Package identity holds the users and servers that certificates are issued
// for. The lifecycle engine consumes it through the narrow Store interface;
// the CLI and API manage records through Directory.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/ovpnca/storage"
)

// ErrNotFound is returned when no identity exists for a reference.
var ErrNotFound = errors.New("identity not found")

// Ref points at one user or server.
type Ref struct {
	Kind storage.OwnerKind `json:"kind"`
	ID   int64             `json:"id"`
}

func (r Ref) String() string {
	switch r.Kind {
	case storage.OwnerUser:
		return fmt.Sprintf("user/%d", r.ID)
	case storage.OwnerServer:
		return fmt.Sprintf("server/%d", r.ID)
	default:
		return "unassigned"
	}
}

// IsZero reports whether r refers to no identity.
func (r Ref) IsZero() bool {
	return r.Kind == storage.OwnerNone
}

// Identity is a user or server record. Name is the username for users and
// the hostname for servers.
type Identity struct {
	ID            int64             `json:"id"`
	Kind          storage.OwnerKind `json:"kind"`
	Name          string            `json:"name"`
	CommonName    string            `json:"common_name,omitempty"`
	OU            string            `json:"ou,omitempty"`
	CertificateID *int64            `json:"certificate_id,omitempty"`
}

// Ref returns the reference for this identity.
func (i *Identity) Ref() Ref {
	return Ref{Kind: i.Kind, ID: i.ID}
}

// DisplayName is the explicit common name, falling back to Name.
func (i *Identity) DisplayName() string {
	if i.CommonName != "" {
		return i.CommonName
	}
	return i.Name
}

// HasCertificate reports whether a current certificate is linked.
func (i *Identity) HasCertificate() bool {
	return i.CertificateID != nil
}

func (i *Identity) clone() *Identity {
	cp := *i
	if i.CertificateID != nil {
		id := *i.CertificateID
		cp.CertificateID = &id
	}
	return &cp
}

// Store is what the certificate engine needs from the identity source.
type Store interface {
	GetUser(ctx context.Context, id int64) (*Identity, error)
	GetServer(ctx context.Context, id int64) (*Identity, error)
	// SetCertificateID repoints the identity's current certificate. A nil
	// certID clears the link.
	SetCertificateID(ctx context.Context, ref Ref, certID *int64) error
}

// Directory adds record management on top of Store.
type Directory interface {
	Store
	// Add assigns a fresh identifier to ident and stores it.
	Add(ctx context.Context, ident *Identity) error
	List(ctx context.Context, kind storage.OwnerKind) ([]*Identity, error)
}

// Get resolves ref through s.
func Get(ctx context.Context, s Store, ref Ref) (*Identity, error) {
	switch ref.Kind {
	case storage.OwnerUser:
		return s.GetUser(ctx, ref.ID)
	case storage.OwnerServer:
		return s.GetServer(ctx, ref.ID)
	default:
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
}

func validate(ident *Identity) error {
	if ident.Kind != storage.OwnerUser && ident.Kind != storage.OwnerServer {
		return fmt.Errorf("identity kind %d is not a user or server", ident.Kind)
	}
	if ident.Name == "" {
		return errors.New("identity name is required")
	}
	return nil
}
