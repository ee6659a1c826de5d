package api

import (
	"time"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

// InitCARequest is the JSON body for POST /ca/root and POST /ca/intermediate.
type InitCARequest struct {
	Subject string `json:"subject,omitempty"`
}

// InitCAResponse is returned from POST /ca/root and POST /ca/intermediate.
type InitCAResponse struct {
	CertificateID int64  `json:"certificate_id"`
	CRLPath       string `json:"crl_path"`
}

// AddIdentityRequest is the JSON body for POST /users and POST /servers.
type AddIdentityRequest struct {
	Name       string `json:"name"`
	CommonName string `json:"common_name,omitempty"`
	OU         string `json:"ou,omitempty"`
}

// ListIdentitiesResponse is returned from GET /users and GET /servers.
type ListIdentitiesResponse struct {
	Identities []*identity.Identity `json:"identities"`
}

// IssueRequest is the JSON body for POST /certificates. OwnerID refers to a
// user for client and pkcs12 certificates and to a server for server
// certificates.
type IssueRequest struct {
	Kind         string `json:"kind"`
	OwnerID      int64  `json:"owner_id,omitempty"`
	ValidityDays string `json:"validity_days,omitempty"`
	Subject      string `json:"subject,omitempty"`
}

// ImportRequest is the JSON body for POST /certificates/import.
// Certificate holds PEM text or base64 encoded DER.
type ImportRequest struct {
	Kind        string `json:"kind"`
	OwnerID     int64  `json:"owner_id,omitempty"`
	Certificate string `json:"certificate"`
	Key         string `json:"key,omitempty"`
}

// CertificateIDResponse is returned by operations that create a certificate.
type CertificateIDResponse struct {
	CertificateID int64 `json:"certificate_id"`
}

// RenewResponse is returned from POST /certificates/{id}/renew.
type RenewResponse struct {
	OldCertificateID int64 `json:"old_certificate_id"`
	NewCertificateID int64 `json:"new_certificate_id"`
}

// BundleRequest is the JSON body for POST /certificates/{id}/bundle. An
// empty password returns the stored keystore when one exists.
type BundleRequest struct {
	Password string `json:"password,omitempty"`
}

// CertificateSummary describes a certificate without its private key.
type CertificateSummary struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Serial    string    `json:"serial"`
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	Path      string    `json:"path,omitempty"`
	ValidFrom time.Time `json:"valid_from"`
	ValidTo   time.Time `json:"valid_to"`
	Generated bool      `json:"generated"`
	HasKey    bool      `json:"has_key"`
	Owner     string    `json:"owner"`
	Revoked   bool      `json:"revoked"`
}

// CertificateDetail adds the PEM content and the text dump. CRLID names
// the CRL that was current when a revoked certificate was revoked.
type CertificateDetail struct {
	CertificateSummary
	PEM     string `json:"pem"`
	Display string `json:"display"`
	CRLID   *int64 `json:"crl_id,omitempty"`
}

// ListCertificatesResponse is returned from GET /certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateSummary `json:"certificates"`
	PaginationMeta
}

// CRLSummary describes one generated revocation list.
type CRLSummary struct {
	ID         int64     `json:"id"`
	Number     int64     `json:"number"`
	Issuer     string    `json:"issuer"`
	Path       string    `json:"path,omitempty"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
	Revoked    int       `json:"revoked"`
}

// ListCRLsResponse is returned from GET /crls.
type ListCRLsResponse struct {
	CRLs []CRLSummary `json:"crls"`
}

// RevocationResponse is returned from revoke and re-enable. CRL is absent
// when re-enabling a certificate that was never revoked and no list exists.
type RevocationResponse struct {
	CertificateID int64       `json:"certificate_id"`
	CRL           *CRLSummary `json:"crl,omitempty"`
}

// ListOperationsResponse is returned from GET /operations.
type ListOperationsResponse struct {
	Operations []pki.OperationInfo `json:"operations"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}

func summarize(cert *storage.Certificate, revoked bool) CertificateSummary {
	owner := "unassigned"
	if cert.HasOwner() {
		owner = identity.Ref{Kind: cert.OwnerKind, ID: cert.OwnerID}.String()
	}
	return CertificateSummary{
		ID:        cert.ID,
		Kind:      cert.Kind.String(),
		Serial:    cert.Serial,
		Subject:   cert.Subject,
		Issuer:    cert.Issuer,
		Path:      cert.Path,
		ValidFrom: cert.ValidFrom,
		ValidTo:   cert.ValidTo,
		Generated: cert.Generated,
		HasKey:    cert.HasKey(),
		Owner:     owner,
		Revoked:   revoked,
	}
}
