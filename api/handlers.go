package api

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

func certIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "certID"), 10, 64)
	if err != nil || id < 0 {
		writeError(w, http.StatusBadRequest, "invalid certificate id")
		return 0, false
	}
	return id, true
}

// ownerRef maps an owner id to the identity table implied by kind. A zero
// id means no owner.
func ownerRef(kind storage.Kind, id int64) identity.Ref {
	if id == 0 {
		return identity.Ref{}
	}
	if kind == storage.KindServer {
		return identity.Ref{Kind: storage.OwnerServer, ID: id}
	}
	return identity.Ref{Kind: storage.OwnerUser, ID: id}
}

func summarizeCRL(crl *storage.CRL) *CRLSummary {
	if crl == nil {
		return nil
	}
	s := &CRLSummary{
		ID:         crl.ID,
		Number:     crl.Number,
		Issuer:     crl.Issuer,
		Path:       crl.Path,
		ThisUpdate: crl.ValidFrom,
		NextUpdate: crl.NextUpdate,
	}
	if parsed, err := x509.ParseRevocationList(crl.Serialized); err == nil {
		s.Revoked = len(parsed.RevokedCertificateEntries)
	}
	return s
}

func writePEM(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// InitRoot handles POST /ca/root.
func (a *API) InitRoot(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[InitCARequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	id, err := a.ca.InitRoot(r.Context(), req.Subject)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditCAInitialized, r, zap.Int64("certificate_id", id))
	writeJSON(w, http.StatusCreated, InitCAResponse{CertificateID: id, CRLPath: a.ca.CurrentCRLPath()})
}

// InitIntermediate handles POST /ca/intermediate.
func (a *API) InitIntermediate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[InitCARequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	id, err := a.ca.InitIntermediate(r.Context(), req.Subject)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditIntermediateAdded, r, zap.Int64("certificate_id", id))
	writeJSON(w, http.StatusCreated, InitCAResponse{CertificateID: id, CRLPath: a.ca.CurrentCRLPath()})
}

func (a *API) addIdentity(w http.ResponseWriter, r *http.Request, kind storage.OwnerKind, event AuditEvent) {
	req, ok := decodeJSON[AddIdentityRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	ident := &identity.Identity{
		Kind:       kind,
		Name:       req.Name,
		CommonName: req.CommonName,
		OU:         req.OU,
	}
	if err := a.ids.Add(r.Context(), ident); err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(event, r, zap.String("identity", ident.Ref().String()), zap.String("name", ident.Name))
	writeJSON(w, http.StatusCreated, ident)
}

func (a *API) listIdentities(w http.ResponseWriter, r *http.Request, kind storage.OwnerKind) {
	idents, err := a.ids.List(r.Context(), kind)
	if err != nil {
		a.mapError(w, err)
		return
	}
	if idents == nil {
		idents = []*identity.Identity{}
	}
	writeJSON(w, http.StatusOK, ListIdentitiesResponse{Identities: idents})
}

// AddUser handles POST /users.
func (a *API) AddUser(w http.ResponseWriter, r *http.Request) {
	a.addIdentity(w, r, storage.OwnerUser, AuditUserAdded)
}

// ListUsers handles GET /users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	a.listIdentities(w, r, storage.OwnerUser)
}

// AddServer handles POST /servers.
func (a *API) AddServer(w http.ResponseWriter, r *http.Request) {
	a.addIdentity(w, r, storage.OwnerServer, AuditServerAdded)
}

// ListServers handles GET /servers.
func (a *API) ListServers(w http.ResponseWriter, r *http.Request) {
	a.listIdentities(w, r, storage.OwnerServer)
}

// ListCertificates handles GET /certificates. The optional "kind" query
// parameter filters by certificate kind and "cn" by subject common name.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	var kind storage.Kind
	v := r.URL.Query().Get("kind")
	if v != "" {
		var err error
		if kind, err = storage.ParseKind(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var (
		certs []*storage.Certificate
		err   error
	)
	if cn := r.URL.Query().Get("cn"); cn != "" {
		certs, err = a.ca.CertificatesByCommonName(r.Context(), cn)
		if v != "" {
			certs = slices.DeleteFunc(certs, func(c *storage.Certificate) bool { return c.Kind != kind })
		}
	} else if v != "" {
		certs, err = a.ca.Certificates(r.Context(), kind)
	} else {
		certs, err = a.ca.Certificates(r.Context())
	}
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeCertificateList(w, r, certs)
}

// ListExpiring handles GET /certificates/expiring?days=N.
func (a *API) ListExpiring(w http.ResponseWriter, r *http.Request) {
	days := positiveInt(r.URL.Query().Get("days"), 30)
	certs, err := a.ca.ExpiringWithin(r.Context(), days)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.writeCertificateList(w, r, certs)
}

func (a *API) writeCertificateList(w http.ResponseWriter, r *http.Request, certs []*storage.Certificate) {
	limit, offset := parsePagination(r)
	page, meta := paginate(certs, limit, offset)

	result := make([]CertificateSummary, 0, len(page))
	for _, cert := range page {
		revoked, err := a.ca.IsRevoked(r.Context(), cert)
		if err != nil {
			a.mapError(w, err)
			return
		}
		result = append(result, summarize(cert, revoked))
	}
	writeJSON(w, http.StatusOK, ListCertificatesResponse{Certificates: result, PaginationMeta: meta})
}

// GetCertificate handles GET /certificates/{certID}.
func (a *API) GetCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := certIDParam(w, r)
	if !ok {
		return
	}
	cert, err := a.ca.Certificate(r.Context(), id)
	if err != nil {
		a.mapError(w, err)
		return
	}
	revoked, err := a.ca.IsRevoked(r.Context(), cert)
	if err != nil {
		a.mapError(w, err)
		return
	}
	detail := CertificateDetail{
		CertificateSummary: summarize(cert, revoked),
		PEM:                cert.Content,
		Display:            cert.ContentDisplay,
	}
	if revoked {
		crlID, err := a.ca.RevocationCRL(r.Context(), cert)
		if err != nil {
			a.mapError(w, err)
			return
		}
		if crlID != storage.NoCRL {
			detail.CRLID = &crlID
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetCertificatePEM handles GET /certificates/{certID}/pem.
func (a *API) GetCertificatePEM(w http.ResponseWriter, r *http.Request) {
	id, ok := certIDParam(w, r)
	if !ok {
		return
	}
	cert, err := a.ca.Certificate(r.Context(), id)
	if err != nil {
		a.mapError(w, err)
		return
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Serialized})
	writePEM(w, fmt.Sprintf("%s.crt", cert.Serial), data)
}

// IssueCertificate handles POST /certificates. The request waits for the
// operation; if the client goes away the issuance still completes.
func (a *API) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[IssueRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	kind, err := storage.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OwnerID <= 0 {
		writeError(w, http.StatusBadRequest, "owner_id is required")
		return
	}

	id, err := a.ca.IssueAsync(r.Context(), pki.IssueRequest{
		Kind:         kind,
		Owner:        ownerRef(kind, req.OwnerID),
		ValidityDays: req.ValidityDays,
		Subject:      req.Subject,
	}).Wait(r.Context())
	if err != nil && !errors.Is(err, pki.ErrExport) {
		a.mapError(w, err)
		return
	}
	if err != nil {
		a.logger.Warn("Certificate stored but not exported", zap.Int64("certificate_id", id), zap.Error(err))
	}
	a.audit.log(AuditCertIssued, r, zap.Int64("certificate_id", id), zap.String("kind", kind.String()))
	writeJSON(w, http.StatusCreated, CertificateIDResponse{CertificateID: id})
}

// ImportCertificate handles POST /certificates/import.
func (a *API) ImportCertificate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ImportRequest](w, r, maxImportBodySize)
	if !ok {
		return
	}
	kind, err := storage.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data := []byte(req.Certificate)
	if !strings.Contains(req.Certificate, "-----BEGIN") {
		if data, err = base64.StdEncoding.DecodeString(req.Certificate); err != nil {
			writeError(w, http.StatusBadRequest, "certificate must be PEM or base64 encoded DER")
			return
		}
	}

	id, err := a.ca.Import(r.Context(), data, []byte(req.Key), kind, ownerRef(kind, req.OwnerID))
	if err != nil && !errors.Is(err, pki.ErrExport) {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditCertImported, r, zap.Int64("certificate_id", id), zap.String("kind", kind.String()))
	writeJSON(w, http.StatusCreated, CertificateIDResponse{CertificateID: id})
}

// RevokeCertificate handles POST /certificates/{certID}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := certIDParam(w, r)
	if !ok {
		return
	}
	crl, err := a.ca.RevokeAsync(r.Context(), id).Wait(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditCertRevoked, r, zap.Int64("certificate_id", id), zap.Int64("crl_number", crl.Number))
	writeJSON(w, http.StatusOK, RevocationResponse{CertificateID: id, CRL: summarizeCRL(crl)})
}

// ReEnableCertificate handles POST /certificates/{certID}/reenable.
func (a *API) ReEnableCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := certIDParam(w, r)
	if !ok {
		return
	}
	crl, err := a.ca.ReEnableAsync(r.Context(), id).Wait(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditCertReEnabled, r, zap.Int64("certificate_id", id))
	writeJSON(w, http.StatusOK, RevocationResponse{CertificateID: id, CRL: summarizeCRL(crl)})
}

// RenewCertificate handles POST /certificates/{certID}/renew.
func (a *API) RenewCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := certIDParam(w, r)
	if !ok {
		return
	}
	newID, err := a.ca.RenewAsync(r.Context(), id).Wait(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditCertRenewed, r,
		zap.Int64("old_certificate_id", id),
		zap.Int64("new_certificate_id", newID))
	writeJSON(w, http.StatusOK, RenewResponse{OldCertificateID: id, NewCertificateID: newID})
}

// ExportCertificate handles POST /certificates/{certID}/export. It rewrites
// the certificate files and answers 204.
func (a *API) ExportCertificate(w http.ResponseWriter, r *http.Request) {
	id, ok := certIDParam(w, r)
	if !ok {
		return
	}
	if err := a.ca.Export(r.Context(), id); err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditCertExported, r, zap.Int64("certificate_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// ExportBundle handles POST /certificates/{certID}/bundle and returns a
// PKCS#12 keystore.
func (a *API) ExportBundle(w http.ResponseWriter, r *http.Request) {
	id, ok := certIDParam(w, r)
	if !ok {
		return
	}
	req, ok := decodeJSON[BundleRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}

	var password *memguard.LockedBuffer
	if req.Password != "" {
		password = memguard.NewBufferFromBytes([]byte(req.Password))
		defer password.Destroy()
	}

	data, err := a.ca.ExportBundle(r.Context(), id, password)
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditBundleExported, r, zap.Int64("certificate_id", id))

	w.Header().Set("Content-Type", "application/x-pkcs12")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"certificate-%d.p12\"", id))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetCRL handles GET /crl and returns the current list as PEM.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.ca.CurrentCRL(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}
	writePEM(w, "crl.pem", pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl.Serialized}))
}

// GenerateCRL handles POST /crl.
func (a *API) GenerateCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.ca.RegenerateCRLAsync(r.Context()).Wait(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}
	a.audit.log(AuditCRLGenerated, r, zap.Int64("crl_number", crl.Number))
	writeJSON(w, http.StatusCreated, summarizeCRL(crl))
}

// ListCRLs handles GET /crls.
func (a *API) ListCRLs(w http.ResponseWriter, r *http.Request) {
	crls, err := a.ca.CRLs(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}
	result := make([]CRLSummary, 0, len(crls))
	for _, crl := range crls {
		result = append(result, *summarizeCRL(crl))
	}
	writeJSON(w, http.StatusOK, ListCRLsResponse{CRLs: result})
}

// ListOperations handles GET /operations.
func (a *API) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops := a.ca.Tracker().Active()
	if ops == nil {
		ops = []pki.OperationInfo{}
	}
	writeJSON(w, http.StatusOK, ListOperationsResponse{Operations: ops})
}
