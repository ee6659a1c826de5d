package pki

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/internal/util"
	"github.com/jmcleod/ovpnca/storage"
)

// serialAttempts bounds the redraws on a serial collision.
const serialAttempts = 8

// IssueRequest asks for a server or client certificate.
type IssueRequest struct {
	// Kind is KindServer, KindClient or KindPKCS12. KindPKCS12 always
	// builds a keystore; KindClient does when IssuePKCS12 is configured.
	Kind storage.Kind `json:"kind"`

	// Owner must be a server for KindServer and a user otherwise.
	Owner identity.Ref `json:"owner"`

	// ValidityDays overrides the configured validity when it parses as a
	// positive integer.
	ValidityDays string `json:"validity_days,omitempty"`

	// Subject overrides the configured subject template.
	Subject string `json:"subject,omitempty"`
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// keyContent returns the PKCS#8 DER behind a PEM key, or nil for key
// store references.
func keyContent(keyPEM string) []byte {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil
	}
	return block.Bytes
}

// newSerial draws a random serial that is not used by any stored or
// revoked certificate.
func (c *CA) newSerial(ctx context.Context) (*big.Int, error) {
	for range serialAttempts {
		n, err := util.RandomSerial()
		if err != nil {
			return nil, fmt.Errorf("drawing serial: %w", err)
		}
		s := util.SerialString(n)
		_, err = c.repo.FindCertificateBySerial(ctx, s)
		if err == nil {
			c.logger.Warn("Serial collision, drawing again", zap.String("serial", s))
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("checking serial %s: %w", s, err)
		}
		revoked, err := storage.IsRevoked(ctx, c.repo, s)
		if err != nil {
			return nil, fmt.Errorf("checking serial %s: %w", s, err)
		}
		if revoked {
			c.logger.Warn("Serial collision, drawing again", zap.String("serial", s))
			continue
		}
		return n, nil
	}
	return nil, fmt.Errorf("no unused serial after %d attempts: %w", serialAttempts, storage.ErrConflict)
}

// record builds a repository row for a parsed certificate.
func (c *CA) record(kind storage.Kind, der []byte, cert *x509.Certificate, keyPEM string) *storage.Certificate {
	loc := c.now().Location()
	return &storage.Certificate{
		Kind:           kind,
		Version:        cert.Version,
		Serial:         util.SerialString(cert.SerialNumber),
		Issuer:         FormatDN(cert.Issuer),
		Subject:        FormatDN(cert.Subject),
		Content:        encodeCertPEM(der),
		ContentDisplay: DumpCertificate(cert),
		Serialized:     der,
		Key:            keyPEM,
		KeyContent:     keyContent(keyPEM),
		CreatedAt:      storage.Truncate(c.now()),
		ValidFrom:      localTime(cert.NotBefore, loc),
		ValidTo:        localTime(cert.NotAfter, loc),
	}
}

// persist allocates an identifier, assigns file names and stores row and
// bundle. It does not write files.
func (c *CA) persist(ctx context.Context, row *storage.Certificate, owner *identity.Identity, bundle *storage.PKCS12Bundle) error {
	id, err := c.repo.NextID(ctx, storage.TableCertificates)
	if err != nil {
		return fmt.Errorf("allocating certificate id: %w", err)
	}
	row.ID = id
	if owner != nil {
		row.OwnerKind, row.OwnerID = owner.Kind, owner.ID
	}
	if err := c.exporter.Assign(row, owner); err != nil {
		return fmt.Errorf("assigning file name: %w", err)
	}
	if err := c.repo.PutCertificate(ctx, row); err != nil {
		return fmt.Errorf("storing certificate %d (serial %s): %w", id, row.Serial, err)
	}

	if bundle == nil {
		return nil
	}
	bundleID, err := c.repo.NextID(ctx, storage.TableBundles)
	if err != nil {
		c.unpersist(ctx, row)
		return fmt.Errorf("allocating keystore id: %w", err)
	}
	bundle.ID, bundle.CertificateID = bundleID, id
	if err := c.repo.PutBundle(ctx, bundle); err != nil {
		c.unpersist(ctx, row)
		return fmt.Errorf("storing keystore for certificate %d: %w", id, err)
	}
	return nil
}

// unpersist removes a certificate row whose keystore could not be stored.
func (c *CA) unpersist(ctx context.Context, row *storage.Certificate) {
	if err := c.repo.DeleteCertificate(ctx, row.ID); err != nil {
		c.logger.Error("Certificate stored without its keystore",
			zap.Int64("certificate_id", row.ID), zap.String("serial", row.Serial), zap.Error(err))
		return
	}
	c.logger.Warn("Keystore not stored, certificate row removed",
		zap.Int64("certificate_id", row.ID), zap.String("serial", row.Serial))
}

// write exports the certificate and its keystore.
func (c *CA) write(row *storage.Certificate, bundle *storage.PKCS12Bundle) error {
	if err := c.exporter.WriteCertificate(row); err != nil {
		return fmt.Errorf("%w: certificate %d: %w", ErrExport, row.ID, err)
	}
	if bundle != nil {
		if err := c.exporter.WriteBundle(row, bundle); err != nil {
			return fmt.Errorf("%w: keystore for certificate %d: %w", ErrExport, row.ID, err)
		}
	}
	return nil
}

// InitRoot creates the self-signed root certificate and the first CRL.
// An empty subject uses the configured template.
func (c *CA) InitRoot(ctx context.Context, subject string) (int64, error) {
	ok, err := storage.HasRoot(ctx, c.repo)
	if err != nil {
		return 0, fmt.Errorf("checking root: %w", err)
	}
	if ok {
		return 0, ErrRootExists
	}
	if subject == "" {
		subject = c.cfg.Subjects.Root
	}
	name, err := ParseDN(subject)
	if err != nil {
		return 0, err
	}
	serial, err := c.newSerial(ctx)
	if err != nil {
		return 0, err
	}
	notBefore, notAfter, _ := c.window(storage.KindRoot, "")

	issued, err := c.prim.SelfSignRoot(Template{
		Kind:      storage.KindRoot,
		Serial:    serial,
		Subject:   name,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	})
	if err != nil || issued == nil || issued.Certificate == nil {
		return 0, fmt.Errorf("%w: root %q: %v", ErrSigningFailed, subject, err)
	}

	row := c.record(storage.KindRoot, issued.DER, issued.Certificate, issued.KeyPEM)
	row.Generated = true
	if err := c.persist(ctx, row, nil, nil); err != nil {
		return 0, err
	}
	c.recorder.CertificateIssued(storage.KindRoot)
	c.logger.Info("Root certificate created",
		zap.Int64("certificate_id", row.ID), zap.String("serial", row.Serial), zap.String("subject", row.Subject))

	if err := c.write(row, nil); err != nil {
		return row.ID, err
	}
	if _, err := c.RegenerateCRL(ctx); err != nil {
		return row.ID, fmt.Errorf("generating initial CRL: %w", err)
	}
	return row.ID, nil
}

// InitIntermediate creates the intermediate certificate signed by the
// root. Leaves issued afterwards are signed by it.
func (c *CA) InitIntermediate(ctx context.Context, subject string) (int64, error) {
	if _, err := c.liveIntermediate(ctx); err == nil {
		return 0, ErrIntermediateExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("checking intermediate: %w", err)
	}
	root, err := c.root(ctx)
	if err != nil {
		return 0, err
	}
	defer root.release()

	if subject == "" {
		subject = c.cfg.Subjects.Intermediate
	}
	name, err := ParseDN(subject)
	if err != nil {
		return 0, err
	}
	if err := c.checkCASubject(ctx, FormatDN(name)); err != nil {
		return 0, err
	}
	serial, err := c.newSerial(ctx)
	if err != nil {
		return 0, err
	}
	notBefore, notAfter, _ := c.window(storage.KindIntermediate, "")

	issued, err := c.prim.Sign(root.cert, root.signer, Template{
		Kind:      storage.KindIntermediate,
		Serial:    serial,
		Subject:   name,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	})
	if err != nil || issued == nil || issued.Certificate == nil {
		return 0, fmt.Errorf("%w: intermediate %q: %v", ErrSigningFailed, subject, err)
	}

	row := c.record(storage.KindIntermediate, issued.DER, issued.Certificate, issued.KeyPEM)
	row.Generated = true
	if err := c.persist(ctx, row, nil, nil); err != nil {
		return 0, err
	}
	c.recorder.CertificateIssued(storage.KindIntermediate)
	c.logger.Info("Intermediate certificate created",
		zap.Int64("certificate_id", row.ID), zap.String("serial", row.Serial), zap.String("subject", row.Subject))
	return row.ID, c.write(row, nil)
}

// resolveOwner checks that ref names an identity suitable for kind.
func (c *CA) resolveOwner(ctx context.Context, kind storage.Kind, ref identity.Ref) (*identity.Identity, error) {
	want := storage.OwnerUser
	switch kind {
	case storage.KindServer:
		want = storage.OwnerServer
	case storage.KindClient, storage.KindPKCS12:
	default:
		return nil, fmt.Errorf("%w: %s cannot be issued for an identity", ErrUnsupportedKind, kind)
	}
	if ref.Kind != want {
		return nil, fmt.Errorf("%w: %s certificate for %s", ErrNoOwner, kind, ref)
	}
	owner, err := identity.Get(ctx, c.ids, ref)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s: %w", ErrNoOwner, ref, err)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", ref, err)
	}
	return owner, nil
}

// Issue creates a server or client certificate for req.Owner, stores it,
// makes it the owner's current certificate and exports it. An error
// wrapping ErrExport comes with a valid identifier: the certificate is
// stored and Export can be retried.
func (c *CA) Issue(ctx context.Context, req IssueRequest) (int64, error) {
	row, err := c.issue(ctx, req, true)
	if row == nil {
		return 0, err
	}
	return row.ID, err
}

func (c *CA) issue(ctx context.Context, req IssueRequest, repoint bool) (*storage.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	owner, err := c.resolveOwner(ctx, req.Kind, req.Owner)
	if err != nil {
		return nil, err
	}
	issuer, err := c.issuer(ctx)
	if err != nil {
		return nil, err
	}
	defer issuer.release()

	name, err := c.leafSubject(req, owner)
	if err != nil {
		return nil, err
	}

	serial, err := c.newSerial(ctx)
	if err != nil {
		return nil, err
	}
	notBefore, notAfter, days := c.window(req.Kind, req.ValidityDays)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	issued, err := c.prim.Sign(issuer.cert, issuer.signer, Template{
		Kind:      req.Kind,
		Serial:    serial,
		Subject:   name,
		NotBefore: notBefore,
		NotAfter:  notAfter,
	})
	if err != nil || issued == nil || issued.Certificate == nil {
		return nil, fmt.Errorf("%w: %s %q: %v", ErrSigningFailed, req.Kind, FormatDN(name), err)
	}

	kind := req.Kind
	var bundle *storage.PKCS12Bundle
	if kind == storage.KindPKCS12 || c.cfg.IssuePKCS12 {
		if kind == storage.KindClient {
			kind = storage.KindPKCS12
		}
		chain, err := c.chain(ctx, issuer)
		if err != nil {
			return nil, err
		}
		password, err := c.password(ctx, owner.DisplayName())
		if err != nil {
			return nil, err
		}
		content, err := encodeBundle(issued.Signer, issued.Certificate, chain, password)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
		}
		bundle = &storage.PKCS12Bundle{
			FriendlyName: owner.DisplayName(),
			Password:     password,
			Content:      content,
		}
	}

	row := c.record(kind, issued.DER, issued.Certificate, issued.KeyPEM)
	row.Generated = true
	if err := c.persist(ctx, row, owner, bundle); err != nil {
		return nil, err
	}
	if repoint {
		id := row.ID
		if err := c.ids.SetCertificateID(ctx, owner.Ref(), &id); err != nil {
			return row, fmt.Errorf("linking certificate %d to %s: %w", row.ID, owner.Ref(), err)
		}
	}
	c.recorder.CertificateIssued(kind)
	c.logger.Info("Certificate issued",
		zap.Int64("certificate_id", row.ID),
		zap.String("kind", kind.String()),
		zap.String("serial", row.Serial),
		zap.String("subject", row.Subject),
		zap.Int("validity_days", days))

	return row, c.write(row, bundle)
}

// decodeCertificate accepts PEM or DER.
func decodeCertificate(data []byte) ([]byte, *x509.Certificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
		}
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return der, cert, nil
}

// Import stores an externally produced certificate with an optional
// private key. A zero owner leaves the certificate unassigned; client
// certificates are then exported to the unassigned directory.
func (c *CA) Import(ctx context.Context, data, keyPEM []byte, kind storage.Kind, ref identity.Ref) (int64, error) {
	der, cert, err := decodeCertificate(data)
	if err != nil {
		return 0, err
	}
	serial := util.SerialString(cert.SerialNumber)
	if _, err := c.repo.FindCertificateBySerial(ctx, serial); err == nil {
		return 0, fmt.Errorf("importing serial %s: %w", serial, storage.ErrConflict)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("checking serial %s: %w", serial, err)
	}

	switch kind {
	case storage.KindRoot:
		ok, err := storage.HasRoot(ctx, c.repo)
		if err != nil {
			return 0, fmt.Errorf("checking root: %w", err)
		}
		if ok {
			return 0, ErrRootExists
		}
	case storage.KindIntermediate:
		if _, err := c.liveIntermediate(ctx); err == nil {
			return 0, ErrIntermediateExists
		} else if !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("checking intermediate: %w", err)
		}
	}
	if kind.IsCA() {
		if err := c.checkCASubject(ctx, FormatDN(cert.Subject)); err != nil {
			return 0, err
		}
	}

	var owner *identity.Identity
	if !ref.IsZero() {
		if owner, err = c.resolveOwner(ctx, kind, ref); err != nil {
			return 0, err
		}
	}

	var key string
	if len(keyPEM) > 0 {
		keyID, err := c.keys.ImportPEM(string(keyPEM))
		if err != nil {
			return 0, fmt.Errorf("importing key for serial %s: %w", serial, err)
		}
		key, err = c.keys.ExportPEM(keyID)
		release(c.keys, keyID)
		if err != nil {
			return 0, fmt.Errorf("importing key for serial %s: %w", serial, err)
		}
	}

	row := c.record(kind, der, cert, key)
	row.Generated = false
	if err := c.persist(ctx, row, owner, nil); err != nil {
		return 0, err
	}
	if owner != nil {
		id := row.ID
		if err := c.ids.SetCertificateID(ctx, owner.Ref(), &id); err != nil {
			return row.ID, fmt.Errorf("linking certificate %d to %s: %w", row.ID, owner.Ref(), err)
		}
	}
	c.logger.Info("Certificate imported",
		zap.Int64("certificate_id", row.ID),
		zap.String("kind", kind.String()),
		zap.String("serial", row.Serial),
		zap.String("subject", row.Subject))
	return row.ID, c.write(row, nil)
}

// Export rewrites the files for a stored certificate and its keystore.
func (c *CA) Export(ctx context.Context, id int64) error {
	cert, err := c.Certificate(ctx, id)
	if err != nil {
		return err
	}
	bundle, err := c.repo.GetBundleByCertificate(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading keystore for certificate %d: %w", id, err)
	}
	return c.write(cert, bundle)
}

// ExpiringWithin is Expiring for a whole number of days.
func (c *CA) ExpiringWithin(ctx context.Context, days int) ([]*storage.Certificate, error) {
	return c.Expiring(ctx, time.Duration(days)*24*time.Hour)
}

// checkCASubject refuses a CA subject already held by a live CA
// certificate.
func (c *CA) checkCASubject(ctx context.Context, subject string) error {
	found, err := storage.FindCertificateBySubject(ctx, c.repo, subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking subject %q: %w", subject, err)
	}
	if !found.Kind.IsCA() {
		return nil
	}
	revoked, err := storage.IsRevoked(ctx, c.repo, found.Serial)
	if err != nil {
		return fmt.Errorf("checking subject %q: %w", subject, err)
	}
	if revoked {
		return nil
	}
	return fmt.Errorf("subject %q held by %s %d: %w", subject, found.Kind, found.ID, storage.ErrConflict)
}

// leafSubject renders the subject for a leaf owned by owner. A template
// without CN is used unchanged. A template that does not parse falls back
// to the configured template for the kind, then to a bare CN.
func (c *CA) leafSubject(req IssueRequest, owner *identity.Identity) (pkix.Name, error) {
	templates := []string{req.Subject, c.cfg.subject(req.Kind)}
	if req.Subject == "" {
		templates = templates[1:]
	}
	var lastErr error
	for _, template := range templates {
		subject, ok := BuildSubject(template, owner.DisplayName(), owner.OU)
		if !ok {
			c.logger.Warn("Subject template has no CN, using it unchanged",
				zap.String("subject", template), zap.String("owner", owner.Ref().String()))
		}
		name, err := ParseDN(subject)
		if err == nil {
			return name, nil
		}
		c.logger.Warn("Subject template unusable, trying fallback",
			zap.String("subject", template), zap.String("owner", owner.Ref().String()), zap.Error(err))
		lastErr = err
	}

	name, err := ParseDN("CN=" + ldap.EscapeDN(util.Normalize(owner.DisplayName())))
	if err != nil {
		return pkix.Name{}, fmt.Errorf("%w (fallback after %w)", err, lastErr)
	}
	return name, nil
}
