package pki

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/storage"
)

// crlError wraps a regeneration failure that follows a committed change.
func crlError(err error) error {
	if err == nil || errors.Is(err, ErrCRLGeneration) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCRLGeneration, err)
}

// addRevocation stores the revocation entry for cert without rebuilding
// the CRL.
func (c *CA) addRevocation(ctx context.Context, cert *storage.Certificate) error {
	revoked, err := storage.IsRevoked(ctx, c.repo, cert.Serial)
	if err != nil {
		return fmt.Errorf("checking serial %s: %w", cert.Serial, err)
	}
	if revoked {
		return fmt.Errorf("certificate %d (serial %s): %w", cert.ID, cert.Serial, ErrAlreadyRevoked)
	}

	crlID := storage.NoCRL
	if current, err := c.repo.LatestCRL(ctx); err == nil {
		crlID = current.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading current CRL: %w", err)
	}

	id, err := c.repo.NextID(ctx, storage.TableRevocations)
	if err != nil {
		return fmt.Errorf("allocating revocation id: %w", err)
	}
	entry := &storage.RevocationEntry{
		ID:            id,
		Serial:        cert.Serial,
		RevokedAt:     storage.Truncate(c.now()),
		CertificateID: cert.ID,
		CRLID:         crlID,
		Username:      c.displayName(ctx, cert),
	}
	if err := c.repo.PutRevocation(ctx, entry); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("certificate %d (serial %s): %w", cert.ID, cert.Serial, ErrAlreadyRevoked)
		}
		return fmt.Errorf("storing revocation for serial %s: %w", cert.Serial, err)
	}

	c.recorder.CertificateRevoked(cert.Kind)
	c.logger.Info("Certificate revoked",
		zap.Int64("certificate_id", cert.ID),
		zap.String("serial", cert.Serial),
		zap.String("subject", cert.Subject))
	return nil
}

// Revoke records the certificate as revoked and regenerates the CRL. When
// regeneration fails the revocation stays committed and the error wraps
// ErrCRLGeneration.
func (c *CA) Revoke(ctx context.Context, id int64) (*storage.CRL, error) {
	cert, err := c.Certificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert.Kind == storage.KindRoot {
		return nil, fmt.Errorf("%w: the root cannot be revoked", ErrUnsupportedKind)
	}
	if err := c.addRevocation(ctx, cert); err != nil {
		return nil, err
	}
	crl, err := c.RegenerateCRL(ctx)
	return crl, crlError(err)
}

// ReEnable removes the revocation entry for the certificate and
// regenerates the CRL. Without an entry nothing changes and the current
// CRL is returned.
func (c *CA) ReEnable(ctx context.Context, id int64) (*storage.CRL, error) {
	cert, err := c.Certificate(ctx, id)
	if err != nil {
		return nil, err
	}
	entry, err := c.repo.GetRevocationBySerial(ctx, cert.Serial)
	if errors.Is(err, storage.ErrNotFound) {
		current, err := c.CurrentCRL(ctx)
		if errors.Is(err, ErrNoCRL) {
			return nil, nil
		}
		return current, err
	}
	if err != nil {
		return nil, fmt.Errorf("loading revocation for serial %s: %w", cert.Serial, err)
	}

	if err := c.repo.DeleteRevocation(ctx, entry.ID); err != nil {
		return nil, fmt.Errorf("removing revocation for serial %s: %w", cert.Serial, err)
	}
	c.logger.Info("Certificate re-enabled",
		zap.Int64("certificate_id", cert.ID), zap.String("serial", cert.Serial))

	crl, err := c.RegenerateCRL(ctx)
	return crl, crlError(err)
}

// validityLength is the certificate's validity in whole days.
func validityLength(cert *storage.Certificate) int {
	return int(math.Round(cert.ValidTo.Sub(cert.ValidFrom).Hours() / 24))
}

// Renew issues a replacement for the same owner, kind and validity length,
// revokes and deletes the original, then makes the replacement the owner's
// current certificate. The CRL is regenerated last; a failure there is
// returned with the new identifier and wraps ErrCRLGeneration.
func (c *CA) Renew(ctx context.Context, id int64) (int64, error) {
	old, err := c.Certificate(ctx, id)
	if err != nil {
		return 0, err
	}
	if old.Kind.IsCA() {
		return 0, fmt.Errorf("%w: %s certificates are not renewed", ErrUnsupportedKind, old.Kind)
	}
	if !old.HasOwner() {
		return 0, fmt.Errorf("%w: certificate %d is unassigned", ErrNoOwner, id)
	}
	ref := identity.Ref{Kind: old.OwnerKind, ID: old.OwnerID}

	days := validityLength(old)
	renewed, err := c.issue(ctx, IssueRequest{
		Kind:         old.Kind,
		Owner:        ref,
		ValidityDays: strconv.Itoa(days),
	}, false)
	if renewed == nil {
		return 0, fmt.Errorf("renewing certificate %d: %w", id, err)
	}
	exportErr := err

	// The replacement is stored from here on; failures leave it issued but
	// not linked to the owner.
	incomplete := func(err error) (int64, error) {
		c.logger.Error("Renewal incomplete, replacement not linked to owner",
			zap.Int64("certificate_id", renewed.ID),
			zap.Int64("previous_id", old.ID),
			zap.String("owner", ref.String()),
			zap.Error(err))
		return renewed.ID, err
	}

	if err := c.addRevocation(ctx, old); err != nil && !errors.Is(err, ErrAlreadyRevoked) {
		return incomplete(fmt.Errorf("revoking renewed certificate %d: %w", id, err))
	}

	if bundle, err := c.repo.GetBundleByCertificate(ctx, old.ID); err == nil {
		if err := c.repo.DeleteBundle(ctx, bundle.ID); err != nil {
			return incomplete(fmt.Errorf("removing keystore of certificate %d: %w", id, err))
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return incomplete(fmt.Errorf("loading keystore of certificate %d: %w", id, err))
	}
	if err := c.repo.DeleteCertificate(ctx, old.ID); err != nil {
		return incomplete(fmt.Errorf("removing certificate %d: %w", id, err))
	}
	if filepath.Join(old.Path, old.Filename) != filepath.Join(renewed.Path, renewed.Filename) {
		if err := c.exporter.Remove(old); err != nil {
			c.logger.Warn("Could not remove files of renewed certificate",
				zap.Int64("certificate_id", old.ID), zap.Error(err))
		}
	}

	newID := renewed.ID
	if err := c.ids.SetCertificateID(ctx, ref, &newID); err != nil {
		return incomplete(fmt.Errorf("linking certificate %d to %s: %w", newID, ref, err))
	}
	c.logger.Info("Certificate renewed",
		zap.Int64("certificate_id", newID),
		zap.Int64("previous_id", old.ID),
		zap.String("serial", renewed.Serial))

	if _, err := c.RegenerateCRL(ctx); err != nil {
		return newID, crlError(err)
	}
	return newID, exportErr
}
