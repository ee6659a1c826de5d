package pki

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/storage"
)

// crlAttempts bounds the retries when another writer stored the same CRL
// number first.
const crlAttempts = 3

// revokedEntries converts every revocation entry into a CRL entry.
func (c *CA) revokedEntries(ctx context.Context) ([]x509.RevocationListEntry, error) {
	entries, err := c.repo.ListRevocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}
	out := make([]x509.RevocationListEntry, 0, len(entries))
	for _, e := range entries {
		serial, ok := new(big.Int).SetString(e.Serial, 16)
		if !ok {
			c.logger.Warn("Skipping revocation entry with malformed serial",
				zap.Int64("entry_id", e.ID), zap.String("serial", e.Serial))
			continue
		}
		out = append(out, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: e.RevokedAt,
		})
	}
	return out, nil
}

func (c *CA) latestCRLNumber(ctx context.Context) (int64, error) {
	crl, err := c.repo.LatestCRL(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading latest CRL: %w", err)
	}
	return crl.Number, nil
}

// RegenerateCRL builds, stores and exports a new CRL carrying every
// revoked serial, signed by the root. The number is one more than the
// latest stored CRL. An error wrapping ErrExport comes with the stored CRL.
func (c *CA) RegenerateCRL(ctx context.Context) (*storage.CRL, error) {
	c.crlMu.Lock()
	defer c.crlMu.Unlock()

	root, err := c.root(ctx)
	if err != nil {
		return nil, err
	}
	defer root.release()

	revoked, err := c.revokedEntries(ctx)
	if err != nil {
		return nil, err
	}

	var row *storage.CRL
	for attempt := 1; ; attempt++ {
		latest, err := c.latestCRLNumber(ctx)
		if err != nil {
			return nil, err
		}
		number := latest + 1
		now := storage.Truncate(c.now())

		der, err := c.prim.BuildCRL(root.cert, root.signer, number, revoked, now, c.cfg.Validity.Client)
		if err != nil {
			return nil, fmt.Errorf("%w: CRL %d: %w", ErrCRLGeneration, number, err)
		}
		list, err := x509.ParseRevocationList(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing CRL %d: %w", ErrCRLGeneration, number, err)
		}

		id, err := c.repo.NextID(ctx, storage.TableCRLs)
		if err != nil {
			return nil, fmt.Errorf("allocating CRL id: %w", err)
		}
		row = &storage.CRL{
			ID:             id,
			Number:         number,
			Version:        2,
			Issuer:         FormatDN(list.Issuer),
			Content:        string(pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})),
			ContentDisplay: DumpCRL(list),
			Serialized:     der,
			CreatedAt:      now,
			ValidFrom:      now,
			NextUpdate:     localTime(list.NextUpdate, now.Location()),
		}
		c.exporter.AssignCRL(row)

		err = c.repo.PutCRL(ctx, row)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt >= crlAttempts {
			return nil, fmt.Errorf("storing CRL %d: %w", number, err)
		}
		c.logger.Warn("CRL number taken by a concurrent writer, retrying",
			zap.Int64("crl_number", number), zap.Int("attempt", attempt))
	}

	c.recorder.CRLGenerated(row.Number)
	c.logger.Info("CRL generated",
		zap.Int64("crl_number", row.Number), zap.Int("revoked", len(revoked)))

	if err := c.exporter.WriteCRL(row); err != nil {
		return row, fmt.Errorf("%w: CRL %d: %w", ErrExport, row.Number, err)
	}
	return row, nil
}

// CurrentCRL returns the CRL with the highest number.
func (c *CA) CurrentCRL(ctx context.Context) (*storage.CRL, error) {
	crl, err := c.repo.LatestCRL(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoCRL
	}
	if err != nil {
		return nil, fmt.Errorf("loading current CRL: %w", err)
	}
	return crl, nil
}

// ExportCRL writes the current CRL to the export directory again.
func (c *CA) ExportCRL(ctx context.Context) error {
	crl, err := c.CurrentCRL(ctx)
	if err != nil {
		return err
	}
	if err := c.exporter.WriteCRL(crl); err != nil {
		return fmt.Errorf("%w: CRL %d: %w", ErrExport, crl.Number, err)
	}
	return nil
}

// CRLs lists every generated CRL.
func (c *CA) CRLs(ctx context.Context) ([]*storage.CRL, error) {
	return c.repo.ListCRLs(ctx)
}
