package sqlite

import (
	"fmt"

	"github.com/jmcleod/ovpnca/storage"
)

// Rows mirror the table layout. Timestamps are kept as TimeLayout text so
// that the database file stays readable with the sqlite3 shell.

type certRow struct {
	ID             int64  `db:"id"`
	Kind           int    `db:"type"`
	Version        int    `db:"version"`
	Filename       string `db:"filename"`
	Path           string `db:"path"`
	Serial         string `db:"serial"`
	Issuer         string `db:"issuer"`
	Subject        string `db:"subject"`
	Content        string `db:"content"`
	ContentDisplay string `db:"content_display"`
	Serialized     []byte `db:"cert_serialized"`
	Key            string `db:"key"`
	KeyContent     []byte `db:"key_content"`
	CreatedAt      string `db:"createdate"`
	ValidFrom      string `db:"validfrom"`
	ValidTo        string `db:"validto"`
	Generated      bool   `db:"generated"`
	OwnerKind      int    `db:"owner_kind"`
	OwnerID        int64  `db:"userid"`
}

func fromCertificate(c *storage.Certificate) certRow {
	return certRow{
		ID:             c.ID,
		Kind:           int(c.Kind),
		Version:        c.Version,
		Filename:       c.Filename,
		Path:           c.Path,
		Serial:         c.Serial,
		Issuer:         c.Issuer,
		Subject:        c.Subject,
		Content:        c.Content,
		ContentDisplay: c.ContentDisplay,
		Serialized:     c.Serialized,
		Key:            c.Key,
		KeyContent:     c.KeyContent,
		CreatedAt:      storage.FormatTime(c.CreatedAt),
		ValidFrom:      storage.FormatTime(c.ValidFrom),
		ValidTo:        storage.FormatTime(c.ValidTo),
		Generated:      c.Generated,
		OwnerKind:      int(c.OwnerKind),
		OwnerID:        c.OwnerID,
	}
}

func (r certRow) certificate() (*storage.Certificate, error) {
	c := &storage.Certificate{
		ID:             r.ID,
		Kind:           storage.Kind(r.Kind),
		Version:        r.Version,
		Filename:       r.Filename,
		Path:           r.Path,
		Serial:         r.Serial,
		Issuer:         r.Issuer,
		Subject:        r.Subject,
		Content:        r.Content,
		ContentDisplay: r.ContentDisplay,
		Serialized:     r.Serialized,
		Key:            r.Key,
		KeyContent:     r.KeyContent,
		Generated:      r.Generated,
		OwnerKind:      storage.OwnerKind(r.OwnerKind),
		OwnerID:        r.OwnerID,
	}
	var err error
	if c.CreatedAt, err = storage.ParseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("x509/%d createdate: %w", r.ID, err)
	}
	if c.ValidFrom, err = storage.ParseTime(r.ValidFrom); err != nil {
		return nil, fmt.Errorf("x509/%d validfrom: %w", r.ID, err)
	}
	if c.ValidTo, err = storage.ParseTime(r.ValidTo); err != nil {
		return nil, fmt.Errorf("x509/%d validto: %w", r.ID, err)
	}
	return c, nil
}

type crlRow struct {
	ID             int64  `db:"id"`
	Number         int64  `db:"crlnumber"`
	Version        int    `db:"version"`
	Filename       string `db:"filename"`
	Path           string `db:"path"`
	Issuer         string `db:"issuer"`
	Content        string `db:"content"`
	ContentDisplay string `db:"content_display"`
	Serialized     []byte `db:"crl_serialized"`
	CreatedAt      string `db:"createdate"`
	ValidFrom      string `db:"validfrom"`
	NextUpdate     string `db:"nextupdate"`
}

func fromCRL(c *storage.CRL) crlRow {
	return crlRow{
		ID:             c.ID,
		Number:         c.Number,
		Version:        c.Version,
		Filename:       c.Filename,
		Path:           c.Path,
		Issuer:         c.Issuer,
		Content:        c.Content,
		ContentDisplay: c.ContentDisplay,
		Serialized:     c.Serialized,
		CreatedAt:      storage.FormatTime(c.CreatedAt),
		ValidFrom:      storage.FormatTime(c.ValidFrom),
		NextUpdate:     storage.FormatTime(c.NextUpdate),
	}
}

func (r crlRow) crl() (*storage.CRL, error) {
	c := &storage.CRL{
		ID:             r.ID,
		Number:         r.Number,
		Version:        r.Version,
		Filename:       r.Filename,
		Path:           r.Path,
		Issuer:         r.Issuer,
		Content:        r.Content,
		ContentDisplay: r.ContentDisplay,
		Serialized:     r.Serialized,
	}
	var err error
	if c.CreatedAt, err = storage.ParseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("crl/%d createdate: %w", r.ID, err)
	}
	if c.ValidFrom, err = storage.ParseTime(r.ValidFrom); err != nil {
		return nil, fmt.Errorf("crl/%d validfrom: %w", r.ID, err)
	}
	if c.NextUpdate, err = storage.ParseTime(r.NextUpdate); err != nil {
		return nil, fmt.Errorf("crl/%d nextupdate: %w", r.ID, err)
	}
	return c, nil
}

type revocationRow struct {
	ID            int64  `db:"id"`
	Serial        string `db:"serial"`
	RevokedAt     string `db:"revocationdate"`
	CertificateID int64  `db:"x509id"`
	CRLID         int64  `db:"crlid"`
	Username      string `db:"username"`
}

func fromRevocation(e *storage.RevocationEntry) revocationRow {
	return revocationRow{
		ID:            e.ID,
		Serial:        e.Serial,
		RevokedAt:     storage.FormatTime(e.RevokedAt),
		CertificateID: e.CertificateID,
		CRLID:         e.CRLID,
		Username:      e.Username,
	}
}

func (r revocationRow) entry() (*storage.RevocationEntry, error) {
	at, err := storage.ParseTime(r.RevokedAt)
	if err != nil {
		return nil, fmt.Errorf("crlentry/%d revocationdate: %w", r.ID, err)
	}
	return &storage.RevocationEntry{
		ID:            r.ID,
		Serial:        r.Serial,
		RevokedAt:     at,
		CertificateID: r.CertificateID,
		CRLID:         r.CRLID,
		Username:      r.Username,
	}, nil
}

type bundleRow struct {
	ID            int64  `db:"id"`
	FriendlyName  string `db:"friendlyname"`
	Password      string `db:"password"`
	Content       []byte `db:"content"`
	CertificateID int64  `db:"x509id"`
}

func fromBundle(b *storage.PKCS12Bundle) bundleRow {
	return bundleRow{
		ID:            b.ID,
		FriendlyName:  b.FriendlyName,
		Password:      b.Password,
		Content:       b.Content,
		CertificateID: b.CertificateID,
	}
}

func (r bundleRow) bundle() *storage.PKCS12Bundle {
	return &storage.PKCS12Bundle{
		ID:            r.ID,
		FriendlyName:  r.FriendlyName,
		Password:      r.Password,
		Content:       r.Content,
		CertificateID: r.CertificateID,
	}
}
