package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// SameDN reports whether a and b name the same subject. Attribute types
// compare case-insensitively and values exactly; strings that do not parse
// as a DN compare after trimming.
func SameDN(a, b string) bool {
	da, errA := ldap.ParseDN(a)
	db, errB := ldap.ParseDN(b)
	if errA != nil || errB != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return da.Equal(db)
}

// DNValue returns the first value for attr (case-insensitive) in dn, or ""
// when the attribute is absent or dn does not parse.
func DNValue(dn, attr string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return ""
	}
	for _, rdn := range parsed.RDNs {
		for _, atv := range rdn.Attributes {
			if strings.EqualFold(atv.Type, attr) {
				return atv.Value
			}
		}
	}
	return ""
}

// FindCertificateBySubject returns the most recently created certificate
// whose subject names the same DN as dn.
func FindCertificateBySubject(ctx context.Context, repo Repository, dn string) (*Certificate, error) {
	certs, err := repo.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(certs) - 1; i >= 0; i-- {
		if SameDN(certs[i].Subject, dn) {
			return certs[i], nil
		}
	}
	return nil, fmt.Errorf("subject %q: %w", dn, ErrNotFound)
}

// FindCertificatesByCommonName returns every certificate whose subject CN
// equals cn.
func FindCertificatesByCommonName(ctx context.Context, repo Repository, cn string) ([]*Certificate, error) {
	certs, err := repo.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Certificate
	for _, c := range certs {
		if c.CommonName() == cn {
			out = append(out, c)
		}
	}
	return out, nil
}

// HasRoot reports whether a root certificate is stored.
func HasRoot(ctx context.Context, repo Repository) (bool, error) {
	roots, err := repo.ListCertificates(ctx, KindRoot)
	if err != nil {
		return false, err
	}
	return len(roots) > 0, nil
}

// RevokedSerials returns the serial of every active revocation entry,
// sorted.
func RevokedSerials(ctx context.Context, repo Repository) ([]string, error) {
	entries, err := repo.ListRevocations(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(entries))
	for _, e := range entries {
		serials = append(serials, e.Serial)
	}
	sort.Strings(serials)
	return serials, nil
}

// CRLIDForSerial returns the CRL identifier recorded on the revocation
// entry for serial.
func CRLIDForSerial(ctx context.Context, repo Repository, serial string) (int64, error) {
	entry, err := repo.GetRevocationBySerial(ctx, serial)
	if err != nil {
		return 0, err
	}
	return entry.CRLID, nil
}

// IsRevoked reports whether a revocation entry exists for serial.
func IsRevoked(ctx context.Context, repo Repository, serial string) (bool, error) {
	_, err := repo.GetRevocationBySerial(ctx, serial)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}
