package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/jmcleod/ovpnca/internal/util"
)

var (
	oidCommonName         = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidSerialNumber       = asn1.ObjectIdentifier{2, 5, 4, 5}
	oidCountry            = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidLocality           = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidProvince           = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidStreetAddress      = asn1.ObjectIdentifier{2, 5, 4, 9}
	oidOrganization       = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidOrganizationalUnit = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidPostalCode         = asn1.ObjectIdentifier{2, 5, 4, 17}
	oidEmailAddress       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

var attributes = []struct {
	short string
	oid   asn1.ObjectIdentifier
}{
	{"CN", oidCommonName},
	{"SERIALNUMBER", oidSerialNumber},
	{"C", oidCountry},
	{"L", oidLocality},
	{"ST", oidProvince},
	{"STREET", oidStreetAddress},
	{"O", oidOrganization},
	{"OU", oidOrganizationalUnit},
	{"postalCode", oidPostalCode},
	{"emailAddress", oidEmailAddress},
}

func attributeOID(key string) (asn1.ObjectIdentifier, bool) {
	if strings.EqualFold(key, "E") || strings.EqualFold(key, "EMAIL") {
		return oidEmailAddress, true
	}
	for _, a := range attributes {
		if strings.EqualFold(a.short, key) {
			return a.oid, true
		}
	}
	return nil, false
}

func attributeName(oid asn1.ObjectIdentifier) string {
	for _, a := range attributes {
		if a.oid.Equal(oid) {
			return a.short
		}
	}
	return oid.String()
}

// parseAttributeType maps a DN attribute type, short name or dotted OID,
// to its OID.
func parseAttributeType(key string) (asn1.ObjectIdentifier, bool) {
	if oid, ok := attributeOID(key); ok {
		return oid, true
	}
	parts := strings.Split(key, ".")
	if len(parts) < 2 {
		return nil, false
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		oid[i] = n
	}
	return oid, true
}

// BuildSubject renders a subject DN from template by replacing the CN value
// with commonName and, when ou is non-empty, replacing or inserting the OU
// value. The template's separator style is kept.
//
// When the template has no CN attribute, or is not a valid DN, the template
// is returned unchanged with ok set to false; the caller decides whether to
// proceed.
func BuildSubject(template, commonName, ou string) (subject string, ok bool) {
	dn, err := ldap.ParseDN(template)
	if err != nil || dn == nil || len(dn.RDNs) == 0 {
		return template, false
	}
	sep := ","
	if strings.Contains(template, ", ") {
		sep = ", "
	}

	type pos struct{ rdn, attr int }
	cn, ouAt := pos{-1, -1}, pos{-1, -1}
	for i, rdn := range dn.RDNs {
		for j, atv := range rdn.Attributes {
			switch {
			case cn.rdn < 0 && strings.EqualFold(atv.Type, "CN"):
				cn = pos{i, j}
			case ouAt.rdn < 0 && strings.EqualFold(atv.Type, "OU"):
				ouAt = pos{i, j}
			}
		}
	}
	if cn.rdn < 0 {
		return template, false
	}

	out := make([]string, 0, len(dn.RDNs)+1)
	for i, rdn := range dn.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for j, atv := range rdn.Attributes {
			switch {
			case i == cn.rdn && j == cn.attr:
				attrs = append(attrs, "CN="+ldap.EscapeDN(util.Normalize(commonName)))
			case i == ouAt.rdn && j == ouAt.attr && ou != "":
				attrs = append(attrs, "OU="+ldap.EscapeDN(util.Normalize(ou)))
			default:
				attrs = append(attrs, atv.Type+"="+ldap.EscapeDN(atv.Value))
			}
		}
		out = append(out, strings.Join(attrs, "+"))
		if i == cn.rdn && ou != "" && ouAt.rdn < 0 {
			out = append(out, "OU="+ldap.EscapeDN(util.Normalize(ou)))
		}
	}
	return strings.Join(out, sep), true
}

// ParseDN parses an RFC 4514 DN string such as
// "CN=alice,OU=Users,O=Example". The returned name encodes its attributes
// in the order they appear in dn; multi-valued RDNs are flattened.
func ParseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	if strings.TrimSpace(dn) == "" {
		return name, fmt.Errorf("%w: empty DN", ErrInvalidSubject)
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return name, fmt.Errorf("%w: %q: %w", ErrInvalidSubject, dn, err)
	}
	for _, rdn := range parsed.RDNs {
		for _, atv := range rdn.Attributes {
			key := strings.TrimSpace(atv.Type)
			oid, known := parseAttributeType(key)
			if !known {
				return pkix.Name{}, fmt.Errorf("%w: unknown attribute %q", ErrInvalidSubject, key)
			}
			val := util.Normalize(strings.TrimSpace(atv.Value))
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oid, Value: val})

			switch {
			case oid.Equal(oidCommonName):
				name.CommonName = val
			case oid.Equal(oidSerialNumber):
				name.SerialNumber = val
			case oid.Equal(oidCountry):
				name.Country = append(name.Country, val)
			case oid.Equal(oidLocality):
				name.Locality = append(name.Locality, val)
			case oid.Equal(oidProvince):
				name.Province = append(name.Province, val)
			case oid.Equal(oidStreetAddress):
				name.StreetAddress = append(name.StreetAddress, val)
			case oid.Equal(oidOrganization):
				name.Organization = append(name.Organization, val)
			case oid.Equal(oidOrganizationalUnit):
				name.OrganizationalUnit = append(name.OrganizationalUnit, val)
			case oid.Equal(oidPostalCode):
				name.PostalCode = append(name.PostalCode, val)
			}
		}
	}
	if len(name.ExtraNames) == 0 {
		return pkix.Name{}, fmt.Errorf("%w: %q has no attributes", ErrInvalidSubject, dn)
	}
	return name, nil
}

// FormatDN renders name as a DN string. Attributes parsed from a
// certificate keep their encoded order; otherwise CN, OU, O, L, ST, C is
// used.
func FormatDN(name pkix.Name) string {
	atvs := name.Names
	if len(atvs) == 0 {
		atvs = name.ExtraNames
	}
	if len(atvs) > 0 {
		parts := make([]string, 0, len(atvs))
		for _, atv := range atvs {
			parts = append(parts, attributeName(atv.Type)+"="+ldap.EscapeDN(fmt.Sprint(atv.Value)))
		}
		return strings.Join(parts, ",")
	}

	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+ldap.EscapeDN(name.CommonName))
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ldap.EscapeDN(ou))
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+ldap.EscapeDN(o))
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+ldap.EscapeDN(l))
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+ldap.EscapeDN(p))
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+ldap.EscapeDN(c))
	}
	return strings.Join(parts, ",")
}
