package pki_test

import (
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnca/pki"
)

func TestBuildSubject(t *testing.T) {
	tests := []struct {
		name     string
		template string
		cn, ou   string
		want     string
		ok       bool
	}{
		{"replace CN", "CN=client,O=Example", "alice", "", "CN=alice,O=Example", true},
		{"replace OU", "CN=client,OU=Users,O=Example", "alice", "Sales", "CN=alice,OU=Sales,O=Example", true},
		{"insert OU", "CN=client,O=Example", "alice", "Sales", "CN=alice,OU=Sales,O=Example", true},
		{"keep OU", "CN=client,OU=Users", "alice", "", "CN=alice,OU=Users", true},
		{"spaced separator", "C=US, O=Example, CN=client", "alice", "", "C=US, O=Example, CN=alice", true},
		{"lower-case key", "cn=client,O=Example", "alice", "", "CN=alice,O=Example", true},
		{"escape comma", "CN=client", "Smith, John", "", `CN=Smith\, John`, true},
		{"normalise", "CN=client", "café", "", "CN=café", true},
		{"multi-valued RDN", "CN=client+OU=Users,O=Example", "alice", "Sales", "CN=alice+OU=Sales,O=Example", true},
		{"no CN", "O=Example,C=US", "alice", "Sales", "O=Example,C=US", false},
		{"not a DN", "OpenVPN Users", "alice", "", "OpenVPN Users", false},
		{"empty", "", "alice", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pki.BuildSubject(tt.template, tt.cn, tt.ou)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestParseDN(t *testing.T) {
	name, err := pki.ParseDN(`CN=Smith\, John,OU=Users,O=Example,L=Berlin,ST=Berlin,C=DE,emailAddress=john@example.com`)
	require.NoError(t, err)
	assert.Equal(t, "Smith, John", name.CommonName)
	assert.Equal(t, []string{"Users"}, name.OrganizationalUnit)
	assert.Equal(t, []string{"Example"}, name.Organization)
	assert.Equal(t, []string{"Berlin"}, name.Locality)
	assert.Equal(t, []string{"Berlin"}, name.Province)
	assert.Equal(t, []string{"DE"}, name.Country)
	assert.Len(t, name.ExtraNames, 7)

	assert.Equal(t, `CN=Smith\, John,OU=Users,O=Example,L=Berlin,ST=Berlin,C=DE,emailAddress=john@example.com`, pki.FormatDN(name))

	for _, bad := range []string{"", "   ", "CN", "CN=a,XX=b"} {
		_, err := pki.ParseDN(bad)
		assert.ErrorIs(t, err, pki.ErrInvalidSubject, bad)
	}
}

func TestParseDNEncodings(t *testing.T) {
	name, err := pki.ParseDN("CN=alice+OU=Users,O=Example")
	require.NoError(t, err)
	assert.Equal(t, "alice", name.CommonName)
	assert.Equal(t, []string{"Users"}, name.OrganizationalUnit)

	name, err = pki.ParseDN("CN=#0c05616c696365,O=Example")
	require.NoError(t, err)
	assert.Equal(t, "alice", name.CommonName, "hex-encoded value")

	name, err = pki.ParseDN("2.5.4.3=bob,O=Example")
	require.NoError(t, err)
	assert.Equal(t, "bob", name.CommonName, "dotted OID type")

	name, err = pki.ParseDN(`CN=Smith\2C John`)
	require.NoError(t, err)
	assert.Equal(t, "Smith, John", name.CommonName)
}

func TestFormatDNFieldOrder(t *testing.T) {
	name := pkix.Name{
		CommonName:         "alice",
		Country:            []string{"US"},
		Organization:       []string{"Example"},
		OrganizationalUnit: []string{"Users"},
	}
	assert.Equal(t, "CN=alice,OU=Users,O=Example,C=US", pki.FormatDN(name))
}

func TestValidityDays(t *testing.T) {
	assert.Equal(t, 10, pki.ValidityDays("10", 365))
	assert.Equal(t, 365, pki.ValidityDays("0", 365))
	assert.Equal(t, 365, pki.ValidityDays("-1", 365))
	assert.Equal(t, 365, pki.ValidityDays("1.5", 365))
	assert.Equal(t, 365, pki.ValidityDays("", 365))
}
