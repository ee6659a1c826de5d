package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnca/export"
	"github.com/jmcleod/ovpnca/pki"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ovpnca.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, pki.DefaultConfig(), cfg.CA)
	assert.Equal(t, export.DefaultConfig(), cfg.Export)
	assert.Equal(t, DriverBolt, cfg.Storage.Driver)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[ca]
key_bits = 4096
issue_pkcs12 = true

[ca.subjects]
client = "CN=client,OU=VPN,O=Example"

[ca.validity]
client = 90

[storage]
driver = "sqlite"
dsn = "/var/lib/ovpnca/certs.db"

[export]
dir = "/etc/openvpn/pki"

[export.formats]
client = "der"

[server]
listen = ":9443"
shutdown_timeout = "30s"

[pkcs11]
module_path = "/usr/lib/softhsm/libsofthsm2.so"
slot_number = 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4096, cfg.CA.KeyBits)
	assert.True(t, cfg.CA.IssuePKCS12)
	assert.Equal(t, "CN=client,OU=VPN,O=Example", cfg.CA.Subjects.Client)
	assert.Equal(t, pki.DefaultConfig().Subjects.Server, cfg.CA.Subjects.Server, "unset keys keep defaults")
	assert.Equal(t, 90, cfg.CA.Validity.Client)
	assert.Equal(t, 3650, cfg.CA.Validity.Root)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/etc/openvpn/pki", cfg.Export.Dir)
	assert.Equal(t, export.FormatDER, cfg.Export.Formats["client"])
	assert.Equal(t, export.FormatPEM, cfg.Export.Formats["server"])
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	require.NotNil(t, cfg.PKCS11.SlotNumber)
	assert.Equal(t, 2, *cfg.PKCS11.SlotNumber)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
[ca]
key_bits = 4096
`)
	t.Setenv("OVPNCA_CA_KEY__BITS", "3072")
	t.Setenv("OVPNCA_STORAGE_DRIVER", "postgres")
	t.Setenv("OVPNCA_STORAGE_DSN", "postgres://localhost/ovpnca")
	t.Setenv("OVPNCA_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3072, cfg.CA.KeyBits)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/ovpnca", cfg.Storage.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "storage.driver", envKey("OVPNCA_STORAGE_DRIVER"))
	assert.Equal(t, "ca.key_bits", envKey("OVPNCA_CA_KEY__BITS"))
	assert.Equal(t, "export.unassigned_dir", envKey("OVPNCA_EXPORT_UNASSIGNED__DIR"))
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "[storage]\ndriver = \"mysql\""},
		{"sqlite without dsn", "[storage]\ndriver = \"sqlite\""},
		{"unknown format", "[export.formats]\nclient = \"pkcs7\""},
		{"unknown kind", "[export.keys]\nuser = true"},
		{"empty crl file", "[export]\ncrl_file = \"\""},
		{"bad duration", "[server]\nshutdown_timeout = \"soon\""},
		{"tls cert without key", "[server]\ntls_cert = \"server.crt\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
