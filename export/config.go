package export

import (
	"fmt"

	"github.com/jmcleod/ovpnca/storage"
)

// Format selects how certificate bytes are written.
type Format string

const (
	// FormatDER writes the raw encoded certificate.
	FormatDER Format = "der"
	// FormatPEM writes the base64 armoured certificate.
	FormatPEM Format = "pem"
	// FormatText writes the human readable dump followed by the PEM block.
	FormatText Format = "text"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatDER, FormatPEM, FormatText:
		return f, nil
	}
	return "", fmt.Errorf("unknown export format %q", s)
}

// Config controls where and how artifacts are written. Formats and Keys are
// keyed by certificate kind name ("root", "server", ...).
type Config struct {
	Dir              string            `koanf:"dir"`
	RootCert         string            `koanf:"root_cert"`
	RootKey          string            `koanf:"root_key"`
	IntermediateCert string            `koanf:"intermediate_cert"`
	IntermediateKey  string            `koanf:"intermediate_key"`
	CRLFile          string            `koanf:"crl_file"`
	ServerPrefix     string            `koanf:"server_prefix"`
	UnassignedDir    string            `koanf:"unassigned_dir"`
	UnassignedPrefix string            `koanf:"unassigned_prefix"`
	Formats          map[string]Format `koanf:"formats"`
	Keys             map[string]bool   `koanf:"keys"`
}

// DefaultConfig returns the built-in export layout. Root keys are not
// exported unless enabled explicitly.
func DefaultConfig() Config {
	return Config{
		Dir:              "pki",
		RootCert:         "ca.crt",
		RootKey:          "ca.key",
		IntermediateCert: "intermediate.crt",
		IntermediateKey:  "intermediate.key",
		CRLFile:          "crl.pem",
		ServerPrefix:     "server",
		UnassignedDir:    "unassigned",
		UnassignedPrefix: "client",
		Formats: map[string]Format{
			storage.KindRoot.String():         FormatPEM,
			storage.KindIntermediate.String(): FormatPEM,
			storage.KindServer.String():       FormatPEM,
			storage.KindClient.String():       FormatPEM,
			storage.KindPKCS12.String():       FormatPEM,
		},
		Keys: map[string]bool{
			storage.KindRoot.String():         false,
			storage.KindIntermediate.String(): false,
			storage.KindServer.String():       true,
			storage.KindClient.String():       true,
			storage.KindPKCS12.String():       true,
		},
	}
}

// Validate rejects unknown formats and empty file names.
func (c Config) Validate() error {
	for kind, f := range c.Formats {
		if _, err := storage.ParseKind(kind); err != nil {
			return fmt.Errorf("export.formats: %w", err)
		}
		if _, err := ParseFormat(string(f)); err != nil {
			return fmt.Errorf("export.formats.%s: %w", kind, err)
		}
	}
	for kind := range c.Keys {
		if _, err := storage.ParseKind(kind); err != nil {
			return fmt.Errorf("export.keys: %w", err)
		}
	}
	for name, v := range map[string]string{
		"root_cert":         c.RootCert,
		"intermediate_cert": c.IntermediateCert,
		"crl_file":          c.CRLFile,
		"server_prefix":     c.ServerPrefix,
		"unassigned_prefix": c.UnassignedPrefix,
	} {
		if v == "" {
			return fmt.Errorf("export.%s must not be empty", name)
		}
	}
	return nil
}

func (c Config) format(kind storage.Kind) Format {
	if f, ok := c.Formats[kind.String()]; ok {
		return f
	}
	return FormatPEM
}

func (c Config) exportKey(kind storage.Kind) bool {
	return c.Keys[kind.String()]
}
