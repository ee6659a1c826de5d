// Package config loads ovpnca settings from built-in defaults, an optional
// TOML file and OVPNCA_ environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jmcleod/ovpnca/export"
	"github.com/jmcleod/ovpnca/internal/logging"
	"github.com/jmcleod/ovpnca/pki"
)

// EnvPrefix is the prefix of environment overrides. OVPNCA_STORAGE_DRIVER
// maps to storage.driver; a double underscore keeps a literal underscore,
// so OVPNCA_CA_KEY__BITS maps to ca.key_bits.
const EnvPrefix = "OVPNCA_"

// Storage drivers.
const (
	DriverBolt     = "bbolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete application configuration.
type Config struct {
	CA      pki.Config       `koanf:"ca"`
	Storage StorageConfig    `koanf:"storage"`
	Export  export.Config    `koanf:"export"`
	Log     logging.Config   `koanf:"log"`
	Server  ServerConfig     `koanf:"server"`
	PKCS11  pki.PKCS11Config `koanf:"pkcs11"`
}

// StorageConfig selects the certificate repository. The internal bbolt
// database always holds settings and identities; Driver only decides where
// certificates, CRLs and keystores live.
type StorageConfig struct {
	Driver string `koanf:"driver"`
	// DSN is the sqlite file path or the postgres connection string.
	// Ignored for bbolt.
	DSN          string `koanf:"dsn"`
	InternalPath string `koanf:"internal_path"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Listen          string        `koanf:"listen"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Metrics         bool          `koanf:"metrics"`

	// TLSCert and TLSKey enable HTTPS. Both or neither must be set.
	TLSCert string `koanf:"tls_cert"`
	TLSKey  string `koanf:"tls_key"`

	// AuditWebhookURL receives every audit entry as JSON when set.
	// AuditWebhookHeader has the form "Header: Value".
	AuditWebhookURL    string `koanf:"audit_webhook_url"`
	AuditWebhookHeader string `koanf:"audit_webhook_header"`
}

func defaultConfig() *Config {
	return &Config{
		CA:     pki.DefaultConfig(),
		Export: export.DefaultConfig(),
		Storage: StorageConfig{
			Driver:       DriverBolt,
			InternalPath: "ovpnca.db",
		},
		Log: logging.Config{},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			ShutdownTimeout: 10 * time.Second,
			Metrics:         true,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Validate checks settings that have no safe default. Subject templates,
// validity periods and key sizes are not checked here; the CA replaces
// invalid values with defaults and logs a warning.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverBolt:
	case DriverSQLite, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.InternalPath == "" {
		return fmt.Errorf("storage.internal_path must not be empty")
	}
	if err := c.Export.Validate(); err != nil {
		return err
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}
