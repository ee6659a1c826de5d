// Package export writes certificates, keys, keystores and CRLs to a
// filesystem using deterministic, collision-free file names.
package export

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/internal/util"
	"github.com/jmcleod/ovpnca/storage"
)

const (
	certExt   = ".crt"
	derExt    = ".der"
	keyExt    = ".key"
	bundleExt = ".p12"
)

// Exporter assigns file names to repository records and writes their
// content. It is safe for concurrent use.
type Exporter struct {
	fs     afero.Fs
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
	// reserved holds sequence names handed out but possibly not yet
	// written, so that two concurrent assignments never collide.
	reserved map[string]bool
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Exporter) { e.logger = l }
}

// WithClock overrides the time source used for fallback file names.
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// New returns an Exporter writing below cfg.Dir on fsys.
func New(fsys afero.Fs, cfg Config, opts ...Option) *Exporter {
	e := &Exporter{
		fs:       fsys,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
		reserved: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the active configuration.
func (e *Exporter) Config() Config {
	return e.cfg
}

// CRLPath is the canonical revocation list file.
func (e *Exporter) CRLPath() string {
	return filepath.Join(e.cfg.Dir, e.cfg.CRLFile)
}

// ClientBaseName is the deterministic file stem for a user's certificate:
// the sanitised username followed by the first eight hex digits of the
// BLAKE2b-256 digest of the user identifier.
func ClientBaseName(username string, userID int64) string {
	sum := blake2b.Sum256([]byte(strconv.FormatInt(userID, 10)))
	return sanitize(username) + "_" + util.HexEncode(sum[:])[:8]
}

func sanitize(name string) string {
	name = util.Normalize(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

func (e *Exporter) ext(kind storage.Kind) string {
	if e.cfg.format(kind) == FormatDER {
		return derExt
	}
	return certExt
}

// Assign sets cert.Filename and cert.Path according to the naming policy
// for its kind. owner may be nil for unassigned certificates.
func (e *Exporter) Assign(cert *storage.Certificate, owner *identity.Identity) error {
	ext := e.ext(cert.Kind)
	switch cert.Kind {
	case storage.KindRoot:
		cert.Path, cert.Filename = e.cfg.Dir, e.cfg.RootCert
	case storage.KindIntermediate:
		cert.Path, cert.Filename = e.cfg.Dir, e.cfg.IntermediateCert
	case storage.KindServer:
		cert.Path = e.cfg.Dir
		cert.Filename = e.nextSequenceName(cert.Path, e.cfg.ServerPrefix, ext)
	case storage.KindClient, storage.KindPKCS12:
		if owner == nil {
			cert.Path = filepath.Join(e.cfg.Dir, e.cfg.UnassignedDir)
			cert.Filename = e.nextSequenceName(cert.Path, e.cfg.UnassignedPrefix, ext)
			break
		}
		cert.Path = e.cfg.Dir
		cert.Filename = ClientBaseName(owner.Name, owner.ID) + ext
	default:
		return fmt.Errorf("no file name policy for %s certificates", cert.Kind)
	}
	return nil
}

// AssignCRL sets the fixed CRL file name.
func (e *Exporter) AssignCRL(crl *storage.CRL) {
	crl.Path, crl.Filename = e.cfg.Dir, e.cfg.CRLFile
}

// nextSequenceName returns "<prefix>_<hex>ext" where hex is one more than
// the highest counter found in dir, zero padded to four digits. Names whose
// counter does not parse are skipped. When dir cannot be listed a
// timestamp-derived suffix is used instead.
func (e *Exporter) nextSequenceName(dir, prefix, ext string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	stem := prefix + "_"
	var highest uint64
	consider := func(name string) {
		if !strings.HasPrefix(name, stem) {
			return
		}
		counter, _, _ := strings.Cut(strings.TrimPrefix(name, stem), ".")
		n, err := strconv.ParseUint(counter, 16, 64)
		if err != nil {
			return
		}
		highest = max(highest, n)
	}

	entries, err := afero.ReadDir(e.fs, dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		name := fmt.Sprintf("%s%x%s", stem, e.now().UnixNano(), ext)
		e.logger.Warn("Cannot list export directory, using timestamp file name",
			zap.String("dir", dir), zap.String("filename", name), zap.Error(err))
		return name
	}
	for _, entry := range entries {
		consider(entry.Name())
	}
	for path := range e.reserved {
		if filepath.Dir(path) == filepath.Clean(dir) {
			consider(filepath.Base(path))
		}
	}

	name := fmt.Sprintf("%s%04x%s", stem, highest+1, ext)
	e.reserved[filepath.Join(dir, name)] = true
	return name
}

func (e *Exporter) write(path string, data []byte, perm os.FileMode) error {
	if err := e.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := afero.WriteFile(e.fs, path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// CertificatePath is the full path of the certificate file.
func CertificatePath(cert *storage.Certificate) string {
	return filepath.Join(cert.Path, cert.Filename)
}

func stem(cert *storage.Certificate) string {
	return strings.TrimSuffix(cert.Filename, filepath.Ext(cert.Filename))
}

// KeyPath is where the private key for cert is written when key export is
// enabled for its kind.
func (e *Exporter) KeyPath(cert *storage.Certificate) string {
	switch cert.Kind {
	case storage.KindRoot:
		return filepath.Join(cert.Path, e.cfg.RootKey)
	case storage.KindIntermediate:
		return filepath.Join(cert.Path, e.cfg.IntermediateKey)
	}
	return filepath.Join(cert.Path, stem(cert)+keyExt)
}

// BundlePath is where the PKCS#12 keystore for cert is written.
func BundlePath(cert *storage.Certificate) string {
	return filepath.Join(cert.Path, stem(cert)+bundleExt)
}

// Render returns the file content for cert in the configured format.
func (e *Exporter) Render(cert *storage.Certificate) []byte {
	switch e.cfg.format(cert.Kind) {
	case FormatDER:
		return cert.Serialized
	case FormatText:
		return []byte(cert.ContentDisplay + "\n" + cert.Content)
	default:
		return []byte(cert.Content)
	}
}

// WriteCertificate writes the certificate file and, if enabled for the
// kind, its private key. Existing files are overwritten.
func (e *Exporter) WriteCertificate(cert *storage.Certificate) error {
	path := CertificatePath(cert)
	if err := e.write(path, e.Render(cert), 0o644); err != nil {
		return err
	}
	e.release(path)

	if cert.HasKey() && e.cfg.exportKey(cert.Kind) {
		if err := e.write(e.KeyPath(cert), []byte(cert.Key), 0o600); err != nil {
			return err
		}
	}
	e.logger.Debug("Certificate exported",
		zap.Int64("certificate_id", cert.ID), zap.String("path", path))
	return nil
}

func (e *Exporter) release(path string) {
	e.mu.Lock()
	delete(e.reserved, path)
	e.mu.Unlock()
}

// WriteBundle writes the PKCS#12 keystore next to the certificate.
func (e *Exporter) WriteBundle(cert *storage.Certificate, bundle *storage.PKCS12Bundle) error {
	return e.write(BundlePath(cert), bundle.Content, 0o600)
}

// WriteCRL overwrites the canonical CRL file with crl.
func (e *Exporter) WriteCRL(crl *storage.CRL) error {
	path := filepath.Join(crl.Path, crl.Filename)
	if err := e.write(path, []byte(crl.Content), 0o644); err != nil {
		return err
	}
	e.logger.Debug("CRL exported", zap.Int64("crl_number", crl.Number), zap.String("path", path))
	return nil
}

// Remove deletes every file written for cert. Missing files are ignored.
func (e *Exporter) Remove(cert *storage.Certificate) error {
	var errs []error
	for _, path := range []string{CertificatePath(cert), e.KeyPath(cert), BundlePath(cert)} {
		if err := e.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

// Read returns the content of path, for import.
func (e *Exporter) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(e.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}
