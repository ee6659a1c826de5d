// Package pki is the certificate lifecycle engine. A CA issues root,
// intermediate, server and client certificates, records revocations,
// regenerates the CRL and renews certificates on top of a
// storage.Repository, an identity.Store and an Exporter.
package pki

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/storage"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNoRoot is returned when an operation needs the root certificate
	// and none has been created or imported.
	ErrNoRoot = errors.New("no root certificate")

	// ErrRootExists is returned by InitRoot when a root is already stored.
	ErrRootExists = errors.New("root certificate already exists")

	// ErrIntermediateExists is returned by InitIntermediate when an
	// intermediate is already stored.
	ErrIntermediateExists = errors.New("intermediate certificate already exists")

	// ErrCertNotFound is returned when the referenced certificate does not
	// exist.
	ErrCertNotFound = errors.New("certificate not found")

	// ErrAlreadyRevoked is returned when revoking a certificate whose serial
	// already has a revocation entry.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrSigningFailed is returned when the signing primitive produced no
	// certificate. Nothing is persisted in that case.
	ErrSigningFailed = errors.New("signing failed")

	// ErrCRLGeneration is returned when the CRL could not be rebuilt after
	// a revocation change was committed.
	ErrCRLGeneration = errors.New("CRL generation failed")

	// ErrExport is returned when files could not be written. Repository
	// state is kept; Export can be retried.
	ErrExport = errors.New("export failed")

	// ErrInvalidPEM is returned when PEM or DER data cannot be decoded or
	// parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidSubject is returned when a distinguished name cannot be
	// parsed.
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrUnsupportedKind is returned when an operation does not apply to
	// the certificate kind.
	ErrUnsupportedKind = errors.New("unsupported certificate kind")

	// ErrNoOwner is returned when a certificate must belong to an identity
	// and the referenced identity is missing or of the wrong kind.
	ErrNoOwner = errors.New("no owning identity")

	// ErrNoCRL is returned when no CRL has been generated yet.
	ErrNoCRL = errors.New("no CRL has been generated")
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Subjects holds the subject DN templates. Each template carries a
// placeholder CN that is replaced with the identity's display name.
type Subjects struct {
	Root         string `koanf:"root"`
	Intermediate string `koanf:"intermediate"`
	Server       string `koanf:"server"`
	Client       string `koanf:"client"`
}

// Validity holds the default validity length in days per kind.
type Validity struct {
	Root         int `koanf:"root"`
	Intermediate int `koanf:"intermediate"`
	Server       int `koanf:"server"`
	Client       int `koanf:"client"`
}

// Config controls issuance.
type Config struct {
	Subjects Subjects `koanf:"subjects"`
	Validity Validity `koanf:"validity"`
	KeyBits  int      `koanf:"key_bits"`

	// IssuePKCS12 packages every issued client and server certificate in
	// a password-protected keystore. Client certificates are then stored
	// with KindPKCS12.
	IssuePKCS12 bool `koanf:"issue_pkcs12"`

	// PKCS12IncludeRoot adds the root certificate to each keystore as a
	// trust anchor.
	PKCS12IncludeRoot bool `koanf:"pkcs12_include_root"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Subjects: Subjects{
			Root:         "CN=OpenVPN CA,O=OpenVPN",
			Intermediate: "CN=OpenVPN Intermediate CA,O=OpenVPN",
			Server:       "CN=server,OU=Servers,O=OpenVPN",
			Client:       "CN=client,OU=Users,O=OpenVPN",
		},
		Validity: Validity{
			Root:         3650,
			Intermediate: 1825,
			Server:       730,
			Client:       365,
		},
		KeyBits:           2048,
		PKCS12IncludeRoot: true,
	}
}

// MinKeyBits is the smallest RSA key size accepted from configuration.
const MinKeyBits = 1024

// sanitize replaces missing or invalid settings with defaults and logs each
// replacement.
func (cfg Config) sanitize(logger *zap.Logger) Config {
	def := DefaultConfig()
	if cfg.KeyBits < MinKeyBits {
		logger.Warn("Invalid key size, using default",
			zap.Int("key_bits", cfg.KeyBits), zap.Int("default", def.KeyBits))
		cfg.KeyBits = def.KeyBits
	}

	subjects := []struct {
		name     string
		val      *string
		fallback string
	}{
		{"root", &cfg.Subjects.Root, def.Subjects.Root},
		{"intermediate", &cfg.Subjects.Intermediate, def.Subjects.Intermediate},
		{"server", &cfg.Subjects.Server, def.Subjects.Server},
		{"client", &cfg.Subjects.Client, def.Subjects.Client},
	}
	for _, s := range subjects {
		if *s.val == "" {
			logger.Warn("Missing subject template, using default",
				zap.String("kind", s.name), zap.String("default", s.fallback))
			*s.val = s.fallback
		}
	}

	days := []struct {
		name     string
		val      *int
		fallback int
	}{
		{"root", &cfg.Validity.Root, def.Validity.Root},
		{"intermediate", &cfg.Validity.Intermediate, def.Validity.Intermediate},
		{"server", &cfg.Validity.Server, def.Validity.Server},
		{"client", &cfg.Validity.Client, def.Validity.Client},
	}
	for _, d := range days {
		if *d.val <= 0 {
			logger.Warn("Invalid validity, using default",
				zap.String("kind", d.name), zap.Int("days", *d.val), zap.Int("default", d.fallback))
			*d.val = d.fallback
		}
	}
	return cfg
}

func (cfg Config) subject(kind storage.Kind) string {
	switch kind {
	case storage.KindRoot:
		return cfg.Subjects.Root
	case storage.KindIntermediate:
		return cfg.Subjects.Intermediate
	case storage.KindServer:
		return cfg.Subjects.Server
	default:
		return cfg.Subjects.Client
	}
}

func (cfg Config) days(kind storage.Kind) int {
	switch kind {
	case storage.KindRoot:
		return cfg.Validity.Root
	case storage.KindIntermediate:
		return cfg.Validity.Intermediate
	case storage.KindServer:
		return cfg.Validity.Server
	default:
		return cfg.Validity.Client
	}
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Exporter writes repository records to files. *export.Exporter satisfies
// it.
type Exporter interface {
	Assign(cert *storage.Certificate, owner *identity.Identity) error
	AssignCRL(crl *storage.CRL)
	WriteCertificate(cert *storage.Certificate) error
	WriteBundle(cert *storage.Certificate, bundle *storage.PKCS12Bundle) error
	WriteCRL(crl *storage.CRL) error
	Remove(cert *storage.Certificate) error
	CRLPath() string
}

// Recorder receives lifecycle events, typically for metrics.
type Recorder interface {
	CertificateIssued(kind storage.Kind)
	CertificateRevoked(kind storage.Kind)
	CRLGenerated(number int64)
	OperationStarted(name string)
	OperationFinished(name string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) CertificateIssued(storage.Kind)                 {}
func (nopRecorder) CertificateRevoked(storage.Kind)                {}
func (nopRecorder) CRLGenerated(int64)                             {}
func (nopRecorder) OperationStarted(string)                        {}
func (nopRecorder) OperationFinished(string, time.Duration, error) {}

// ---------------------------------------------------------------------------
// CA
// ---------------------------------------------------------------------------

// CA is the certificate lifecycle engine. It is safe for concurrent use;
// CRL regeneration is serialised internally.
type CA struct {
	repo     storage.Repository
	ids      identity.Store
	exporter Exporter
	keys     KeyStore
	prim     Primitive
	prompter PasswordPrompter
	recorder Recorder
	logger   *zap.Logger
	tracker  *Tracker
	cfg      Config
	now      func() time.Time

	crlMu sync.Mutex
}

// Option configures a CA.
type Option func(*CA)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *CA) { c.logger = l }
}

// WithRecorder sets the lifecycle event recorder.
func WithRecorder(r Recorder) Option {
	return func(c *CA) { c.recorder = r }
}

// WithPrompter sets the source of PKCS#12 passwords.
func WithPrompter(p PasswordPrompter) Option {
	return func(c *CA) { c.prompter = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *CA) { c.now = now }
}

// WithKeyStore sets the key store. The default is a SoftwareKeyStore.
func WithKeyStore(ks KeyStore) Option {
	return func(c *CA) { c.keys = ks }
}

// WithPrimitive replaces the signing primitive.
func WithPrimitive(p Primitive) Option {
	return func(c *CA) { c.prim = p }
}

// WithConfig sets the issuance configuration.
func WithConfig(cfg Config) Option {
	return func(c *CA) { c.cfg = cfg }
}

// New constructs a CA. The caller owns repo and must call Close before
// closing it.
func New(repo storage.Repository, ids identity.Store, exp Exporter, opts ...Option) (*CA, error) {
	if repo == nil || ids == nil || exp == nil {
		return nil, errors.New("pki: repository, identity store and exporter are required")
	}
	c := &CA{
		repo:     repo,
		ids:      ids,
		exporter: exp,
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg = c.cfg.sanitize(c.logger)
	if c.keys == nil {
		c.keys = NewSoftwareKeyStore()
	}
	if c.prim == nil {
		c.prim = NewX509Primitive(c.keys, c.cfg.KeyBits)
	}
	c.tracker = NewTracker(c.logger, c.recorder)
	return c, nil
}

// Close waits for in-flight background operations.
func (c *CA) Close() error {
	c.tracker.Wait()
	return nil
}

// Config returns the effective configuration.
func (c *CA) Config() Config {
	return c.cfg
}

// Tracker returns the tracker for background operations.
func (c *CA) Tracker() *Tracker {
	return c.tracker
}

// CurrentCRLPath is the canonical exported CRL file.
func (c *CA) CurrentCRLPath() string {
	return c.exporter.CRLPath()
}

// Certificate returns the stored certificate with the given identifier.
func (c *CA) Certificate(ctx context.Context, id int64) (*storage.Certificate, error) {
	cert, err := c.repo.GetCertificate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("certificate %d: %w", id, ErrCertNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading certificate %d: %w", id, err)
	}
	return cert, nil
}

// Certificates lists stored certificates of the given kinds, or all of
// them.
func (c *CA) Certificates(ctx context.Context, kinds ...storage.Kind) ([]*storage.Certificate, error) {
	return c.repo.ListCertificates(ctx, kinds...)
}

// IsRevoked reports whether cert has a revocation entry.
func (c *CA) IsRevoked(ctx context.Context, cert *storage.Certificate) (bool, error) {
	return storage.IsRevoked(ctx, c.repo, cert.Serial)
}

// CertificatesByCommonName returns the certificates whose subject CN is cn,
// ordered by identifier.
func (c *CA) CertificatesByCommonName(ctx context.Context, cn string) ([]*storage.Certificate, error) {
	return storage.FindCertificatesByCommonName(ctx, c.repo, cn)
}

// RevocationCRL returns the identifier of the CRL that was current when
// cert was revoked, or storage.NoCRL when none existed yet. It returns
// storage.ErrNotFound for a certificate that is not revoked.
func (c *CA) RevocationCRL(ctx context.Context, cert *storage.Certificate) (int64, error) {
	return storage.CRLIDForSerial(ctx, c.repo, cert.Serial)
}

// Expiring returns live certificates that expire within the window. CA
// certificates are included.
func (c *CA) Expiring(ctx context.Context, within time.Duration) ([]*storage.Certificate, error) {
	certs, err := c.repo.ListCertificates(ctx)
	if err != nil {
		return nil, err
	}
	revoked, err := storage.RevokedSerials(ctx, c.repo)
	if err != nil {
		return nil, err
	}
	dead := make(map[string]bool, len(revoked))
	for _, s := range revoked {
		dead[s] = true
	}

	deadline := c.now().Add(within)
	var out []*storage.Certificate
	for _, cert := range certs {
		if dead[cert.Serial] {
			continue
		}
		if cert.ValidTo.Before(deadline) {
			out = append(out, cert)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// signingCA is a stored CA certificate with a usable signer.
type signingCA struct {
	row     *storage.Certificate
	cert    *x509.Certificate
	signer  crypto.Signer
	release func()
}

func (c *CA) latest(ctx context.Context, kind storage.Kind) (*storage.Certificate, error) {
	certs, err := c.repo.ListCertificates(ctx, kind)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, storage.ErrNotFound
	}
	return certs[len(certs)-1], nil
}

func (c *CA) loadSigning(row *storage.Certificate) (*signingCA, error) {
	cert, err := x509.ParseCertificate(row.Serialized)
	if err != nil {
		return nil, fmt.Errorf("parsing %s certificate %d: %w", row.Kind, row.ID, err)
	}
	if !row.HasKey() {
		return nil, fmt.Errorf("%s certificate %d has no private key: %w", row.Kind, row.ID, ErrKeyNotFound)
	}
	keyID, err := c.keys.ImportPEM(row.Key)
	if err != nil {
		return nil, fmt.Errorf("loading %s key: %w", row.Kind, err)
	}
	signer, err := c.keys.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("loading %s signer: %w", row.Kind, err)
	}
	return &signingCA{
		row:     row,
		cert:    cert,
		signer:  signer,
		release: func() { release(c.keys, keyID) },
	}, nil
}

// root loads the root certificate and key.
func (c *CA) root(ctx context.Context) (*signingCA, error) {
	row, err := c.latest(ctx, storage.KindRoot)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRoot
	}
	if err != nil {
		return nil, fmt.Errorf("loading root: %w", err)
	}
	return c.loadSigning(row)
}

// liveIntermediate returns the newest intermediate that has not been
// revoked, or storage.ErrNotFound.
func (c *CA) liveIntermediate(ctx context.Context) (*storage.Certificate, error) {
	certs, err := c.repo.ListCertificates(ctx, storage.KindIntermediate)
	if err != nil {
		return nil, err
	}
	for i := len(certs) - 1; i >= 0; i-- {
		revoked, err := storage.IsRevoked(ctx, c.repo, certs[i].Serial)
		if err != nil {
			return nil, err
		}
		if !revoked {
			return certs[i], nil
		}
	}
	return nil, storage.ErrNotFound
}

// issuer loads the certificate that signs leaves: the newest unrevoked
// intermediate when one exists, otherwise the root.
func (c *CA) issuer(ctx context.Context) (*signingCA, error) {
	ok, err := storage.HasRoot(ctx, c.repo)
	if err != nil {
		return nil, fmt.Errorf("checking root: %w", err)
	}
	if !ok {
		return nil, ErrNoRoot
	}
	row, err := c.liveIntermediate(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return c.root(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("loading intermediate: %w", err)
	}
	return c.loadSigning(row)
}

// owner resolves the identity a certificate belongs to. A nil identity is
// returned for unassigned certificates.
func (c *CA) owner(ctx context.Context, cert *storage.Certificate) (*identity.Identity, error) {
	if !cert.HasOwner() {
		return nil, nil
	}
	return identity.Get(ctx, c.ids, identity.Ref{Kind: cert.OwnerKind, ID: cert.OwnerID})
}

// displayName is the name recorded on revocation entries.
func (c *CA) displayName(ctx context.Context, cert *storage.Certificate) string {
	owner, err := c.owner(ctx, cert)
	if err != nil {
		c.logger.Warn("Owner lookup failed, using certificate CN",
			zap.Int64("certificate_id", cert.ID), zap.Error(err))
	}
	if owner != nil {
		return owner.DisplayName()
	}
	return cert.CommonName()
}
