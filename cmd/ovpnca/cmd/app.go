package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"github.com/jmcleod/ovpnca/config"
	"github.com/jmcleod/ovpnca/export"
	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/metrics"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
	bboltstorage "github.com/jmcleod/ovpnca/storage/bbolt"
	"github.com/jmcleod/ovpnca/storage/postgres"
	"github.com/jmcleod/ovpnca/storage/sqlite"
)

// subjectSettings maps each kind to the settings key holding the subject
// template captured by "ovpnca init".
var subjectSettings = map[storage.Kind]string{
	storage.KindRoot:         "subject.root",
	storage.KindIntermediate: "subject.intermediate",
	storage.KindServer:       "subject.server",
	storage.KindClient:       "subject.client",
}

// app is the set of opened stores and the CA built on top of them.
type app struct {
	internal *bboltstorage.Store
	repo     storage.Repository
	ids      *identity.BoltStore
	metrics  *metrics.Metrics
	ca       *pki.CA
	logger   *zap.Logger

	closers []func() error
}

// openApp opens the internal database, the certificate repository selected
// by cfg.Storage and constructs the CA. prompter may be nil.
func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, prompter pki.PasswordPrompter) (_ *app, err error) {
	a := &app{logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.internal, err = bboltstorage.NewRepositoryFromFile(cfg.Storage.InternalPath, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, berrors.ErrTimeout) {
			return nil, fmt.Errorf("%s: %w", cfg.Storage.InternalPath, storage.ErrDatabaseLocked)
		}
		return nil, fmt.Errorf("failed to open internal database: %w", err)
	}
	a.closers = append(a.closers, a.internal.Close)

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		s, err := sqlite.New(cfg.Storage.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite repository: %w", err)
		}
		a.repo = s
		a.closers = append(a.closers, s.Close)
	case config.DriverPostgres:
		s, err := postgres.NewRepositoryFromDSN(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres repository: %w", err)
		}
		a.repo = s
		a.closers = append(a.closers, s.Close)
	default:
		a.repo = a.internal
	}

	a.ids, err = identity.NewBoltStore(a.internal.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	caCfg := cfg.CA
	if err := loadSubjects(a.internal, &caCfg.Subjects); err != nil {
		return nil, err
	}

	opts := []pki.Option{
		pki.WithLogger(logger.Named("pki")),
		pki.WithRecorder(a.metrics),
		pki.WithConfig(caCfg),
	}
	if prompter != nil {
		opts = append(opts, pki.WithPrompter(prompter))
	}
	if cfg.PKCS11.ModulePath != "" {
		ks, err := pki.NewPKCS11KeyStore(cfg.PKCS11)
		if err != nil {
			return nil, fmt.Errorf("failed to open PKCS#11 token: %w", err)
		}
		a.closers = append(a.closers, ks.Close)
		opts = append(opts, pki.WithKeyStore(ks))
	}

	exp := export.New(afero.NewOsFs(), cfg.Export, export.WithLogger(logger.Named("export")))
	a.ca, err = pki.New(a.repo, a.ids, exp, opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close waits for background operations and closes every store in reverse
// opening order.
func (a *app) Close() error {
	var errs []error
	if a.ca != nil {
		errs = append(errs, a.ca.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// loadSubjects overrides templates with the ones stored by "ovpnca init".
func loadSubjects(s *bboltstorage.Store, subjects *pki.Subjects) error {
	targets := map[storage.Kind]*string{
		storage.KindRoot:         &subjects.Root,
		storage.KindIntermediate: &subjects.Intermediate,
		storage.KindServer:       &subjects.Server,
		storage.KindClient:       &subjects.Client,
	}
	for kind, key := range subjectSettings {
		v, err := s.GetSetting(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read setting %s: %w", key, err)
		}
		*targets[kind] = string(v)
	}
	return nil
}

// saveSubject stores template as the default subject for kind.
func saveSubject(s *bboltstorage.Store, kind storage.Kind, template string) error {
	key, ok := subjectSettings[kind]
	if !ok {
		return fmt.Errorf("no subject setting for kind %s", kind)
	}
	return s.PutSetting(key, []byte(template))
}

// withApp opens the application for the duration of fn.
func withApp(ctx context.Context, prompter pki.PasswordPrompter, fn func(context.Context, *app) error) error {
	a, err := openApp(ctx, cfg, logger, prompter)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
