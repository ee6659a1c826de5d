package pki

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/jmcleod/ovpnca/storage"
)

// PasswordAttempts is how many times a PKCS#12 password is asked for
// before falling back to an empty password.
const PasswordAttempts = 3

// ErrPromptAbandoned is returned by a PasswordPrompter when the operator
// declines to enter a password.
var ErrPromptAbandoned = errors.New("password prompt abandoned")

// PasswordPrompter asks the operator for a secret. The returned buffer is
// destroyed by the caller.
type PasswordPrompter interface {
	Prompt(ctx context.Context, label string) (*memguard.LockedBuffer, error)
}

// password asks for a keystore password and its confirmation. An empty
// password is returned when no prompter is configured, the operator gives
// up, or the entries do not match after PasswordAttempts tries.
func (c *CA) password(ctx context.Context, friendlyName string) (string, error) {
	if c.prompter == nil {
		c.logger.Warn("No password prompter, writing keystore without password",
			zap.String("friendly_name", friendlyName))
		return "", nil
	}
	for attempt := 1; attempt <= PasswordAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		pw, err := c.prompter.Prompt(ctx, "Keystore password for "+friendlyName)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			c.logger.Warn("Password prompt abandoned, writing keystore without password",
				zap.String("friendly_name", friendlyName), zap.Error(err))
			return "", nil
		}
		confirm, err := c.prompter.Prompt(ctx, "Confirm keystore password for "+friendlyName)
		if err != nil {
			pw.Destroy()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			c.logger.Warn("Password prompt abandoned, writing keystore without password",
				zap.String("friendly_name", friendlyName), zap.Error(err))
			return "", nil
		}

		match := pw.EqualTo(confirm.Bytes())
		secret := string(pw.Bytes())
		pw.Destroy()
		confirm.Destroy()
		if match {
			return secret, nil
		}
		c.logger.Warn("Keystore passwords do not match",
			zap.String("friendly_name", friendlyName), zap.Int("attempt", attempt))
	}
	c.logger.Warn("Password attempts exhausted, writing keystore without password",
		zap.String("friendly_name", friendlyName), zap.Int("attempts", PasswordAttempts))
	return "", nil
}

// chain returns the certificates packed behind a leaf: the signing
// intermediate when present, then the root when configured.
func (c *CA) chain(ctx context.Context, issuer *signingCA) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	isRoot := issuer.row.Kind == storage.KindRoot
	if !isRoot {
		out = append(out, issuer.cert)
	}
	if !c.cfg.PKCS12IncludeRoot {
		return out, nil
	}
	if isRoot {
		return append(out, issuer.cert), nil
	}
	row, err := c.latest(ctx, storage.KindRoot)
	if err != nil {
		return nil, fmt.Errorf("loading root for keystore: %w", err)
	}
	root, err := x509.ParseCertificate(row.Serialized)
	if err != nil {
		return nil, fmt.Errorf("parsing root for keystore: %w", err)
	}
	return append(out, root), nil
}

func encodeBundle(key any, cert *x509.Certificate, chain []*x509.Certificate, password string) ([]byte, error) {
	data, err := pkcs12.Modern.Encode(key, cert, chain, password)
	if err != nil {
		return nil, fmt.Errorf("encoding PKCS#12: %w", err)
	}
	return data, nil
}

// ExportBundle returns a PKCS#12 keystore for the certificate. With a nil
// password the stored keystore is returned when one exists; otherwise a new
// keystore is encoded with the given password, or one asked from the
// prompter. The stored keystore is not changed.
func (c *CA) ExportBundle(ctx context.Context, id int64, password *memguard.LockedBuffer) ([]byte, error) {
	cert, err := c.Certificate(ctx, id)
	if err != nil {
		return nil, err
	}
	if cert.Kind.IsCA() {
		return nil, fmt.Errorf("%w: keystores are not built for %s certificates", ErrUnsupportedKind, cert.Kind)
	}

	if password == nil {
		bundle, err := c.repo.GetBundleByCertificate(ctx, id)
		if err == nil {
			return bundle.Content, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("loading keystore for certificate %d: %w", id, err)
		}
	}
	if !cert.HasKey() {
		return nil, fmt.Errorf("certificate %d (serial %s) has no private key: %w", id, cert.Serial, ErrKeyNotFound)
	}

	leaf, err := x509.ParseCertificate(cert.Serialized)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate %d: %w", id, err)
	}
	keyID, err := c.keys.ImportPEM(cert.Key)
	if err != nil {
		return nil, fmt.Errorf("loading key for certificate %d: %w", id, err)
	}
	defer release(c.keys, keyID)
	key, err := c.keys.Signer(keyID)
	if err != nil {
		return nil, err
	}

	issuer, err := c.issuer(ctx)
	if err != nil {
		return nil, err
	}
	defer issuer.release()
	chain, err := c.chain(ctx, issuer)
	if err != nil {
		return nil, err
	}

	var secret string
	if password != nil {
		secret = string(password.Bytes())
	} else {
		secret, err = c.password(ctx, c.displayName(ctx, cert))
		if err != nil {
			return nil, err
		}
	}
	return encodeBundle(key, leaf, chain, secret)
}
