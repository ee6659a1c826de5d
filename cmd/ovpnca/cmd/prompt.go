package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"golang.org/x/term"

	"github.com/jmcleod/ovpnca/pki"
)

var _ pki.PasswordPrompter = (*termPrompter)(nil)

// termPrompter reads keystore passwords from the controlling terminal
// without echo.
type termPrompter struct {
	fd  int
	out io.Writer
	// readPassword is term.ReadPassword outside of tests.
	readPassword func(fd int) ([]byte, error)
	isTerminal   func(fd int) bool
}

func newTermPrompter() *termPrompter {
	return &termPrompter{
		fd:           int(os.Stdin.Fd()),
		out:          os.Stderr,
		readPassword: term.ReadPassword,
		isTerminal:   term.IsTerminal,
	}
}

// Prompt implements pki.PasswordPrompter. It gives up with
// pki.ErrPromptAbandoned when stdin is not a terminal.
func (p *termPrompter) Prompt(ctx context.Context, label string) (*memguard.LockedBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.isTerminal(p.fd) {
		return nil, pki.ErrPromptAbandoned
	}
	fmt.Fprintf(p.out, "%s: ", label)
	b, err := p.readPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pki.ErrPromptAbandoned, err)
	}
	// NewBufferFromBytes wipes b.
	return memguard.NewBufferFromBytes(b), nil
}

// interactivePrompter returns a terminal prompter when stdin is a terminal
// and nil otherwise, so the CA falls back to unprotected keystores with a
// warning.
func interactivePrompter() pki.PasswordPrompter {
	p := newTermPrompter()
	if !p.isTerminal(p.fd) {
		return nil
	}
	return p
}
