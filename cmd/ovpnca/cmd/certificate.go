package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

var (
	issueDays    string
	issueSubject string

	importKeyFile string
	importKind    string
	importOwner   int64

	listKinds    []string
	listJSON     bool
	listExpiring int
	listCN       string

	showPEM bool
)

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid certificate id %q", s)
	}
	return id, nil
}

// ownerFor maps an identity id to a reference in the table the kind is
// issued from.
func ownerFor(kind storage.Kind, id int64) identity.Ref {
	if id <= 0 {
		return identity.Ref{}
	}
	if kind == storage.KindServer {
		return identity.Ref{Kind: storage.OwnerServer, ID: id}
	}
	return identity.Ref{Kind: storage.OwnerUser, ID: id}
}

// exportWarning reports a file export failure without failing the
// command. The repository already holds the record.
func exportWarning(cmd *cobra.Command, err error) error {
	if errors.Is(err, pki.ErrExport) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v (run \"ovpnca export\" to retry)\n", err)
		return nil
	}
	return err
}

var issueCmd = &cobra.Command{
	Use:   "issue client|server OWNER_ID",
	Short: "Issue a client or server certificate",
	Long: `Issues a certificate for a registered user (client) or server and makes it
the identity's current certificate. When PKCS#12 issuance is enabled the
keystore password is read from the terminal.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := storage.ParseKind(args[0])
		if err != nil {
			return err
		}
		if kind != storage.KindClient && kind != storage.KindServer {
			return fmt.Errorf("%w: use \"ovpnca init\" for CA certificates", pki.ErrUnsupportedKind)
		}
		ownerID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || ownerID <= 0 {
			return fmt.Errorf("invalid owner id %q", args[1])
		}

		return withApp(cmd.Context(), interactivePrompter(), func(ctx context.Context, a *app) error {
			id, err := a.ca.Issue(ctx, pki.IssueRequest{
				Kind:         kind,
				Owner:        ownerFor(kind, ownerID),
				ValidityDays: issueDays,
				Subject:      issueSubject,
			})
			if err := exportWarning(cmd, err); err != nil {
				return err
			}
			cert, err := a.ca.Certificate(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Issued %s certificate %d: %s (valid to %s)\n",
				cert.Kind, cert.ID, cert.Subject, cert.ValidTo.UTC().Format(storage.TimeLayout))
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import an externally issued certificate",
	Long: `Imports a PEM or DER certificate with an optional private key. Without
--owner the certificate is stored unassigned.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := storage.ParseKind(importKind)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read certificate: %w", err)
		}
		var keyPEM []byte
		if importKeyFile != "" {
			if keyPEM, err = os.ReadFile(importKeyFile); err != nil {
				return fmt.Errorf("failed to read key: %w", err)
			}
		}

		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			id, err := a.ca.Import(ctx, data, keyPEM, kind, ownerFor(kind, importOwner))
			if err := exportWarning(cmd, err); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %s certificate %d\n", kind, id)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := make([]storage.Kind, 0, len(listKinds))
		for _, s := range listKinds {
			k, err := storage.ParseKind(s)
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}

		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			var (
				certs []*storage.Certificate
				err   error
			)
			switch {
			case cmd.Flags().Changed("expiring"):
				certs, err = a.ca.ExpiringWithin(ctx, listExpiring)
				certs = filterKinds(certs, kinds)
			case listCN != "":
				certs, err = a.ca.CertificatesByCommonName(ctx, listCN)
				certs = filterKinds(certs, kinds)
			default:
				certs, err = a.ca.Certificates(ctx, kinds...)
			}
			if err != nil {
				return err
			}

			rows := make([]certificateRow, 0, len(certs))
			for _, cert := range certs {
				revoked, err := a.ca.IsRevoked(ctx, cert)
				if err != nil {
					return err
				}
				rows = append(rows, newCertificateRow(cert, revoked))
			}
			if listJSON {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			return printCertificates(cmd.OutOrStdout(), rows)
		})
	},
}

func filterKinds(certs []*storage.Certificate, kinds []storage.Kind) []*storage.Certificate {
	if len(kinds) == 0 {
		return certs
	}
	var out []*storage.Certificate
	for _, cert := range certs {
		for _, k := range kinds {
			if cert.Kind == k {
				out = append(out, cert)
				break
			}
		}
	}
	return out
}

var showCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Print a certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			cert, err := a.ca.Certificate(ctx, id)
			if err != nil {
				return err
			}
			if showPEM {
				_, err := fmt.Fprint(cmd.OutOrStdout(), cert.Content)
				return err
			}
			revoked, err := a.ca.IsRevoked(ctx, cert)
			if err != nil {
				return err
			}
			row := newCertificateRow(cert, revoked)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:      %d\n", row.ID)
			fmt.Fprintf(out, "Kind:    %s\n", row.Kind)
			fmt.Fprintf(out, "Status:  %s\n", row.status())
			if revoked {
				crlID, err := a.ca.RevocationCRL(ctx, cert)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "CRL:     %s\n", crlLabel(crlID))
			}
			fmt.Fprintf(out, "Owner:   %s\n", row.Owner)
			fmt.Fprintf(out, "File:    %s\n", row.File)
			fmt.Fprintf(out, "Key:     %t\n\n", cert.HasKey())
			_, err = fmt.Fprint(out, strings.TrimRight(cert.ContentDisplay, "\n")+"\n")
			return err
		})
	},
}

// crlLabel names the CRL a revocation was recorded against.
func crlLabel(id int64) string {
	if id == storage.NoCRL {
		return "none"
	}
	return strconv.FormatInt(id, 10)
}

func printCRLNumber(cmd *cobra.Command, crl *storage.CRL) {
	if crl != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "CRL %d written to %s\n", crl.Number, path.Join(crl.Path, crl.Filename))
	}
}

var revokeCmd = &cobra.Command{
	Use:   "revoke ID",
	Short: "Revoke a certificate and regenerate the CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			crl, err := a.ca.Revoke(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked certificate %d\n", id)
			printCRLNumber(cmd, crl)
			return nil
		})
	},
}

var reenableCmd = &cobra.Command{
	Use:   "reenable ID",
	Short: "Remove a certificate from the CRL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			crl, err := a.ca.ReEnable(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-enabled certificate %d\n", id)
			printCRLNumber(cmd, crl)
			return nil
		})
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew ID",
	Short: "Replace a certificate with a new one for the same owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), interactivePrompter(), func(ctx context.Context, a *app) error {
			newID, err := a.ca.Renew(ctx, id)
			if err := exportWarning(cmd, err); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renewed certificate %d as %d\n", id, newID)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(issueCmd, importCmd, listCmd, showCmd, revokeCmd, reenableCmd, renewCmd)

	issueCmd.Flags().StringVar(&issueDays, "days", "", "Validity in days (default from configuration)")
	issueCmd.Flags().StringVar(&issueSubject, "subject", "", "Subject DN template (default from configuration)")

	importCmd.Flags().StringVar(&importKeyFile, "key", "", "PEM private key file")
	importCmd.Flags().StringVar(&importKind, "kind", "client", "Certificate kind (root, intermediate, server, client)")
	importCmd.Flags().Int64Var(&importOwner, "owner", 0, "User or server id owning the certificate")

	listCmd.Flags().StringSliceVar(&listKinds, "kind", nil, "Only list these kinds")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
	listCmd.Flags().IntVar(&listExpiring, "expiring", 30, "Only list certificates expiring within this many days")
	listCmd.Flags().StringVar(&listCN, "cn", "", "Only list certificates with this subject common name")
	listCmd.MarkFlagsMutuallyExclusive("expiring", "cn")

	showCmd.Flags().BoolVar(&showPEM, "pem", false, "Print the PEM encoding only")
}
