package cmd

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"path"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnca/pki"
	"github.com/jmcleod/ovpnca/storage"
)

var (
	crlRegenerate bool
	crlPEM        bool
	crlHistory    bool
)

var crlCmd = &cobra.Command{
	Use:   "crl",
	Short: "Show or regenerate the certificate revocation list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			out := cmd.OutOrStdout()
			if crlHistory {
				crls, err := a.ca.CRLs(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "NUMBER\tTHIS UPDATE\tNEXT UPDATE\tREVOKED")
				for _, crl := range crls {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", crl.Number,
						crl.ValidFrom.UTC().Format(time.DateTime), crl.NextUpdate.UTC().Format(time.DateTime), revokedCount(crl))
				}
				return tw.Flush()
			}

			var (
				crl *storage.CRL
				err error
			)
			if crlRegenerate {
				crl, err = a.ca.RegenerateCRL(ctx)
				if err := exportWarning(cmd, err); err != nil {
					return err
				}
			} else {
				crl, err = a.ca.CurrentCRL(ctx)
				if err != nil {
					return err
				}
			}
			if crlPEM {
				_, err := fmt.Fprint(out, crl.Content)
				return err
			}
			fmt.Fprintf(out, "Number:      %d\n", crl.Number)
			fmt.Fprintf(out, "Issuer:      %s\n", crl.Issuer)
			fmt.Fprintf(out, "File:        %s\n", path.Join(crl.Path, crl.Filename))
			fmt.Fprintf(out, "This update: %s\n", crl.ValidFrom.UTC().Format(time.DateTime))
			fmt.Fprintf(out, "Next update: %s\n", crl.NextUpdate.UTC().Format(time.DateTime))
			fmt.Fprintf(out, "Revoked:     %d\n", revokedCount(crl))
			return nil
		})
	},
}

func revokedCount(crl *storage.CRL) int {
	parsed, err := x509.ParseRevocationList(crl.Serialized)
	if err != nil {
		return 0
	}
	return len(parsed.RevokedCertificateEntries)
}

var exportAll bool

var exportCmd = &cobra.Command{
	Use:   "export [ID...]",
	Short: "Rewrite certificate, key and keystore files",
	Long: `Writes the files of the given certificates again, or of every certificate
and the current CRL with --all. Use after an export failure or when the export
directory was lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !exportAll && len(args) == 0 {
			return errors.New("pass certificate ids or --all")
		}
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			if exportAll {
				certs, err := a.ca.Certificates(ctx)
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, cert := range certs {
					ids = append(ids, cert.ID)
				}
				if err := a.ca.ExportCRL(ctx); err != nil && !errors.Is(err, pki.ErrNoCRL) {
					return err
				}
			}

			var errs []error
			for _, id := range ids {
				if err := a.ca.Export(ctx, id); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported certificate %d\n", id)
			}
			return errors.Join(errs...)
		})
	},
}

func init() {
	rootCmd.AddCommand(crlCmd, exportCmd)

	crlCmd.Flags().BoolVar(&crlRegenerate, "regenerate", false, "Build and write a new CRL")
	crlCmd.Flags().BoolVar(&crlPEM, "pem", false, "Print the PEM encoding only")
	crlCmd.Flags().BoolVar(&crlHistory, "history", false, "List every generated CRL")

	exportCmd.Flags().BoolVar(&exportAll, "all", false, "Export every certificate and the current CRL")
}
