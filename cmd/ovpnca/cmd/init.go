package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnca/storage"
)

var (
	initSubject       string
	initIntermediate  bool
	initServerSubject string
	initClientSubject string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the root (or intermediate) CA certificate",
	Long: `Creates the self-signed root certificate and writes the first CRL. With
--intermediate an intermediate CA signed by the root is created instead.

Subject templates passed here are stored in the internal database and used as
defaults for later issuance, overriding the configuration file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
			kind := storage.KindRoot
			if initIntermediate {
				kind = storage.KindIntermediate
			}

			var (
				id  int64
				err error
			)
			if kind == storage.KindRoot {
				id, err = a.ca.InitRoot(ctx, initSubject)
			} else {
				id, err = a.ca.InitIntermediate(ctx, initSubject)
			}
			if err := exportWarning(cmd, err); err != nil {
				return err
			}

			templates := map[storage.Kind]string{
				kind:               initSubject,
				storage.KindServer: initServerSubject,
				storage.KindClient: initClientSubject,
			}
			for k, tmpl := range templates {
				if tmpl == "" {
					continue
				}
				if err := saveSubject(a.internal, k, tmpl); err != nil {
					return fmt.Errorf("failed to store %s subject: %w", k, err)
				}
			}

			cert, err := a.ca.Certificate(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s certificate %d: %s\n", kind, id, cert.Subject)
			fmt.Fprintf(cmd.OutOrStdout(), "CRL: %s\n", a.ca.CurrentCRLPath())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initSubject, "subject", "", "Subject DN of the CA certificate (default from configuration)")
	initCmd.Flags().BoolVar(&initIntermediate, "intermediate", false, "Create an intermediate CA signed by the root")
	initCmd.Flags().StringVar(&initServerSubject, "server-subject", "", "Default subject template for server certificates")
	initCmd.Flags().StringVar(&initClientSubject, "client-subject", "", "Default subject template for client certificates")
}
