package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ovpnca/identity"
	"github.com/jmcleod/ovpnca/storage"
)

var (
	identityCN   string
	identityOU   string
	identityJSON bool
)

// identityCommand builds the add/list subcommands for one identity kind.
func identityCommand(kind storage.OwnerKind, use, noun string) *cobra.Command {
	parent := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Manage %ss", noun),
	}

	add := &cobra.Command{
		Use:   "add NAME",
		Short: fmt.Sprintf("Register a %s", noun),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
				ident := &identity.Identity{
					Kind:       kind,
					Name:       args[0],
					CommonName: identityCN,
					OU:         identityOU,
				}
				if err := a.ids.Add(ctx, ident); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s %d (%s)\n", noun, ident.ID, ident.DisplayName())
				return nil
			})
		},
	}
	add.Flags().StringVar(&identityCN, "cn", "", "Common name (default NAME)")
	add.Flags().StringVar(&identityOU, "ou", "", "Organisational unit")

	list := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %ss", noun),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), nil, func(ctx context.Context, a *app) error {
				idents, err := a.ids.List(ctx, kind)
				if err != nil {
					return err
				}
				if identityJSON {
					if idents == nil {
						idents = []*identity.Identity{}
					}
					return printJSON(cmd.OutOrStdout(), idents)
				}
				return printIdentities(cmd.OutOrStdout(), idents)
			})
		},
	}
	list.Flags().BoolVar(&identityJSON, "json", false, "Output as JSON")

	parent.AddCommand(add, list)
	return parent
}

func init() {
	rootCmd.AddCommand(
		identityCommand(storage.OwnerUser, "user", "user"),
		identityCommand(storage.OwnerServer, "server", "server"),
	)
}
