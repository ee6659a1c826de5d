package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
)

var (
	bundleOut      string
	bundleReencode bool
)

var bundleCmd = &cobra.Command{
	Use:   "bundle ID",
	Short: "Write a PKCS#12 keystore for a certificate",
	Long: `Writes the stored PKCS#12 keystore of a certificate, or builds one when none
is stored. With --reencode a new keystore is always built with a password read
from the terminal. The stored keystore is never changed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if bundleOut == "" {
			bundleOut = fmt.Sprintf("certificate-%d.p12", id)
		}

		prompter := interactivePrompter()
		var password *memguard.LockedBuffer
		if bundleReencode {
			if prompter == nil {
				return errors.New("--reencode needs a terminal to read the password")
			}
			password, err = prompter.Prompt(cmd.Context(), "Keystore password")
			if err != nil {
				return err
			}
			defer password.Destroy()
		}

		return withApp(cmd.Context(), prompter, func(ctx context.Context, a *app) error {
			data, err := a.ca.ExportBundle(ctx, id, password)
			if err != nil {
				return err
			}
			if err := os.WriteFile(bundleOut, data, 0o600); err != nil {
				return fmt.Errorf("failed to write keystore: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", bundleOut)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(bundleCmd)
	bundleCmd.Flags().StringVarP(&bundleOut, "out", "o", "", "Output file (default certificate-ID.p12)")
	bundleCmd.Flags().BoolVar(&bundleReencode, "reencode", false, "Build a new keystore with a new password")
}
