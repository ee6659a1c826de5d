package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const banner = `
   _____   ___ __  _ __   ___ __ _ 
  / _ \ \ / / '_ \| '_ \ / __/ _` + "`" + ` |
 | (_) \ V /| |_) | | | | (_| (_| |
  \___/ \_/ | .__/|_| |_|\___\__,_|
            |_|                    
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  OpenVPN Certificate Authority - Version %s\x1b[0m\n\n", Version)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	// Skips loading the configuration.
	PersistentPreRun: func(cmd *cobra.Command, args []string) {},
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
