package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "refract",
	Short: "Refract: a topic view engine for hierarchical value trees",
	Long: `Refract derives reference entries from a path-addressed source tree,
driven by declarative view specifications:

  map ?accounts// to currency/<scalar(/balance/currency)>/account/<scalar(/account)>`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
