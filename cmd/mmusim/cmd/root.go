// Package cmd provides the command-line interface of mmusim.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mmusim",
	Short: "mmusim simulates a paged memory management unit with copy-on-write fork.",
	Long: `mmusim simulates a paged memory management unit. It runs traces of ` +
		`allocations, accesses and process switches against a two-level page ` +
		`table, a TLB and a pool of reference counted frames. Switching to an ` +
		`unknown process forks the running one with copy-on-write sharing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
