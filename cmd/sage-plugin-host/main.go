// Command sage-plugin-host is a thin harness around the host package: it
// loads a bootstrap script and one or more plugin files, emits a single
// "open" event when --open (or open_path) is given, drains the resulting
// command queue to stdout, and reports any latched error, mirroring spec
// §12's reference CLI contract.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sage-plugin-host",
		Short: "Run sage plugins against a single synthetic open event",
		Long:  "sage-plugin-host loads a plugin bootstrap and one or more plugin files into sandboxed VMs, fires a synthetic open event, and drains any shell commands the plugins queued.",
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
