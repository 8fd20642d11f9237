// Command flow-r reads, generates, and transforms RFC 20 resource-set
// (R) documents: the on-disk/on-wire representation pkg/rlist trades
// in. It mirrors flux-R's subcommand surface (spec.md §6) over stdin/
// stdout rather than a broker connection.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flow-r",
		Short:         "Read, generate, and process RFC 20 resource set (R) objects",
		Long:          "flow-r operates on RFC 20 resource set (R) objects: one JSON document per line on stdout, concatenated JSON documents accepted on stdin.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		encodeCmd(),
		appendCmd(),
		diffCmd(),
		intersectCmd(),
		remapCmd(),
		rerankCmd(),
		decodeCmd(),
		verifyCmd(),
		setPropertyCmd(),
		parseConfigCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flow-r:", err)
		os.Exit(1)
	}
}
