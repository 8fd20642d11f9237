// Command flowmesh-agent is the per-rank bootstrap fabric process: it
// wires up the TCP tree overlay using whichever driver internal/config
// selects, runs a short demonstration collective sequence over it, and
// exits. A companion "launcher" subcommand plays the launcher role the
// launcher-mediated driver dials into.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowmesh-agent",
		Short:         "Bootstrap fabric launcher and per-rank agent",
		Long:          "flowmesh-agent wires up the tree overlay (launcher-mediated, KVS-mediated, or shared-memory+leader-tree, per internal/config) and runs a demonstration collective sequence over it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(launcherCmd(), runCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flowmesh-agent:", err)
		os.Exit(1)
	}
}
