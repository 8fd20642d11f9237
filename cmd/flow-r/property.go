package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/flowmesh/pkg/idset"
)

func setPropertyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-property PROPERTY:RANKS [PROPERTY:RANKS]...",
		Short: "Set properties on the R object on stdin",
		Long:  "Set properties on the R object on stdin, emitting the result on stdout. RANKS defaults to every rank in R when omitted.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := unionStdin(cmd)
			if err != nil {
				return err
			}
			for _, arg := range args {
				name, ranks := arg, ""
				if i := strings.IndexByte(arg, ':'); i >= 0 {
					name, ranks = arg[:i], arg[i+1:]
				}
				ids := rl.Ranks()
				if ranks != "" {
					ids, err = idset.Decode(ranks)
					if err != nil {
						return fmt.Errorf("set-property %s: invalid ranks %q: %w", name, ranks, err)
					}
				}
				for r := ids.First(); r != idset.Invalid; r = ids.Next(r) {
					n, ok := rl.Nodes[int(r)]
					if !ok {
						return fmt.Errorf("set-property %s: rank %d not in R", name, r)
					}
					if err := n.SetProperty(name); err != nil {
						return fmt.Errorf("set-property %s: %w", name, err)
					}
				}
			}
			return writeRlist(cmd.OutOrStdout(), rl)
		},
	}
}
