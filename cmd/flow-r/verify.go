package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify that an actual R object covers an expected one",
		Long: "Takes 2 R objects on stdin: expected then actual. Verifies that " +
			"each rank in actual exists in expected and that its resources match " +
			"the same rank in expected exactly: nothing expected is missing and " +
			"nothing extra is present. Exits 1 on any mismatch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := readRlists(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(sets) != 2 {
				return fmt.Errorf("verify requires exactly 2 R objects on stdin, got %d", len(sets))
			}
			expected, actual := sets[0], sets[1]

			failed := false
			for rank := actual.Ranks().First(); rank != idset.Invalid; rank = actual.Ranks().Next(rank) {
				one := idset.Create(true)
				one.Add(rank)
				if err := rlist.Verify(expected, actual.CopyRanks(one), rlist.VerifyConfig{}); err != nil {
					fmt.Fprintln(os.Stderr, err)
					failed = true
				}
			}
			if failed {
				os.Exit(1)
			}
			return nil
		},
	}
}
