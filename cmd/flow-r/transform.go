package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/flowmesh/pkg/hostlist"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

func appendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append",
		Short: "Append multiple R objects on stdin",
		Long:  "Append multiple R objects on stdin. Emits an error if resource sets are not disjoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := readRlists(cmd.InOrStdin())
			if err != nil {
				return err
			}
			result, err := foldRlists("append", sets, 1, rlist.Append)
			if err != nil {
				return err
			}
			return writeRlist(cmd.OutOrStdout(), result)
		},
	}
}

func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Set difference of multiple R objects on stdin",
		Long:  "Return the set difference of multiple R objects on stdin: (R1 - R2) - R3 ...",
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := readRlists(cmd.InOrStdin())
			if err != nil {
				return err
			}
			result, err := foldRlists("diff", sets, 2, rlist.Diff)
			if err != nil {
				return err
			}
			return writeRlist(cmd.OutOrStdout(), result)
		},
	}
}

func intersectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intersect",
		Short: "Intersection of all R objects on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := readRlists(cmd.InOrStdin())
			if err != nil {
				return err
			}
			result, err := foldRlists("intersect", sets, 2, rlist.Intersect)
			if err != nil {
				return err
			}
			return writeRlist(cmd.OutOrStdout(), result)
		},
	}
}

func remapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remap",
		Short: "Union of all R objects on stdin, ranks renumbered from 0",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := unionStdin(cmd)
			if err != nil {
				return err
			}
			result.Remap(nil)
			return writeRlist(cmd.OutOrStdout(), result)
		},
	}
}

func rerankCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerank HOSTLIST",
		Short: "Union of all R objects on stdin, ranks remapped by index in HOSTLIST",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := unionStdin(cmd)
			if err != nil {
				return err
			}
			hl, err := hostlist.Decode(args[0])
			if err != nil {
				return fmt.Errorf("invalid hostlist %q: %w", args[0], err)
			}
			if err := result.Rerank(hl.Hosts()); err != nil {
				return fmt.Errorf("rerank: %w", err)
			}
			return writeRlist(cmd.OutOrStdout(), result)
		},
	}
}

// unionStdin reads every R on stdin and folds them with Union, the
// "at least one set" starting point flux-R's decode/remap/set-property
// subcommands all share.
func unionStdin(cmd *cobra.Command) (*rlist.Rlist, error) {
	sets, err := readRlists(cmd.InOrStdin())
	if err != nil {
		return nil, err
	}
	return foldRlists("union", sets, 1, rlist.Union)
}
