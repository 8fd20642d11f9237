package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/flowmesh/pkg/constraint"
	"github.com/khryptorgraphics/flowmesh/pkg/hostlist"
	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

func decodeCmd() *cobra.Command {
	var short, printNodelist, printRanks bool
	var countType, include, exclude, properties string

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode the union of R objects on stdin",
		Long: "Return the union of all R objects on stdin and print details or a " +
			"summary of the result. By default an R v1 JSON object is emitted on " +
			"stdout, unless one or more options below are used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rl, err := unionStdin(cmd)
			if err != nil {
				return err
			}

			if properties != "" {
				spec, err := propertiesSpec(properties)
				if err != nil {
					return err
				}
				matcher, err := constraint.Compile(spec)
				if err != nil {
					return fmt.Errorf("invalid property constraint: %w", err)
				}
				rl = rl.CopyConstraint(matcher)
			}
			if include != "" {
				ids, err := idset.Decode(include)
				if err != nil {
					return fmt.Errorf("invalid --include ranks %q: %w", include, err)
				}
				rl = rl.CopyRanks(ids)
			}
			if exclude != "" {
				ids, err := idset.Decode(exclude)
				if err != nil {
					return fmt.Errorf("invalid --exclude ranks %q: %w", exclude, err)
				}
				rl.RemoveRanks(ids)
			}

			out := cmd.OutOrStdout()
			lines := 0
			if short {
				fmt.Fprintln(out, rlist.Dumps(rl))
				lines++
			}
			if printNodelist {
				fmt.Fprintln(out, hostlist.Encode(rl.Nodelist()))
				lines++
			}
			if printRanks {
				fmt.Fprintln(out, rl.Ranks().Encode(idset.FlagRange))
				lines++
			}
			if countType != "" {
				fmt.Fprintln(out, countOf(rl, countType))
				lines++
			}
			if lines == 0 {
				return writeRlist(cmd.OutOrStdout(), rl)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "print short-form representation of R")
	cmd.Flags().BoolVarP(&printNodelist, "nodelist", "n", false, "print nodelist in hostlist form")
	cmd.Flags().BoolVarP(&printRanks, "ranks", "r", false, "print ranks in idset form")
	cmd.Flags().StringVarP(&countType, "count", "c", "", "print count of resource TYPE (node, core, gpu, ...)")
	cmd.Flags().StringVarP(&include, "include", "i", "", "include only the specified ranks")
	cmd.Flags().StringVarP(&exclude, "exclude", "x", "", "exclude the specified ranks")
	cmd.Flags().StringVarP(&properties, "properties", "p", "", "comma-separated list of required properties")
	return cmd
}

func countOf(rl *rlist.Rlist, poolName string) int {
	if poolName == "node" {
		return rl.Nnodes()
	}
	return rl.Count(poolName)
}

func propertiesSpec(list string) (constraint.Spec, error) {
	names := strings.Split(list, ",")
	data, err := json.Marshal(names)
	if err != nil {
		return constraint.Spec{}, fmt.Errorf("properties: %w", err)
	}
	var spec constraint.Spec
	if err := json.Unmarshal([]byte(`{"properties":`+string(data)+`}`), &spec); err != nil {
		return constraint.Spec{}, fmt.Errorf("properties: %w", err)
	}
	return spec, nil
}
