package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/flowmesh/pkg/hostlist"
	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

func encodeCmd() *cobra.Command {
	var ranksOpt, coresOpt, gpusOpt, hostsOpt string
	var properties []string

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a synthetic R object for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ranks, hosts, err := ranksAndHosts(ranksOpt, hostsOpt)
			if err != nil {
				return err
			}
			cores := coresOpt
			if cores == "" && gpusOpt == "" {
				cores = "0"
			}

			rl := rlist.Create()
			host := hosts.Hosts()
			i := 0
			for rank := ranks.First(); rank != idset.Invalid; rank = ranks.Next(rank) {
				if i >= len(host) {
					return fmt.Errorf("encode: not enough hosts for %d ranks", ranks.Count())
				}
				n := rnode.New(int(rank), host[i])
				if cores != "" {
					ids, err := idset.Decode(cores)
					if err != nil {
						return fmt.Errorf("encode: invalid --cores %q: %w", cores, err)
					}
					if err := n.AddChild(rnode.CorePool, ids); err != nil {
						return fmt.Errorf("encode: rank %d: %w", rank, err)
					}
				}
				if gpusOpt != "" {
					ids, err := idset.Decode(gpusOpt)
					if err != nil {
						return fmt.Errorf("encode: invalid --gpus %q: %w", gpusOpt, err)
					}
					if err := n.AddChild("gpu", ids); err != nil {
						return fmt.Errorf("encode: rank %d: %w", rank, err)
					}
				}
				rl.Nodes[int(rank)] = n
				i++
			}

			if err := applyEncodeProperties(rl, properties); err != nil {
				return err
			}
			return writeRlist(cmd.OutOrStdout(), rl)
		},
	}

	cmd.Flags().StringVarP(&ranksOpt, "ranks", "r", "", "generate an R with ranks in IDSET (default: match --hosts, or a single rank 0)")
	cmd.Flags().StringVarP(&coresOpt, "cores", "c", "", "assign cores with IDS to each rank (default: a single core 0)")
	cmd.Flags().StringVarP(&gpusOpt, "gpus", "g", "", "assign gpu resources with IDS to each rank")
	cmd.Flags().StringVarP(&hostsOpt, "hosts", "H", "", "generate R with nodelist set to HOSTS (default: local hostname repeated)")
	cmd.Flags().StringArrayVarP(&properties, "property", "p", nil, "assign property NAME[:RANKS]; may be repeated")
	return cmd
}

func ranksAndHosts(ranksOpt, hostsOpt string) (*idset.Set, *hostlist.Hostlist, error) {
	if ranksOpt == "" {
		hl, err := hostsOrLocal(hostsOpt, 0)
		if err != nil {
			return nil, nil, err
		}
		ranks := idset.Create(true)
		for i := 0; i < hl.Count(); i++ {
			ranks.Add(uint(i))
		}
		return ranks, hl, nil
	}

	ranks, err := idset.Decode(ranksOpt)
	if err != nil {
		return nil, nil, fmt.Errorf("encode: invalid --ranks %q: %w", ranksOpt, err)
	}
	hl, err := hostsOrLocal(hostsOpt, ranks.Count())
	if err != nil {
		return nil, nil, err
	}
	return ranks, hl, nil
}

func hostsOrLocal(hostsOpt string, expectedCount int) (*hostlist.Hostlist, error) {
	if hostsOpt == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("encode: gethostname: %w", err)
		}
		n := expectedCount
		if n == 0 {
			n = 1
		}
		hl := hostlist.New()
		for i := 0; i < n; i++ {
			hl.Append(host)
		}
		return hl, nil
	}
	hl, err := hostlist.Decode(hostsOpt)
	if err != nil {
		return nil, fmt.Errorf("encode: invalid --hosts %q: %w", hostsOpt, err)
	}
	if expectedCount != 0 && hl.Count() != expectedCount {
		return nil, fmt.Errorf("encode: hostname count in %q does not match nranks (%d)", hostsOpt, expectedCount)
	}
	return hl, nil
}

func applyEncodeProperties(rl *rlist.Rlist, properties []string) error {
	if len(properties) == 0 {
		return nil
	}
	for _, p := range properties {
		name, ranksStr := p, ""
		if i := strings.IndexByte(p, ':'); i >= 0 {
			name, ranksStr = p[:i], p[i+1:]
		}
		ids := rl.Ranks()
		if ranksStr != "" {
			var err error
			ids, err = idset.Decode(ranksStr)
			if err != nil {
				return fmt.Errorf("encode: --property %s: invalid ranks %q: %w", name, ranksStr, err)
			}
		}
		for r := ids.First(); r != idset.Invalid; r = ids.Next(r) {
			n, ok := rl.Nodes[int(r)]
			if !ok {
				continue
			}
			if err := n.SetProperty(name); err != nil {
				return fmt.Errorf("encode: --property %s: %w", name, err)
			}
		}
	}
	return nil
}
