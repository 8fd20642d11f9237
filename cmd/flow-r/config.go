package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

// configEntryDTO is the JSON wire shape of one resource-config array
// element (spec.md §6): {hosts, cores, gpus?, properties?}.
type configEntryDTO struct {
	Hosts      string   `json:"hosts"`
	Cores      string   `json:"cores"`
	GPUs       string   `json:"gpus,omitempty"`
	Properties []string `json:"properties,omitempty"`
}

func parseConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse-config PATH",
		Short: "Read a resource-config array and emit the resulting R",
		Long:  "Read config from a resource.config JSON array at PATH (\"-\" for stdin).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readConfigFile(cmd, args[0])
			if err != nil {
				return err
			}
			var dtos []configEntryDTO
			if err := json.Unmarshal(data, &dtos); err != nil {
				return fmt.Errorf("parse-config: %w", err)
			}
			entries := make([]rlist.ConfigEntry, 0, len(dtos))
			for _, d := range dtos {
				entries = append(entries, rlist.ConfigEntry{
					Hosts:      d.Hosts,
					Cores:      d.Cores,
					GPUs:       d.GPUs,
					Properties: d.Properties,
				})
			}
			rl, err := rlist.FromConfig(entries)
			if err != nil {
				return fmt.Errorf("parse-config: %w", err)
			}
			return writeRlist(cmd.OutOrStdout(), rl)
		},
	}
}

func readConfigFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse-config: %w", err)
	}
	return data, nil
}
