package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	lnch "github.com/khryptorgraphics/flowmesh/pkg/launcher"
)

// launcherCmd runs the launcher side of the launcher-mediated wireup
// driver (spec.md §4.6): accept nprocs N-to-1 connections, run the
// allgather every rank's LauncherMediated dial performs to exchange
// (rank, host, port) triples, serve the closing barrier each rank
// enters once its tree wireup is done, then close.
func launcherCmd() *cobra.Command {
	var listen string
	var nprocs int
	var openTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "launcher",
		Short: "Run the launcher side of the launcher-mediated wireup driver",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nprocs < 1 {
				return fmt.Errorf("launcher: --nprocs must be >= 1")
			}
			l, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("launcher: listen %s: %w", listen, err)
			}
			defer l.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "launcher: listening on %s for %d ranks\n", l.Addr(), nprocs)

			s, err := lnch.Accept(context.Background(), l, nprocs, openTimeout)
			if err != nil {
				return fmt.Errorf("launcher: accept: %w", err)
			}
			defer s.Close()

			msecs := int(openTimeout / time.Millisecond)
			if err := s.Allgather(msecs); err != nil {
				return fmt.Errorf("launcher: endpoint exchange: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "launcher: endpoint exchange complete, all ranks proceeding to tree wireup")
			if err := s.Barrier(msecs); err != nil {
				return fmt.Errorf("launcher: closing barrier: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "launcher: all ranks report tree wireup complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:0", "address to listen on for rank connections")
	cmd.Flags().IntVar(&nprocs, "nprocs", 0, "number of ranks that will connect")
	cmd.Flags().DurationVar(&openTimeout, "open-timeout", 60*time.Second, "time to wait for all ranks to connect")
	cmd.MarkFlagRequired("nprocs")
	return cmd
}
