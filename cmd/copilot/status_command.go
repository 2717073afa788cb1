package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Daemon:           running (pid %d)\n", status.PID)
			fmt.Fprintf(out, "Active sessions:  %d\n", status.ActiveSessions)
			fmt.Fprintf(out, "Session DB:       %s\n", status.SessionDBPath)
			fmt.Fprintf(out, "Lock file:        %s\n", status.LockFilePath)
			fmt.Fprintf(out, "Graphs:           %s\n", strings.Join(status.Graphs, ", "))

			if len(status.SessionCounts) > 0 {
				keys := make([]string, 0, len(status.SessionCounts))
				for key := range status.SessionCounts {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				fmt.Fprintln(out, "Sessions by status:")
				for _, key := range keys {
					fmt.Fprintf(out, "  %-24s %d\n", humanizeStatus(key), status.SessionCounts[key])
				}
			}
			return nil
		},
	}
}
