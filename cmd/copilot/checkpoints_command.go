package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newCheckpointsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <session-id>",
		Short: "Show a session's checkpoint log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			checkpoints, err := client.Checkpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(checkpoints) == 0 {
				fmt.Fprintln(out, "No checkpoints.")
				return nil
			}

			rows := make([][]string, 0, len(checkpoints))
			for _, cp := range checkpoints {
				rows = append(rows, []string{
					strconv.FormatInt(cp.Sequence, 10),
					cp.Stage,
					humanizeStatus(cp.Reason),
					yesNo(cp.Superseded),
					formatTimestamp(cp.CreatedAt),
					truncate(cp.Hash, 12),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]tableColumn{
					{title: "Seq", numeric: true},
					{title: "Stage"},
					{title: "Reason"},
					{title: "Superseded"},
					{title: "Created"},
					{title: "Hash"},
				},
				rows,
			))
			return nil
		},
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
