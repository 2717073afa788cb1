package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ozoz66/control-research-copilot/internal/api"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var followFlag bool
	var sinceFlag uint64
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Show a session's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			cursor := sinceFlag

			stream, err := client.Events(cmd.Context(), args[0], cursor, limitFlag, false)
			if err != nil {
				return err
			}
			for _, evt := range stream.Events {
				printEvent(out, evt, colorize)
			}
			if stream.Next > cursor {
				cursor = stream.Next
			}
			if !followFlag {
				return nil
			}

			for {
				stream, err := client.Events(cmd.Context(), args[0], cursor, limitFlag, true)
				if err != nil {
					return err
				}
				for _, evt := range stream.Events {
					printEvent(out, evt, colorize)
				}
				if stream.Next > cursor {
					cursor = stream.Next
				}
				if err := cmd.Context().Err(); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "Wait for new events")
	cmd.Flags().Uint64Var(&sinceFlag, "since", 0, "Start after this event sequence")
	cmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum events per fetch")
	return cmd
}

func printEvent(out io.Writer, evt api.EventRecord, colorize bool) {
	label := renderStatus(evt.Kind, colorize)
	line := fmt.Sprintf("%s  %-24s", formatTimestamp(evt.Timestamp), label)
	if evt.Stage != "" {
		line += "  " + evt.Stage
	}
	if len(evt.Payload) > 0 {
		keys := make([]string, 0, len(evt.Payload))
		for key := range evt.Payload {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, key+"="+evt.Payload[key])
		}
		line += "  " + strings.Join(pairs, " ")
	}
	fmt.Fprintln(out, line)
}
