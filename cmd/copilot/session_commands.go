package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ozoz66/control-research-copilot/internal/api"
)

func newSessionCommand(ctx *commandContext) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage research sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	sessionCmd.AddCommand(newSessionNewCommand(ctx))
	sessionCmd.AddCommand(newSessionListCommand(ctx))
	sessionCmd.AddCommand(newSessionShowCommand(ctx))
	sessionCmd.AddCommand(newSessionConfirmCommand(ctx))
	sessionCmd.AddCommand(newSessionRejectCommand(ctx))
	sessionCmd.AddCommand(newSessionRollbackCommand(ctx))
	sessionCmd.AddCommand(newSessionCancelCommand(ctx))
	sessionCmd.AddCommand(newSessionDeleteCommand(ctx))
	return sessionCmd
}

func newSessionNewCommand(ctx *commandContext) *cobra.Command {
	var graphFlag string

	cmd := &cobra.Command{
		Use:   "new <topic>",
		Short: "Start a new research session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			topic := strings.TrimSpace(strings.Join(args, " "))
			detail, err := client.CreateSession(cmd.Context(), topic, graphFlag)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s started on graph %s\n",
				detail.Session.ID, detail.Session.Graph)
			return nil
		},
	}
	cmd.Flags().StringVar(&graphFlag, "graph", "", "Stage graph name (default: built-in pipeline)")
	return cmd
}

func newSessionListCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			sessions, err := client.ListSessions(cmd.Context(), statusFlags...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}

			colorize := shouldColorize(out)
			rows := make([][]string, 0, len(sessions))
			for _, sess := range sessions {
				rows = append(rows, []string{
					sess.ID,
					truncate(sess.Topic, 48),
					sess.Graph,
					renderStatus(sess.Status, colorize),
					formatTimestamp(sess.UpdatedAt),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]tableColumn{{title: "ID"}, {title: "Topic"}, {title: "Graph"}, {title: "Status"}, {title: "Updated"}},
				rows,
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statusFlags, "status", nil, "Filter by session status")
	return cmd
}

func newSessionShowCommand(ctx *commandContext) *cobra.Command {
	var showArtifacts bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its stage state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			detail, err := client.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			fmt.Fprintf(out, "Session:  %s\n", detail.Session.ID)
			fmt.Fprintf(out, "Topic:    %s\n", detail.Session.Topic)
			fmt.Fprintf(out, "Graph:    %s\n", detail.Session.Graph)
			fmt.Fprintf(out, "Status:   %s\n", renderStatus(detail.Session.Status, colorize))
			if detail.Session.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:    %s\n", detail.Session.ErrorMessage)
			}
			fmt.Fprintf(out, "Created:  %s\n", formatTimestamp(detail.Session.CreatedAt))
			fmt.Fprintln(out)

			rows := make([][]string, 0, len(detail.Stages))
			for _, stage := range detail.Stages {
				rows = append(rows, []string{
					stage.Stage,
					renderStatus(stage.Status, colorize),
					formatScore(stage.Score),
					strconv.Itoa(stage.Revisions),
					strconv.Itoa(stage.Attempts),
					truncate(stage.ErrorMessage, 40),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]tableColumn{
					{title: "Stage"},
					{title: "Status"},
					{title: "Score", numeric: true},
					{title: "Revisions", numeric: true},
					{title: "Attempts", numeric: true},
					{title: "Error"},
				},
				rows,
			))

			if showArtifacts {
				printArtifacts(out, detail)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showArtifacts, "artifacts", false, "Print stage artifacts as JSON")
	return cmd
}

func printArtifacts(out io.Writer, detail *api.SessionDetail) {
	for _, stage := range detail.Stages {
		if len(stage.Artifact) == 0 {
			continue
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, stage.Artifact, "", "  "); err != nil {
			buf.Reset()
			buf.Write(stage.Artifact)
		}
		fmt.Fprintf(out, "--- %s ---\n%s\n", stage.Stage, buf.String())
	}
}

func newSessionConfirmCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <session-id> <stage>",
		Short: "Approve a stage awaiting confirmation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Confirm(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Confirmed stage %s\n", args[1])
			return nil
		},
	}
}

func newSessionRejectCommand(ctx *commandContext) *cobra.Command {
	var reasonFlag string

	cmd := &cobra.Command{
		Use:   "reject <session-id> <stage>",
		Short: "Send a stage awaiting confirmation back for revision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Reject(cmd.Context(), args[0], args[1], reasonFlag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rejected stage %s\n", args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&reasonFlag, "reason", "", "Feedback passed to the revising agent")
	return cmd
}

func newSessionRollbackCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <session-id> <stage>",
		Short: "Discard a stage result and everything downstream of it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Rollback(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to before stage %s\n", args[1])
			return nil
		},
	}
}

func newSessionCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled session %s\n", args[0])
			return nil
		},
	}
}

func newSessionDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its stage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}
}
