package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ozoz66/control-research-copilot/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage copilot configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var pathFlag string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an annotated sample configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(pathFlag)
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			written, err := config.WriteSample(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", written)
			return nil
		},
	}
	cmd.Flags().StringVar(&pathFlag, "path", "", "Destination path (default: ~/.config/copilot/config.toml)")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if ctx.configFlag != nil {
				path = strings.TrimSpace(*ctx.configFlag)
			}
			cfg, resolvedPath, found, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if found {
				fmt.Fprintf(out, "Config file:      %s\n", resolvedPath)
			} else {
				fmt.Fprintf(out, "Config file:      (defaults; %s not found)\n", resolvedPath)
			}
			fmt.Fprintf(out, "Data dir:         %s\n", cfg.Paths.DataDir)
			fmt.Fprintf(out, "Log dir:          %s\n", cfg.Paths.LogDir)
			fmt.Fprintf(out, "API bind:         %s\n", cfg.Paths.APIBind)
			if cfg.Paths.GraphPath != "" {
				fmt.Fprintf(out, "Graph path:       %s\n", cfg.Paths.GraphPath)
			}
			fmt.Fprintf(out, "Retry budget:     %d\n", cfg.Workflow.RetryBudget)
			fmt.Fprintf(out, "Invoke timeout:   %ds\n", cfg.Workflow.InvocationTimeout)
			fmt.Fprintf(out, "Supervisor:       %s\n", supervisorSummary(cfg))
			fmt.Fprintf(out, "LLM model:        %s\n", cfg.LLM.Model)
			fmt.Fprintf(out, "LLM key set:      %s\n", yesNo(cfg.LLM.APIKey != ""))
			return nil
		},
	}
}

func supervisorSummary(cfg *config.Config) string {
	if !cfg.Supervisor.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("enabled (threshold %.0f, max %d revisions)",
		cfg.Supervisor.ScoreThreshold, cfg.Supervisor.MaxRevisions)
}
