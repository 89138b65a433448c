package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/linetrace/pkg/mcp"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

The MCP server exposes linetrace read operations as tools that AI agents
can discover and invoke:
  - pr_analysis:    survival analysis of a tracked pull request
  - pr_files:       per-file survival details
  - pr_history:     lifecycle events of a pull request
  - report_compute: aggregation of a stored report definition`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd, observability.ModeMCP)
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := a.defaultSource(cmd.Context())
			if err != nil {
				return err
			}

			err = a.startEngine(src)
			if err != nil {
				return err
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Engine:  a.engine,
				Logger:  a.logger(),
				Metrics: a.red,
				Tracer:  a.providers.Tracer,
			})

			return srv.Run(cmd.Context())
		},
	}

	return cmd
}
