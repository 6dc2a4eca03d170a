package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Execute runs the oas2mcp CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd constructs the root command so tests can exercise the CLI easily.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "oas2mcp",
		Short:         "Serve and call OpenAPI operations as MCP tools",
		Long:          "oas2mcp loads a Swagger/OpenAPI document, exposes each operation as an MCP tool with a flat argument namespace, and turns tool calls into HTTP requests.",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetFlagErrorFunc(flagErrorFunc)

	cmd.PersistentFlags().StringP("config", "c", "", "Config file path (YAML or JSON)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging output")

	for _, sub := range []*cobra.Command{newServeCmd(), newCallCmd(), newRoutesCmd(), newInitCmd()} {
		sub.SetFlagErrorFunc(flagErrorFunc)
		cmd.AddCommand(sub)
	}
	return cmd
}

// flagErrorFunc converts Cobra flag errors (like unknown flags) into usage
// errors that also show the command's help text.
func flagErrorFunc(c *cobra.Command, err error) error {
	return newUsageError(fmt.Sprintf("%v\n\n%s", err, c.UsageString()))
}
