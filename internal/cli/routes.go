package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mark3labs/oas2mcp/internal/engine"
)

// RoutesConfig is the resolved input of the routes command.
type RoutesConfig struct {
	Config
	Out io.Writer
}

var routesRunner = runRoutes

func newRoutesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "routes",
		Short:   "List operations and their exposed argument names",
		Example: `  oas2mcp routes --input petstore.yaml --include-tags pets`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return routesRunner(cmd.Context(), &RoutesConfig{Config: *cfg, Out: cmd.OutOrStdout()})
		},
	}
	addInputFlags(cmd.Flags())
	return cmd
}

func runRoutes(ctx context.Context, cfg *RoutesConfig) error {
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	routes, _, err := loadRoutes(ctx, &cfg.Config, logger)
	if err != nil {
		return err
	}
	eng := engine.New(routes, nil, engine.WithLogger(logger))

	tw := tabwriter.NewWriter(cfg.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OPERATION\tMETHOD\tPATH\tARGUMENTS")
	for _, r := range eng.Routes() {
		cs, err := eng.Schema(r.OperationID)
		var argList string
		if err != nil {
			argList = "conflict: " + err.Error()
		} else {
			names := make([]string, 0, len(cs.Slots))
			for _, s := range cs.Slots {
				n := s.ExposedName
				if s.Required {
					n += "*"
				}
				names = append(names, n)
			}
			argList = strings.Join(names, ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.OperationID, r.Method, r.Path, argList)
	}
	return tw.Flush()
}
