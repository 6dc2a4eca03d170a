package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mark3labs/oas2mcp/internal/engine"
	"github.com/mark3labs/oas2mcp/internal/mcpserver"
	"github.com/mark3labs/oas2mcp/internal/metrics"
	"github.com/mark3labs/oas2mcp/internal/spec"
)

// Version is reported to MCP clients.
var Version = "dev"

// ServeConfig is the resolved input of the serve command.
type ServeConfig struct {
	Config
	In  io.Reader
	Out io.Writer
}

var serveRunner = runServe

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve every operation as an MCP tool over stdio",
		Example: strings.TrimSpace(`  oas2mcp serve --input petstore.yaml --base-url https://petstore.example.com
  oas2mcp --config oas2mcp.yaml serve --watch --metrics-addr :9090`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return serveRunner(cmd.Context(), &ServeConfig{Config: *cfg, In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})
		},
	}

	flags := cmd.Flags()
	addInputFlags(flags)
	addInvokeFlags(flags)
	flags.Bool("watch", false, "Reload tools when the local spec file changes")
	flags.Bool("resources", false, "Also expose GET operations without a body as MCP resources")
	flags.String("metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func runServe(ctx context.Context, cfg *ServeConfig) error {
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	routes, base, err := loadRoutes(ctx, &cfg.Config, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("oas2mcp", reg, logger)
	eng := newEngine(&cfg.Config, routes, base, newTransport(&cfg.Config, logger), logger, engine.WithObserver(collector))
	srv := mcpserver.New(eng, "oas2mcp", Version, logger, mcpserver.WithResources(cfg.Resources))
	n := srv.Sync()
	logger.Info("serving", zap.Int("tools", n), zap.String("baseURL", base))

	if cfg.MetricsAddr != "" {
		ms := metrics.Serve(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ms.Shutdown(shutdownCtx)
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Watch {
		g.Go(func() error {
			return spec.Watch(gctx, cfg.Input, spec.DefaultWatchDebounce, func() {
				reload(gctx, &cfg.Config, eng, srv, logger)
			})
		})
	}
	g.Go(func() error {
		defer cancel()
		return srv.ServeStdio(gctx, cfg.In, cfg.Out)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reload swaps in a freshly loaded route table. A broken spec keeps the
// previous tools in place.
func reload(ctx context.Context, cfg *Config, eng *engine.Engine, srv *mcpserver.Server, logger *zap.Logger) {
	routes, _, err := loadRoutes(ctx, cfg, logger)
	if err != nil {
		logger.Warn("spec reload failed; keeping previous tools", zap.Error(err))
		return
	}
	eng.Reload(routes)
	srv.Sync()
}
