package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mark3labs/oas2mcp/internal/engine"
	"github.com/mark3labs/oas2mcp/internal/spec"
	"github.com/mark3labs/oas2mcp/internal/transport"
)

// newLogger writes to stderr so stdout stays free for results and the MCP
// stdio stream.
func newLogger(verbose bool) (*zap.Logger, error) {
	var zc zap.Config
	if verbose {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		zc.Sampling = nil
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// loadRoutes reads the spec and normalizes it into routes. The returned
// base URL is the configured one, or the spec's first server.
func loadRoutes(ctx context.Context, cfg *Config, logger *zap.Logger) ([]spec.Route, string, error) {
	doc, err := spec.Load(ctx, cfg.Input, spec.WithLogger(logger))
	if err != nil {
		return nil, "", specUsageError(err)
	}
	routes, err := spec.BuildRoutes(doc,
		spec.WithIncludeTags(cfg.IncludeTags),
		spec.WithExcludeTags(cfg.ExcludeTags),
	)
	if err != nil {
		return nil, "", fmt.Errorf("build routes: %w", err)
	}
	base := cfg.BaseURL
	if base == "" {
		base = spec.DefaultServerURL(doc)
	}
	return routes, base, nil
}

// specUsageError maps structured spec errors into friendly messages.
func specUsageError(err error) error {
	var se *spec.SpecError
	if !errors.As(err, &se) {
		return err
	}
	msg := fmt.Sprintf("spec: %s", se.Message)
	if se.Location != "" {
		msg = fmt.Sprintf("%s\nLocation: %s", msg, se.Location)
	}
	if se.JSONPointer != "" {
		msg = fmt.Sprintf("%s\nPointer: %s", msg, se.JSONPointer)
	}
	return newUsageError(msg)
}

func newTransport(cfg *Config, logger *zap.Logger) *transport.HTTP {
	return transport.New(
		transport.WithTimeout(cfg.Timeout),
		transport.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		transport.WithHeaders(cfg.Headers),
		transport.WithBearerToken(cfg.BearerToken),
		transport.WithLogger(logger),
	)
}

func newEngine(cfg *Config, routes []spec.Route, baseURL string, t engine.Transport, logger *zap.Logger, extra ...engine.Option) *engine.Engine {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithBaseURL(baseURL),
		engine.WithStrategies(cfg.Strategy, cfg.Strategies),
		engine.WithStrictValidation(cfg.Strict),
	}
	return engine.New(routes, t, append(opts, extra...)...)
}
