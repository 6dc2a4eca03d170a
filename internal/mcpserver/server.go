// Package mcpserver exposes every loaded operation as an MCP tool, and
// optionally read-only operations as MCP resources.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/mark3labs/oas2mcp/internal/engine"
	"github.com/mark3labs/oas2mcp/internal/spec"
)

const maxToolName = 64

// Server binds an engine to an MCP server. Tools and resources are
// resynchronized with the engine's routes on every Sync.
type Server struct {
	mcp       *server.MCPServer
	engine    *engine.Engine
	logger    *zap.Logger
	resources bool

	mu        sync.Mutex
	tools     map[string]string // tool name -> operation ID
	static    map[string]string // resource URI -> operation ID
	templates map[string]resourceTemplate
}

type Option func(*Server)

// WithResources also registers GET operations without a body as resources.
func WithResources(on bool) Option { return func(s *Server) { s.resources = on } }

func New(eng *engine.Engine, name, version string, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:    eng,
		logger:    logger.With(zap.String("component", "mcpserver")),
		tools:     map[string]string{},
		static:    map[string]string{},
		templates: map[string]resourceTemplate{},
	}
	for _, opt := range opts {
		opt(s)
	}
	serverOpts := []server.ServerOption{server.WithToolCapabilities(true)}
	if s.resources {
		serverOpts = append(serverOpts, server.WithResourceCapabilities(false, true))
	}
	s.mcp = server.NewMCPServer(name, version, serverOpts...)
	return s
}

// MCP returns the underlying mcp-go server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Sync registers a tool per route and removes tools whose route is gone.
// Routes with conflicting parameter names are skipped. It returns the
// number of registered tools.
func (s *Server) Sync() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevStatic := s.static
	s.static = map[string]string{}
	s.templates = map[string]resourceTemplate{}
	next := map[string]string{}
	for _, r := range s.engine.Routes() {
		cs, err := s.engine.Schema(r.OperationID)
		if err != nil {
			s.logger.Warn("skipping operation", zap.String("operation", r.OperationID), zap.Error(err))
			continue
		}
		name := ToolName(r.OperationID)
		if prev, dup := next[name]; dup {
			s.logger.Warn("tool name already used",
				zap.String("tool", name), zap.String("operation", r.OperationID), zap.String("kept", prev))
			continue
		}
		raw, err := json.Marshal(engine.ToolInputSchema(cs))
		if err != nil {
			s.logger.Warn("skipping operation", zap.String("operation", r.OperationID), zap.Error(err))
			continue
		}
		tool := mcp.NewToolWithRawSchema(name, describe(r), raw)
		if out := engine.OutputSchema(r); out != nil {
			tool.OutputSchema = toolOutputSchema(out)
		}
		next[name] = r.OperationID
		s.mcp.AddTool(tool, s.handler(r.OperationID))
		if s.resources {
			s.registerResource(r, cs, name)
		}
	}

	var stale []string
	for name := range s.tools {
		if _, ok := next[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.mcp.DeleteTools(stale...)
	}
	s.tools = next
	s.dropStaleResources(prevStatic)
	s.logger.Info("tools synchronized", zap.Int("tools", len(next)), zap.Int("removed", len(stale)))
	return len(next)
}

// ToolNames lists the registered tools in sorted order.
func (s *Server) ToolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tools))
	for n := range s.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call runs the tool handler for name directly.
func (s *Server) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	opID, ok := s.tools[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.handler(opID)(ctx, req)
}

// ServeStdio serves MCP over the given streams until ctx is done or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) handler(operationID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := engine.ArgsFromMap(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, err := s.engine.Invoke(ctx, operationID, args)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			s.logger.Debug("tool call failed",
				zap.String("operation", operationID), zap.String("code", string(engine.CodeOf(err))), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		route, _ := s.engine.Route(operationID)
		return toolResult(route, res), nil
	}
}

// toolResult returns JSON payloads as structured content with a text copy.
// The payload is wrapped under "result" when the output schema says so or,
// without an output schema, when it is not an object. Other bodies are text.
func toolResult(route *spec.Route, res *engine.InvocationResult) *mcp.CallToolResult {
	if !res.IsJSON {
		return mcp.NewToolResultText(string(res.Raw))
	}
	payload := res.Value
	var wrap bool
	if out := outputSchemaOf(route); out != nil {
		wrap = out[engine.WrapResultKey] == true
	} else {
		wrap = payload.Kind() != engine.KindObject
	}
	if wrap {
		payload = engine.Object(engine.Field{Name: "result", Value: payload})
	}
	b, err := payload.MarshalJSON()
	if err != nil {
		return mcp.NewToolResultText(string(res.Raw))
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(string(b))},
		StructuredContent: json.RawMessage(b),
	}
}

func outputSchemaOf(route *spec.Route) map[string]any {
	if route == nil {
		return nil
	}
	return engine.OutputSchema(route)
}

// toolOutputSchema maps an object JSON Schema onto the tool's advertised
// output schema.
func toolOutputSchema(out map[string]any) mcp.ToolOutputSchema {
	ts := mcp.ToolOutputSchema{Type: "object"}
	if props, ok := out["properties"].(map[string]any); ok {
		ts.Properties = props
	}
	switch req := out["required"].(type) {
	case []string:
		ts.Required = req
	case []any:
		for _, r := range req {
			if name, ok := r.(string); ok {
				ts.Required = append(ts.Required, name)
			}
		}
	}
	return ts
}

func describe(r *spec.Route) string {
	parts := make([]string, 0, 2)
	if r.Summary != "" {
		parts = append(parts, r.Summary)
	}
	if r.Description != "" && r.Description != r.Summary {
		parts = append(parts, r.Description)
	}
	if len(parts) == 0 {
		return string(r.Method) + " " + r.Path
	}
	return strings.Join(parts, "\n\n")
}

// ToolName maps an operation ID onto the MCP tool name alphabet.
func ToolName(operationID string) string {
	var b strings.Builder
	for _, r := range operationID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "operation"
	}
	if len(name) > maxToolName {
		name = name[:maxToolName]
	}
	return name
}
