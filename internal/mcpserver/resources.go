package mcpserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/mark3labs/oas2mcp/internal/engine"
	"github.com/mark3labs/oas2mcp/internal/spec"
)

const resourceScheme = "resource://"

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// resourceTemplate binds a URI template to an operation. vars holds the
// path slots in template order.
type resourceTemplate struct {
	operationID string
	prefix      string
	vars        []engine.Slot
}

// resourceEligible reports whether r can be read without arguments beyond
// its path: a GET with no body whose other parameters are optional.
func resourceEligible(r *spec.Route, cs *engine.CombinedSchema) bool {
	if r.Method != spec.GET || r.RequestBody != nil {
		return false
	}
	for _, slot := range cs.Slots {
		if slot.Location != spec.InPath && slot.Required {
			return false
		}
	}
	return true
}

// registerResource exposes r as resource://<name>, or as the template
// resource://<name>/{a}/{b} when the path has placeholders.
func (s *Server) registerResource(r *spec.Route, cs *engine.CombinedSchema, name string) {
	if !resourceEligible(r, cs) {
		return
	}
	desc := describe(r)
	mime := resourceMIME(r)
	handler := func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return s.Read(ctx, req.Params.URI)
	}

	var vars []engine.Slot
	for _, m := range placeholderRe.FindAllStringSubmatch(r.Path, -1) {
		exposed, ok := cs.ExposedNameOf(spec.InPath, m[1])
		if !ok {
			s.logger.Warn("skipping resource", zap.String("operation", r.OperationID), zap.String("placeholder", m[1]))
			return
		}
		slot, _ := cs.Lookup(exposed)
		vars = append(vars, slot)
	}

	if len(vars) == 0 {
		uri := resourceScheme + name
		s.static[uri] = r.OperationID
		s.mcp.AddResource(
			mcp.NewResource(uri, name, mcp.WithResourceDescription(desc), mcp.WithMIMEType(mime)),
			handler,
		)
		return
	}

	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = "{" + v.ExposedName + "}"
	}
	uriTemplate := resourceScheme + name + "/" + strings.Join(parts, "/")
	s.templates[uriTemplate] = resourceTemplate{operationID: r.OperationID, prefix: resourceScheme + name + "/", vars: vars}
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(uriTemplate, name, mcp.WithTemplateDescription(desc), mcp.WithTemplateMIMEType(mime)),
		handler,
	)
}

// dropStaleResources unregisters static resources that the last Sync did
// not register again. Templates cannot be removed from the MCP server, so
// old ones stay listed but no longer resolve.
func (s *Server) dropStaleResources(prev map[string]string) {
	for uri := range prev {
		if _, ok := s.static[uri]; !ok {
			s.mcp.RemoveResource(uri)
		}
	}
}

// ResourceURIs lists registered static resource URIs and templates in sorted order.
func (s *Server) ResourceURIs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.static)+len(s.templates))
	for uri := range s.static {
		out = append(out, uri)
	}
	for tmpl := range s.templates {
		out = append(out, tmpl)
	}
	sort.Strings(out)
	return out
}

// Read resolves uri to an operation, invokes it and returns the body.
func (s *Server) Read(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
	opID, args, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Invoke(ctx, opID, args)
	if err != nil {
		return nil, err
	}
	return resourceContents(uri, res), nil
}

func (s *Server) resolve(uri string) (string, engine.Args, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if op, ok := s.static[uri]; ok {
		return op, engine.Args{}, nil
	}
	for _, rt := range s.templates {
		rest, ok := strings.CutPrefix(uri, rt.prefix)
		if !ok {
			continue
		}
		segs := strings.Split(rest, "/")
		if len(segs) != len(rt.vars) {
			continue
		}
		args := make(engine.Args, len(segs))
		for i, seg := range segs {
			text, err := url.PathUnescape(seg)
			if err != nil {
				return "", nil, fmt.Errorf("resource %s: %w", uri, err)
			}
			args[rt.vars[i].ExposedName] = valueFromText(rt.vars[i].Schema, text)
		}
		return rt.operationID, args, nil
	}
	return "", nil, fmt.Errorf("unknown resource %q", uri)
}

// valueFromText reads a URI segment as the kind its schema declares.
func valueFromText(schema *spec.Schema, text string) engine.Value {
	if schema != nil {
		switch schema.Type {
		case "integer", "number":
			// NaN and Inf parse as floats but are not JSON numbers
			if !strings.ContainsAny(strings.ToLower(text), "in") {
				if v, err := engine.Number(text); err == nil {
					return v
				}
			}
		case "boolean":
			if b, err := strconv.ParseBool(text); err == nil {
				return engine.Bool(b)
			}
		}
	}
	return engine.String(text)
}

func resourceContents(uri string, res *engine.InvocationResult) []mcp.ResourceContents {
	mime := res.ContentType
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if res.IsJSON {
		b, err := res.Value.MarshalJSON()
		if err == nil {
			return []mcp.ResourceContents{mcp.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(b)}}
		}
	}
	if strings.HasPrefix(mime, "text/") || strings.HasSuffix(mime, "xml") || strings.HasSuffix(mime, "json") {
		return []mcp.ResourceContents{mcp.TextResourceContents{URI: uri, MIMEType: mime, Text: string(res.Raw)}}
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	return []mcp.ResourceContents{mcp.BlobResourceContents{URI: uri, MIMEType: mime, Blob: base64.StdEncoding.EncodeToString(res.Raw)}}
}

// resourceMIME is the content type of the first 2xx response, defaulting to JSON.
func resourceMIME(r *spec.Route) string {
	for _, resp := range r.Responses {
		if strings.HasPrefix(resp.Status, "2") && resp.ContentType != "" {
			return resp.ContentType
		}
	}
	return "application/json"
}
