package spec

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// BuildOption configures how routes are built from an OpenAPI doc.
type BuildOption func(*buildConfig)

type buildConfig struct {
	includeTags map[string]struct{}
	excludeTags map[string]struct{}
	methods     map[HttpMethod]struct{}
	pathRes     []*regexp.Regexp
}

// WithIncludeTags keeps only operations that have at least one of the given tags.
func WithIncludeTags(tags []string) BuildOption {
	return func(c *buildConfig) {
		c.includeTags = addTags(c.includeTags, tags)
	}
}

// WithExcludeTags removes operations that have any of the given tags.
func WithExcludeTags(tags []string) BuildOption {
	return func(c *buildConfig) {
		c.excludeTags = addTags(c.excludeTags, tags)
	}
}

func addTags(set map[string]struct{}, tags []string) map[string]struct{} {
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if set == nil {
			set = make(map[string]struct{}, len(tags))
		}
		set[t] = struct{}{}
	}
	return set
}

// WithMethods keeps only operations using one of the provided HTTP methods.
func WithMethods(methods []HttpMethod) BuildOption {
	return func(c *buildConfig) {
		for _, m := range methods {
			if c.methods == nil {
				c.methods = make(map[HttpMethod]struct{}, len(methods))
			}
			c.methods[HttpMethod(strings.ToUpper(string(m)))] = struct{}{}
		}
	}
}

// WithPathPatterns keeps only operations whose path matches at least one of
// the provided regular expressions. Invalid patterns never match.
func WithPathPatterns(patterns []string) BuildOption {
	return func(c *buildConfig) {
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			re, err := regexp.Compile(p)
			if err != nil {
				re = regexp.MustCompile("a^$")
			}
			c.pathRes = append(c.pathRes, re)
		}
	}
}

// BuildRoutes converts an OpenAPI v3 document into the route table used by
// the engine. Paths are visited in sorted order and methods in a fixed
// order, so the result is deterministic.
func BuildRoutes(doc *openapi3.T, opts ...BuildOption) ([]Route, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}
	cfg := &buildConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	conv := newSchemaConverter()
	var routes []Route
	usedIDs := map[string]int{}

	pathKeys := make([]string, 0, len(doc.Paths))
	for p := range doc.Paths {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	for _, p := range pathKeys {
		item := doc.Paths[p]
		if item == nil {
			continue
		}
		ops := []struct {
			m HttpMethod
			o *openapi3.Operation
		}{
			{GET, item.Get},
			{POST, item.Post},
			{PUT, item.Put},
			{DELETE, item.Delete},
			{PATCH, item.Patch},
			{HEAD, item.Head},
			{OPTIONS, item.Options},
			{TRACE, item.Trace},
		}
		for _, pair := range ops {
			if pair.o == nil || !cfg.allowMethod(pair.m) || !cfg.allowPath(p) {
				continue
			}
			tags := cleanTags(pair.o.Tags)
			if !allowByTags(tags, cfg) {
				continue
			}

			route := Route{
				OperationID: strings.TrimSpace(pair.o.OperationID),
				Method:      pair.m,
				Path:        p,
				Summary:     strings.TrimSpace(pair.o.Summary),
				Description: strings.TrimSpace(pair.o.Description),
				Tags:        tags,
				Parameters:  mergeParameters(item.Parameters, pair.o.Parameters, conv),
				RequestBody: toRequestBody(pair.o.RequestBody, conv),
				Responses:   toResponses(pair.o.Responses, conv),
			}
			if route.OperationID == "" {
				route.OperationID = deriveOperationID(pair.m, p)
			}
			route.OperationID = uniqueID(route.OperationID, usedIDs)
			routes = append(routes, route)
		}
	}
	return routes, nil
}

// DefaultServerURL returns the first declared server URL, or "".
func DefaultServerURL(doc *openapi3.T) string {
	if doc == nil {
		return ""
	}
	for _, s := range doc.Servers {
		if s != nil && strings.TrimSpace(s.URL) != "" {
			return strings.TrimSpace(s.URL)
		}
	}
	return ""
}

func (c *buildConfig) allowMethod(m HttpMethod) bool {
	if len(c.methods) == 0 {
		return true
	}
	_, ok := c.methods[m]
	return ok
}

func (c *buildConfig) allowPath(p string) bool {
	if len(c.pathRes) == 0 {
		return true
	}
	for _, re := range c.pathRes {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

func allowByTags(tags []string, cfg *buildConfig) bool {
	if len(cfg.includeTags) > 0 {
		ok := false
		for _, t := range tags {
			if _, yes := cfg.includeTags[t]; yes {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, t := range tags {
		if _, blocked := cfg.excludeTags[t]; blocked {
			return false
		}
	}
	return true
}

func cleanTags(in []string) []string {
	tags := make([]string, 0, len(in))
	for _, t := range in {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func deriveOperationID(m HttpMethod, path string) string {
	slug := strings.Trim(nonIdent.ReplaceAllString(path, "_"), "_")
	if slug == "" {
		slug = "root"
	}
	return strings.ToLower(string(m)) + "_" + strings.ToLower(slug)
}

func uniqueID(id string, used map[string]int) string {
	used[id]++
	if n := used[id]; n > 1 {
		return fmt.Sprintf("%s_%d", id, n)
	}
	return id
}

// mergeParameters applies operation-level parameters over path-level ones,
// keyed by location and name. Path-level declaration order comes first.
func mergeParameters(pathLevel, opLevel openapi3.Parameters, conv *schemaConverter) []ParameterSpec {
	var out []ParameterSpec
	index := map[string]int{}
	add := func(refs openapi3.Parameters) {
		for _, ref := range refs {
			ps, ok := toParameterSpec(ref, conv)
			if !ok {
				continue
			}
			key := string(ps.In) + ":" + ps.Name
			if i, seen := index[key]; seen {
				out[i] = ps
				continue
			}
			index[key] = len(out)
			out = append(out, ps)
		}
	}
	add(pathLevel)
	add(opLevel)
	return out
}

func toParameterSpec(ref *openapi3.ParameterRef, conv *schemaConverter) (ParameterSpec, bool) {
	if ref == nil || ref.Value == nil {
		return ParameterSpec{}, false
	}
	p := ref.Value
	ps := ParameterSpec{
		Name:        strings.TrimSpace(p.Name),
		In:          Location(strings.ToLower(strings.TrimSpace(p.In))),
		Required:    p.Required,
		Style:       Style(strings.TrimSpace(p.Style)),
		Explode:     p.Explode,
		Description: strings.TrimSpace(p.Description),
		Schema:      conv.convert(p.Schema),
	}
	if ps.Schema == nil {
		// content-encoded parameters carry their schema in the media type
		for _, mime := range sortedKeys(p.Content) {
			if mt := p.Content[mime]; mt != nil && mt.Schema != nil {
				ps.Schema = conv.convert(mt.Schema)
				break
			}
		}
	}
	if ps.In == InPath {
		ps.Required = true
	}
	return ps, ps.Name != ""
}

func toRequestBody(ref *openapi3.RequestBodyRef, conv *schemaConverter) *RequestBodySpec {
	if ref == nil || ref.Value == nil {
		return nil
	}
	mime, mt := pickMedia(ref.Value.Content)
	if mt == nil {
		return nil
	}
	return &RequestBodySpec{
		ContentType: mime,
		Required:    ref.Value.Required,
		Description: strings.TrimSpace(ref.Value.Description),
		Schema:      conv.convert(mt.Schema),
	}
}

func toResponses(responses openapi3.Responses, conv *schemaConverter) []ResponseSpec {
	var out []ResponseSpec
	for _, code := range sortedKeys(responses) {
		rref := responses[code]
		if rref == nil || rref.Value == nil {
			continue
		}
		rs := ResponseSpec{Status: code}
		if rref.Value.Description != nil {
			rs.Description = strings.TrimSpace(*rref.Value.Description)
		}
		if mime, mt := pickMedia(rref.Value.Content); mt != nil {
			rs.ContentType = mime
			rs.Schema = conv.convert(mt.Schema)
		}
		out = append(out, rs)
	}
	return out
}

// pickMedia prefers application/json, then any +json type, then a form
// body, then the first media type by name.
func pickMedia(content openapi3.Content) (string, *openapi3.MediaType) {
	if len(content) == 0 {
		return "", nil
	}
	keys := sortedKeys(content)
	rank := func(mime string) int {
		m := strings.ToLower(mime)
		switch {
		case m == "application/json":
			return 0
		case strings.HasSuffix(m, "+json"):
			return 1
		case m == "application/x-www-form-urlencoded":
			return 2
		default:
			return 3
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return rank(keys[i]) < rank(keys[j]) })
	return keys[0], content[keys[0]]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// schemaConverter maps kin-openapi schemas onto the route model. Converted
// nodes are memoized by source pointer, which also terminates recursive
// schemas.
type schemaConverter struct {
	seen map[*openapi3.Schema]*Schema
}

func newSchemaConverter() *schemaConverter {
	return &schemaConverter{seen: map[*openapi3.Schema]*Schema{}}
}

func (c *schemaConverter) convert(ref *openapi3.SchemaRef) *Schema {
	if ref == nil || ref.Value == nil {
		return nil
	}
	src := ref.Value
	if s, ok := c.seen[src]; ok {
		return s
	}
	s := &Schema{
		Type:        strings.TrimSpace(src.Type),
		Format:      strings.TrimSpace(src.Format),
		Description: strings.TrimSpace(src.Description),
		Default:     src.Default,
		Nullable:    src.Nullable,
		Required:    append([]string(nil), src.Required...),
	}
	c.seen[src] = s
	if len(src.Enum) > 0 {
		s.Enum = append([]any(nil), src.Enum...)
	}
	s.Items = c.convert(src.Items)
	// kin-openapi stores properties in a map, so declaration order is lost;
	// name order keeps the result stable.
	for _, name := range sortedKeys(src.Properties) {
		s.Properties = append(s.Properties, Property{Name: name, Schema: c.convert(src.Properties[name])})
	}
	for _, r := range src.AllOf {
		s.AllOf = append(s.AllOf, c.convert(r))
	}
	for _, r := range src.AnyOf {
		s.AnyOf = append(s.AnyOf, c.convert(r))
	}
	for _, r := range src.OneOf {
		s.OneOf = append(s.OneOf, c.convert(r))
	}
	if s.Type == "" && len(s.Properties) > 0 {
		s.Type = "object"
	}
	return s
}
