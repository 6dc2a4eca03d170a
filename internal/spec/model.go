package spec

// Route model consumed by the invocation engine. Values of these types are
// produced once per spec load and never mutated afterwards.

type HttpMethod string

const (
	GET     HttpMethod = "GET"
	POST    HttpMethod = "POST"
	PUT     HttpMethod = "PUT"
	DELETE  HttpMethod = "DELETE"
	PATCH   HttpMethod = "PATCH"
	HEAD    HttpMethod = "HEAD"
	OPTIONS HttpMethod = "OPTIONS"
	TRACE   HttpMethod = "TRACE"
)

// Location is where a parameter lives in the HTTP request.
type Location string

const (
	InPath   Location = "path"
	InQuery  Location = "query"
	InHeader Location = "header"
	InCookie Location = "cookie"
	InBody   Location = "body"
)

// Style is an OpenAPI parameter serialization style.
type Style string

const (
	StyleForm           Style = "form"
	StyleSimple         Style = "simple"
	StyleLabel          Style = "label"
	StyleMatrix         Style = "matrix"
	StyleDeepObject     Style = "deepObject"
	StyleSpaceDelimited Style = "spaceDelimited"
	StylePipeDelimited  Style = "pipeDelimited"
)

// Route is one API operation.
type Route struct {
	OperationID string
	Method      HttpMethod
	Path        string // template with {name} placeholders
	Summary     string
	Description string
	Tags        []string
	Parameters  []ParameterSpec
	RequestBody *RequestBodySpec
	Responses   []ResponseSpec
}

// ParametersIn returns the parameters declared at loc, in declaration order.
func (r *Route) ParametersIn(loc Location) []ParameterSpec {
	var out []ParameterSpec
	for _, p := range r.Parameters {
		if p.In == loc {
			out = append(out, p)
		}
	}
	return out
}

type ParameterSpec struct {
	Name        string
	In          Location
	Required    bool
	Style       Style // empty means the location default
	Explode     *bool // nil means the style default
	Description string
	Schema      *Schema
}

// EffectiveStyle resolves the OpenAPI default style for the parameter's location.
func (p ParameterSpec) EffectiveStyle() Style {
	if p.Style != "" {
		return p.Style
	}
	switch p.In {
	case InPath, InHeader:
		return StyleSimple
	default:
		return StyleForm
	}
}

// EffectiveExplode resolves the explode flag; only form defaults to true.
func (p ParameterSpec) EffectiveExplode() bool {
	if p.Explode != nil {
		return *p.Explode
	}
	return p.EffectiveStyle() == StyleForm
}

type RequestBodySpec struct {
	ContentType string
	Required    bool
	Description string
	Schema      *Schema
}

type ResponseSpec struct {
	Status      string // 200, 4XX, default
	Description string
	ContentType string
	Schema      *Schema
}

// Property is one named member of an object schema. Properties are kept in
// a slice so that their declaration order survives.
type Property struct {
	Name   string
	Schema *Schema
}

type Schema struct {
	Type        string
	Format      string
	Description string
	Enum        []any
	Default     any
	Nullable    bool
	Items       *Schema
	Properties  []Property
	Required    []string
	AllOf       []*Schema
	AnyOf       []*Schema
	OneOf       []*Schema
}

// Property returns the named property schema, or nil.
func (s *Schema) Property(name string) *Schema {
	if s == nil {
		return nil
	}
	for _, p := range s.Properties {
		if p.Name == name {
			return p.Schema
		}
	}
	return nil
}

// IsRequired reports whether name is listed in the schema's required set.
func (s *Schema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// IsObject reports whether the schema describes an object with named properties.
func (s *Schema) IsObject() bool {
	return s != nil && (s.Type == "object" || s.Type == "") && len(s.Properties) > 0
}

// JSONSchema renders the schema as a JSON Schema document fragment. A
// schema that refers back to one of its ancestors renders as {} at the
// point of recursion.
func (s *Schema) JSONSchema() map[string]any {
	return s.jsonSchema(map[*Schema]bool{}, 0)
}

const maxSchemaDepth = 16

func (s *Schema) jsonSchema(ancestors map[*Schema]bool, depth int) map[string]any {
	out := map[string]any{}
	if s == nil || depth > maxSchemaDepth || ancestors[s] {
		return out
	}
	ancestors[s] = true
	defer delete(ancestors, s)
	if s.Type != "" {
		if s.Nullable {
			out["type"] = []any{s.Type, "null"}
		} else {
			out["type"] = s.Type
		}
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		out["enum"] = append([]any(nil), s.Enum...)
	}
	if s.Default != nil {
		out["default"] = s.Default
	}
	if s.Items != nil {
		out["items"] = s.Items.jsonSchema(ancestors, depth+1)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for _, p := range s.Properties {
			props[p.Name] = p.Schema.jsonSchema(ancestors, depth+1)
		}
		out["properties"] = props
	}
	if len(s.Required) > 0 {
		req := make([]any, 0, len(s.Required))
		for _, r := range s.Required {
			req = append(req, r)
		}
		out["required"] = req
	}
	for key, list := range map[string][]*Schema{"allOf": s.AllOf, "anyOf": s.AnyOf, "oneOf": s.OneOf} {
		if len(list) == 0 {
			continue
		}
		items := make([]any, 0, len(list))
		for _, sub := range list {
			items = append(items, sub.jsonSchema(ancestors, depth+1))
		}
		out[key] = items
	}
	return out
}
