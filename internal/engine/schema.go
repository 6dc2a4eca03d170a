package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mark3labs/oas2mcp/internal/spec"
)

// WrapResultKey marks output schemas whose payload is wrapped in {"result": ...}.
const WrapResultKey = "x-fastmcp-wrap-result"

// ToolInputSchema renders the combined namespace as a JSON Schema object.
// Optional slots accept null explicitly.
func ToolInputSchema(cs *CombinedSchema) map[string]any {
	props := map[string]any{}
	required := []string{}
	for _, s := range cs.Slots {
		ps := s.Schema.JSONSchema()
		if s.Description != "" {
			if _, ok := ps["description"]; !ok {
				ps["description"] = s.Description
			}
		}
		if s.Required {
			required = append(required, s.ExposedName)
			props[s.ExposedName] = ps
			continue
		}
		opt := map[string]any{"anyOf": []any{ps, map[string]any{"type": "null"}}}
		if d, ok := ps["description"]; ok {
			opt["description"] = d
		}
		props[s.ExposedName] = opt
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	if len(cs.Slots) > 0 {
		out["additionalProperties"] = false
	}
	return out
}

// OutputSchema returns the schema of the first 2xx JSON response, or nil.
// Non-object schemas are wrapped under "result".
func OutputSchema(route *spec.Route) map[string]any {
	for _, r := range route.Responses {
		if !strings.HasPrefix(r.Status, "2") || r.Schema == nil {
			continue
		}
		if r.ContentType != "" && !isJSONContentType(r.ContentType) {
			continue
		}
		s := r.Schema.JSONSchema()
		if r.Schema.Type == "object" || r.Schema.IsObject() {
			return s
		}
		return map[string]any{
			"type":        "object",
			"properties":  map[string]any{"result": s},
			"required":    []string{"result"},
			WrapResultKey: true,
		}
	}
	return nil
}

// argValidator checks arguments against a compiled tool input schema.
type argValidator struct {
	route  *spec.Route
	schema *jsonschema.Schema
}

func newArgValidator(route *spec.Route, cs *CombinedSchema) (*argValidator, error) {
	raw, err := json.Marshal(ToolInputSchema(cs))
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	url := "tool/" + route.OperationID + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add input schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return &argValidator{route: route, schema: sch}, nil
}

func (v *argValidator) validate(args Args) error {
	fields := make([]Field, 0, len(args))
	for k, val := range args {
		fields = append(fields, Field{Name: k, Value: val})
	}
	raw, err := Object(fields...).MarshalJSON()
	if err != nil {
		return &ValidationError{Message: err.Error(), Cause: err}
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Message: err.Error(), Cause: err}
	}
	if err := v.schema.Validate(inst); err != nil {
		field := ""
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			field = leafField(ve)
		}
		return &ValidationError{Field: field, Message: "does not match input schema", Cause: err}
	}
	return nil
}

// leafField returns the top-level argument name of the deepest cause.
func leafField(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	if len(ve.InstanceLocation) == 0 {
		return ""
	}
	return ve.InstanceLocation[0]
}
