package spec

import (
	"encoding/json"
	"testing"
	"time"
)

func recursiveNode() *Schema {
	node := &Schema{Type: "object", Required: []string{"value"}}
	node.Properties = []Property{
		{Name: "children", Schema: &Schema{Type: "array", Items: node}},
		{Name: "left", Schema: node},
		{Name: "parent", Schema: node},
		{Name: "right", Schema: node},
		{Name: "value", Schema: &Schema{Type: "integer"}},
	}
	return node
}

func TestJSONSchema_RecursiveSchemaTerminates(t *testing.T) {
	t.Parallel()
	node := recursiveNode()

	done := make(chan map[string]any, 1)
	go func() { done <- node.JSONSchema() }()

	var out map[string]any
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("JSONSchema did not finish for a self-referencing schema")
	}

	props, ok := out["properties"].(map[string]any)
	if !ok {
		t.Fatalf("missing properties: %v", out)
	}
	for _, name := range []string{"left", "parent", "right"} {
		if got, _ := props[name].(map[string]any); len(got) != 0 {
			t.Fatalf("%s: expected {} at the point of recursion, got %v", name, got)
		}
	}
	children, _ := props["children"].(map[string]any)
	if children["type"] != "array" || len(children["items"].(map[string]any)) != 0 {
		t.Fatalf("children: unexpected %v", children)
	}
	if v, _ := props["value"].(map[string]any); v["type"] != "integer" {
		t.Fatalf("value: unexpected %v", props["value"])
	}
	if _, err := json.Marshal(out); err != nil {
		t.Fatalf("marshal: %v", err)
	}
}

func TestJSONSchema_SharedSchemaExpandedInSiblings(t *testing.T) {
	t.Parallel()
	addr := &Schema{Type: "object", Properties: []Property{{Name: "city", Schema: &Schema{Type: "string"}}}}
	s := &Schema{Type: "object", Properties: []Property{{Name: "billing", Schema: addr}, {Name: "shipping", Schema: addr}}}

	props := s.JSONSchema()["properties"].(map[string]any)
	for _, name := range []string{"billing", "shipping"} {
		p := props[name].(map[string]any)
		if _, ok := p["properties"]; !ok {
			t.Fatalf("%s: shared non-recursive schema must be expanded, got %v", name, p)
		}
	}
}
